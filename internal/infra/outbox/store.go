package outbox

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	appoutbox "tripsaga/internal/app/outbox"
)

const (
	stateNew     = "NEW"
	stateClaimed = "CLAIMED"
	stateSent    = "SENT"
	stateFailed  = "FAILED"
	stateDead    = "DEAD"
)

// MongoStore is the durable outbox used with the mongo store backend.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	col := db.Collection("saga_outbox")
	idx := mongo.IndexModel{Keys: bson.D{{Key: "state", Value: 1}, {Key: "next_attempt_at", Value: 1}}}
	if _, err := col.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, err
	}
	return &MongoStore{col: col}, nil
}

type commandDocument struct {
	ID          string            `bson:"_id"`
	Topic       string            `bson:"topic"`
	Key         string            `bson:"key"`
	Payload     []byte            `bson:"payload"`
	Headers     map[string]string `bson:"headers"`
	OccurredAt  time.Time         `bson:"occurred_at"`
	State       string            `bson:"state"`
	Attempts    int               `bson:"attempts"`
	NextAttempt time.Time         `bson:"next_attempt_at"`
	ClaimedBy   string            `bson:"claimed_by,omitempty"`
	ClaimedAt   time.Time         `bson:"claimed_at,omitempty"`
	SentAt      time.Time         `bson:"sent_at,omitempty"`
	LastError   string            `bson:"last_error,omitempty"`
}

func (d commandDocument) record() *appoutbox.Record {
	return &appoutbox.Record{
		ID:         d.ID,
		Topic:      d.Topic,
		Key:        d.Key,
		Payload:    d.Payload,
		Headers:    d.Headers,
		OccurredAt: d.OccurredAt,
		Attempts:   d.Attempts,
		LastError:  d.LastError,
	}
}

func (s *MongoStore) Add(ctx context.Context, record appoutbox.Record) error {
	now := time.Now().UTC()
	doc := commandDocument{
		ID:          record.ID,
		Topic:       record.Topic,
		Key:         record.Key,
		Payload:     record.Payload,
		Headers:     record.Headers,
		OccurredAt:  record.OccurredAt,
		State:       stateNew,
		NextAttempt: now,
	}
	_, err := s.col.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) Claim(ctx context.Context, workerID string) (*appoutbox.Record, error) {
	now := time.Now().UTC()
	filter := bson.M{"state": bson.M{"$in": []string{stateNew, stateFailed}}, "next_attempt_at": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{"state": stateClaimed, "claimed_by": workerID, "claimed_at": now}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})
	var doc commandDocument
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.record(), nil
}

func (s *MongoStore) MarkSent(ctx context.Context, id string) error {
	_, err := s.col.UpdateByID(ctx, id, bson.M{"$set": bson.M{"state": stateSent, "sent_at": time.Now().UTC()}})
	return err
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	update := bson.M{
		"$set": bson.M{
			"state":           stateFailed,
			"next_attempt_at": next,
			"last_error":      errMsg,
		},
		"$inc": bson.M{"attempts": 1},
	}
	_, err := s.col.UpdateByID(ctx, id, update)
	return err
}

func (s *MongoStore) MarkDead(ctx context.Context, id string, errMsg string) error {
	update := bson.M{
		"$set": bson.M{"state": stateDead, "last_error": errMsg},
		"$inc": bson.M{"attempts": 1},
	}
	_, err := s.col.UpdateByID(ctx, id, update)
	return err
}

var _ appoutbox.Store = (*MongoStore)(nil)
