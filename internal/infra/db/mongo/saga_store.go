package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	domain "tripsaga/internal/domain/saga"
)

var ErrSagaExists = errors.New("mongo: saga already exists")

// SagaStore persists sagas as JSON documents. Mongo's TTL monitor removes them after expires_at.
type SagaStore struct {
	col *mongo.Collection
	ttl time.Duration
	now func() time.Time
}

type sagaDocument struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	Version   int64     `bson:"version"`
	Payload   []byte    `bson:"payload"`
	UpdatedAt time.Time `bson:"updated_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func NewSagaStore(ctx context.Context, db *mongo.Database, ttl time.Duration) (*SagaStore, error) {
	col := db.Collection("sagas")
	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &SagaStore{col: col, ttl: ttl, now: time.Now}, nil
}

func (s *SagaStore) Create(ctx context.Context, saga *domain.Saga) error {
	doc, err := s.document(saga)
	if err != nil {
		return err
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrSagaExists
		}
		return err
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id domain.ID) (*domain.Saga, error) {
	filter := bson.M{"_id": string(id), "expires_at": bson.M{"$gt": s.now().UTC()}}
	var doc sagaDocument
	if err := s.col.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	saga, err := domain.Decode(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", id, err)
	}
	return saga, nil
}

// Update replaces the document only while it still holds the version the saga was loaded at.
func (s *SagaStore) Update(ctx context.Context, saga *domain.Saga) error {
	doc, err := s.document(saga)
	if err != nil {
		return err
	}
	filter := bson.M{
		"_id":        doc.ID,
		"version":    saga.Version - 1,
		"expires_at": bson.M{"$gt": s.now().UTC()},
	}
	res, err := s.col.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	ok, err := s.Exists(ctx, saga.ID)
	if err != nil {
		return err
	}
	if ok {
		return domain.ErrConflict
	}
	return domain.ErrNotFound
}

func (s *SagaStore) Delete(ctx context.Context, id domain.ID) error {
	_, err := s.col.DeleteOne(ctx, bson.M{"_id": string(id)})
	return err
}

func (s *SagaStore) Exists(ctx context.Context, id domain.ID) (bool, error) {
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": string(id), "expires_at": bson.M{"$gt": s.now().UTC()}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SagaStore) document(saga *domain.Saga) (sagaDocument, error) {
	payload, err := json.Marshal(saga)
	if err != nil {
		return sagaDocument{}, fmt.Errorf("encode saga %s: %w", saga.ID, err)
	}
	now := s.now().UTC()
	return sagaDocument{
		ID:        string(saga.ID),
		Status:    string(saga.Status),
		Version:   saga.Version,
		Payload:   payload,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}, nil
}
