package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record is one outbound message waiting for the broker.
type Record struct {
	ID         string
	Topic      string
	Key        string
	Payload    []byte
	Headers    map[string]string
	OccurredAt time.Time
	Attempts   int
	LastError  string
}

type Outbox interface {
	Add(ctx context.Context, record Record) error
}

// Store is the worker-side view of an outbox.
type Store interface {
	Outbox
	Claim(ctx context.Context, workerID string) (*Record, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error
	MarkDead(ctx context.Context, id string, errMsg string) error
}

var ErrEmptyTopic = errors.New("outbox: topic required")

type Encoder interface {
	Encode(id, topic, key string, message any) (Record, error)
}

type JSONEncoder struct {
	IDGenerator func() string
	Now         func() time.Time
}

func (e JSONEncoder) Encode(id, topic, key string, message any) (Record, error) {
	if topic == "" {
		return Record{}, ErrEmptyTopic
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return Record{}, err
	}
	if id == "" {
		idGen := e.IDGenerator
		if idGen == nil {
			idGen = uuid.NewString
		}
		id = idGen()
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return Record{
		ID:         id,
		Topic:      topic,
		Key:        key,
		Payload:    payload,
		Headers:    map[string]string{"content-type": "application/json"},
		OccurredAt: now().UTC(),
	}, nil
}
