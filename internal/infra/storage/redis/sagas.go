package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "tripsaga/internal/domain/saga"
)

var ErrSagaExists = errors.New("redis: saga already exists")

const sagaKeyPrefix = "tripsaga:saga:"

// SagaStore keeps each saga as a JSON string whose expiry is reset on every write.
type SagaStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewSagaStore(rdb *goredis.Client, ttl time.Duration) *SagaStore {
	return &SagaStore{rdb: rdb, ttl: ttl}
}

func (s *SagaStore) Create(ctx context.Context, saga *domain.Saga) error {
	raw, err := encode(saga)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, sagaKey(saga.ID), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSagaExists
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id domain.ID) (*domain.Saga, error) {
	raw, err := s.rdb.Get(ctx, sagaKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	saga, err := domain.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", id, err)
	}
	return saga, nil
}

// Update writes the saga under WATCH so a copy stored by another instance
// since the load is reported as a conflict instead of being overwritten.
func (s *SagaStore) Update(ctx context.Context, saga *domain.Saga) error {
	raw, err := encode(saga)
	if err != nil {
		return err
	}
	key := sagaKey(saga.ID)
	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("decode saga %s: %w", saga.ID, err)
		}
		if stored.Version != saga.Version-1 {
			return domain.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return domain.ErrConflict
	}
	return err
}

func (s *SagaStore) Delete(ctx context.Context, id domain.ID) error {
	return s.rdb.Del(ctx, sagaKey(id)).Err()
}

func (s *SagaStore) Exists(ctx context.Context, id domain.ID) (bool, error) {
	n, err := s.rdb.Exists(ctx, sagaKey(id)).Result()
	return n > 0, err
}

func sagaKey(id domain.ID) string { return sagaKeyPrefix + string(id) }

func encode(saga *domain.Saga) ([]byte, error) {
	raw, err := json.Marshal(saga)
	if err != nil {
		return nil, fmt.Errorf("encode saga %s: %w", saga.ID, err)
	}
	return raw, nil
}
