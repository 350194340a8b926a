package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	domain "tripsaga/internal/domain/saga"
)

var ErrSagaExists = errors.New("scylla: saga already exists")

// SagaStore writes every row with USING TTL, so each update restarts the saga's lifetime.
type SagaStore struct {
	session *gocql.Session
	ttl     int
}

func NewSagaStore(session *gocql.Session, ttl time.Duration) *SagaStore {
	return &SagaStore{session: session, ttl: ttlSeconds(ttl)}
}

func (s *SagaStore) Create(ctx context.Context, saga *domain.Saga) error {
	payload, err := encode(saga)
	if err != nil {
		return err
	}
	applied, err := s.session.
		Query(`INSERT INTO sagas (id, status, version, payload, updated_at) VALUES (?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
			string(saga.ID), string(saga.Status), saga.Version, payload, time.Now().UTC(), s.ttl).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return ErrSagaExists
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id domain.ID) (*domain.Saga, error) {
	var payload []byte
	err := s.session.
		Query(`SELECT payload FROM sagas WHERE id = ? LIMIT 1`, string(id)).
		WithContext(ctx).
		Scan(&payload)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	saga, err := domain.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", id, err)
	}
	return saga, nil
}

func (s *SagaStore) Update(ctx context.Context, saga *domain.Saga) error {
	payload, err := encode(saga)
	if err != nil {
		return err
	}
	current := map[string]interface{}{}
	applied, err := s.session.
		Query(`UPDATE sagas USING TTL ? SET status = ?, version = ?, payload = ?, updated_at = ? WHERE id = ? IF version = ?`,
			s.ttl, string(saga.Status), saga.Version, payload, time.Now().UTC(), string(saga.ID), saga.Version-1).
		WithContext(ctx).
		MapScanCAS(current)
	if err != nil {
		return err
	}
	if !applied {
		return rejectedUpdate(current)
	}
	return nil
}

// rejectedUpdate classifies a failed conditional update by the row the
// coordinator returned: a live row with another version is a conflict.
func rejectedUpdate(current map[string]interface{}) error {
	if v, ok := current["version"].(int64); ok && v > 0 {
		return domain.ErrConflict
	}
	return domain.ErrNotFound
}

func (s *SagaStore) Delete(ctx context.Context, id domain.ID) error {
	return s.session.Query(`DELETE FROM sagas WHERE id = ?`, string(id)).WithContext(ctx).Exec()
}

func (s *SagaStore) Exists(ctx context.Context, id domain.ID) (bool, error) {
	var found string
	err := s.session.Query(`SELECT id FROM sagas WHERE id = ? LIMIT 1`, string(id)).WithContext(ctx).Scan(&found)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func encode(saga *domain.Saga) ([]byte, error) {
	payload, err := json.Marshal(saga)
	if err != nil {
		return nil, fmt.Errorf("encode saga %s: %w", saga.ID, err)
	}
	return payload, nil
}
