package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "tripsaga/internal/domain/saga"
)

var ErrSagaExists = errors.New("memory: saga already exists")

type sagaEntry struct {
	saga      *domain.Saga
	expiresAt time.Time
}

// SagaStore keeps sagas in process memory. Every write restarts the entry's TTL.
type SagaStore struct {
	mu    sync.RWMutex
	items map[domain.ID]sagaEntry
	ttl   time.Duration
	now   func() time.Time
}

func NewSagaStore(ttl time.Duration) *SagaStore {
	return &SagaStore{
		items: make(map[domain.ID]sagaEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *SagaStore) Create(_ context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[saga.ID]; ok && !s.expired(e) {
		return ErrSagaExists
	}
	s.items[saga.ID] = s.entry(saga)
	return nil
}

func (s *SagaStore) Get(_ context.Context, id domain.ID) (*domain.Saga, error) {
	s.mu.RLock()
	e, ok := s.items[id]
	s.mu.RUnlock()
	if !ok || s.expired(e) {
		return nil, domain.ErrNotFound
	}
	return e.saga.Clone(), nil
}

// Update replaces the saga only if the stored copy is the version it was loaded at.
func (s *SagaStore) Update(_ context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[saga.ID]
	if !ok || s.expired(e) {
		return domain.ErrNotFound
	}
	if e.saga.Version != saga.Version-1 {
		return domain.ErrConflict
	}
	s.items[saga.ID] = s.entry(saga)
	return nil
}

func (s *SagaStore) Delete(_ context.Context, id domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *SagaStore) Exists(_ context.Context, id domain.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return ok && !s.expired(e), nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *SagaStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.items {
		if s.expired(e) {
			delete(s.items, id)
			n++
		}
	}
	return n
}

// RunJanitor sweeps every interval until ctx is done.
func (s *SagaStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *SagaStore) entry(saga *domain.Saga) sagaEntry {
	return sagaEntry{saga: saga.Clone(), expiresAt: s.now().Add(s.ttl)}
}

func (s *SagaStore) expired(e sagaEntry) bool {
	return s.ttl > 0 && !s.now().Before(e.expiresAt)
}
