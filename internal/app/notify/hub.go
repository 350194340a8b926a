package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadySubscribed = errors.New("notify: saga already has a subscriber")
	ErrTransport         = errors.New("notify: delivery failed")
	ErrEmptySagaID       = errors.New("notify: saga id required")
)

// CloseReason tells why a subscription ended.
type CloseReason string

const (
	ReasonUnsubscribed CloseReason = "unsubscribed"
	ReasonCompleted    CloseReason = "completed"
	ReasonIdle         CloseReason = "idle"
	ReasonTransport    CloseReason = "transport"
	ReasonShutdown     CloseReason = "shutdown"
)

type Options struct {
	IdleTimeout time.Duration
	Buffer      int
}

// Hub keeps at most one live subscription per saga.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *slog.Logger
	opts   Options
}

func NewHub(logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "notify.hub"),
		opts:   opts,
	}
}

// Subscription is the stream handle held by one client.
type Subscription struct {
	SagaID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	reason    CloseReason
	idle      *time.Timer
}

func (s *Subscription) Events() <-chan Event  { return s.events }
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason is valid once Done is closed.
func (s *Subscription) Reason() CloseReason {
	<-s.done
	return s.reason
}

func (s *Subscription) close(reason CloseReason) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.reason = reason
		if s.idle != nil {
			s.idle.Stop()
		}
		close(s.done)
		closed = true
	})
	return closed
}

func (h *Hub) Subscribe(sagaID string) (*Subscription, error) {
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return nil, ErrEmptySagaID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subs[sagaID]; exists {
		return nil, ErrAlreadySubscribed
	}
	sub := &Subscription{
		SagaID: sagaID,
		events: make(chan Event, h.opts.Buffer),
		done:   make(chan struct{}),
	}
	if h.opts.IdleTimeout > 0 {
		sub.idle = time.AfterFunc(h.opts.IdleTimeout, func() { h.drop(sub, ReasonIdle) })
	}
	h.subs[sagaID] = sub
	h.logger.Debug("subscriber attached", "saga_id", sagaID)
	return sub, nil
}

// Publish never blocks. A full buffer counts as a delivery failure and drops the subscriber.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.Lock()
	sub, ok := h.subs[ev.SagaCorrelationID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("no subscriber for saga, event dropped", "saga_id", ev.SagaCorrelationID, "status", ev.Status)
		return
	}
	select {
	case <-sub.done:
		return
	default:
	}
	select {
	case sub.events <- ev:
		if sub.idle != nil {
			sub.idle.Reset(h.opts.IdleTimeout)
		}
	default:
		h.logger.Warn("subscriber not draining, dropping subscription", "saga_id", ev.SagaCorrelationID, "error", ErrTransport)
		h.drop(sub, ReasonTransport)
	}
}

// Unsubscribe detaches sub if it is still the active subscription for its saga.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.drop(sub, ReasonUnsubscribed)
}

// Fail detaches sub after the client transport failed.
func (h *Hub) Fail(sub *Subscription, err error) {
	if h.drop(sub, ReasonTransport) {
		h.logger.Info("subscriber transport failed", "saga_id", sub.SagaID, "error", err)
	}
}

// Complete ends the saga's stream. Calling it again is a no-op.
func (h *Hub) Complete(_ context.Context, sagaID string) {
	h.mu.Lock()
	sub, ok := h.subs[sagaID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.drop(sub, ReasonCompleted)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.drop(sub, ReasonShutdown)
	}
}

func (h *Hub) Subscribed(sagaID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[sagaID]
	return ok
}

func (h *Hub) drop(sub *Subscription, reason CloseReason) bool {
	if sub == nil {
		return false
	}
	h.mu.Lock()
	if current, ok := h.subs[sub.SagaID]; ok && current == sub {
		delete(h.subs, sub.SagaID)
	}
	h.mu.Unlock()
	closed := sub.close(reason)
	if closed {
		h.logger.Debug("subscriber detached", "saga_id", sub.SagaID, "reason", reason)
	}
	return closed
}
