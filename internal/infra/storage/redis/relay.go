package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"tripsaga/internal/app/notify"
)

const (
	opPublish  = "publish"
	opComplete = "complete"
)

type envelope struct {
	Op     string        `json:"op"`
	SagaID string        `json:"sagaId"`
	Event  *notify.Event `json:"event,omitempty"`
}

// Local is the in-process side the relay forwards into.
type Local interface {
	Publish(ctx context.Context, ev notify.Event)
	Complete(ctx context.Context, sagaID string)
}

// Relay fans notifications out over a Redis channel so the instance holding a stream
// receives events produced on any other instance.
type Relay struct {
	rdb     *goredis.Client
	channel string
	local   Local
	logger  *slog.Logger
}

func NewRelay(rdb *goredis.Client, channel string, local Local, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, channel: channel, local: local, logger: logger.With("component", "redis.relay")}
}

func (r *Relay) Publish(ctx context.Context, ev notify.Event) {
	r.send(ctx, envelope{Op: opPublish, SagaID: ev.SagaCorrelationID, Event: &ev}, func() { r.local.Publish(ctx, ev) })
}

func (r *Relay) Complete(ctx context.Context, sagaID string) {
	r.send(ctx, envelope{Op: opComplete, SagaID: sagaID}, func() { r.local.Complete(ctx, sagaID) })
}

// send falls back to local delivery when Redis is unavailable.
func (r *Relay) send(ctx context.Context, env envelope, fallback func()) {
	raw, err := json.Marshal(env)
	if err == nil {
		err = r.rdb.Publish(ctx, r.channel, raw).Err()
	}
	if err != nil {
		r.logger.Warn("relay publish failed, delivering locally", "saga_id", env.SagaID, "op", env.Op, "error", err)
		fallback()
	}
}

// Start subscribes to the channel and forwards messages into the local hub until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				r.forward(ctx, m.Payload)
			}
		}
	}()
	return nil
}

func (r *Relay) forward(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("bad relay payload", "error", err)
		return
	}
	switch env.Op {
	case opPublish:
		if env.Event != nil {
			r.local.Publish(ctx, *env.Event)
		}
	case opComplete:
		r.local.Complete(ctx, env.SagaID)
	default:
		r.logger.Warn("unknown relay op", "op", env.Op)
	}
}
