package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appoutbox "tripsaga/internal/app/outbox"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// Worker drains the outbox into the broker. Failed sends are retried on the Backoff schedule;
// after MaxAttempts the record is marked dead and OnExhausted is called.
type Worker struct {
	Store       appoutbox.Store
	Producer    Producer
	Interval    time.Duration
	TopicPrefix string
	Source      string
	ID          string
	Backoff     []time.Duration
	MaxAttempts int
	OnExhausted func(ctx context.Context, rec appoutbox.Record, cause error)
	Logger      *slog.Logger
	Now         func() time.Time
}

const maxBatch = 64

var ErrWorkerNotConfigured = errors.New("outbox: worker missing dependencies")

func (w *Worker) Run(ctx context.Context) error {
	if w.Store == nil || w.Producer == nil {
		return ErrWorkerNotConfigured
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for i := 0; i < maxBatch; i++ {
		more, err := w.processOnce(ctx)
		if err != nil {
			w.logger().Error("outbox pass failed", "error", err)
			return
		}
		if !more {
			return
		}
	}
}

// processOnce publishes one due record and reports whether one was found.
func (w *Worker) processOnce(ctx context.Context) (bool, error) {
	rec, err := w.Store.Claim(ctx, w.ID)
	if err != nil || rec == nil {
		return false, err
	}
	headers := w.headers(rec)
	sendErr := w.Producer.Publish(ctx, w.topicFor(rec.Topic), rec.Key, rec.Payload, headers)
	if sendErr == nil {
		return true, w.Store.MarkSent(ctx, rec.ID)
	}

	attempt := rec.Attempts + 1
	log := w.logger().With("record_id", rec.ID, "topic", rec.Topic, "attempt", attempt)
	if attempt >= w.maxAttempts() {
		log.Error("outbox record exhausted", "error", sendErr)
		if err := w.Store.MarkDead(ctx, rec.ID, sendErr.Error()); err != nil {
			return true, err
		}
		if w.OnExhausted != nil {
			dead := *rec
			dead.Attempts = attempt
			dead.LastError = sendErr.Error()
			w.OnExhausted(ctx, dead, sendErr)
		}
		return true, nil
	}
	log.Warn("outbox publish failed, retrying", "error", sendErr)
	return true, w.Store.MarkFailed(ctx, rec.ID, w.nextRetry(rec.Attempts), sendErr.Error())
}

// headers adds CloudEvents binary-mode attributes; the payload is sent as is.
func (w *Worker) headers(rec *appoutbox.Record) map[string]string {
	headers := map[string]string{
		"ce_specversion": "1.0",
		"ce_id":          rec.ID,
		"ce_type":        rec.Topic + ".v1",
		"ce_source":      w.source(),
		"ce_time":        rec.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range rec.Headers {
		headers[k] = v
	}
	return headers
}

func (w *Worker) topicFor(topic string) string {
	return w.TopicPrefix + topic
}

func (w *Worker) interval() time.Duration {
	if w.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return w.Interval
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return 5
	}
	return w.MaxAttempts
}

func (w *Worker) nextRetry(attempts int) time.Time {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if attempts < len(w.Backoff) {
		return now().Add(w.Backoff[attempts])
	}
	if len(w.Backoff) > 0 {
		return now().Add(w.Backoff[len(w.Backoff)-1])
	}
	return now().Add(5 * time.Second)
}

func (w *Worker) source() string {
	if w.Source != "" {
		return w.Source
	}
	return "app://tripsaga"
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		w.Logger = slog.Default().With("component", "outbox.worker")
	}
	return w.Logger
}
