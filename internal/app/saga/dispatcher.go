package saga

import (
	"context"
	"fmt"

	"tripsaga/internal/app/outbox"
	domain "tripsaga/internal/domain/saga"
)

// OutboxDispatcher stores commands in the outbox; the outbox worker publishes them.
type OutboxDispatcher struct {
	Box     outbox.Outbox
	Encoder outbox.Encoder
}

func NewOutboxDispatcher(box outbox.Outbox) *OutboxDispatcher {
	return &OutboxDispatcher{Box: box, Encoder: outbox.JSONEncoder{}}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	rec, err := d.Encoder.Encode(cmd.MessageID, cmd.Topic(), cmd.SagaCorrelationID, cmd)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrSerialization, cmd.Kind, err)
	}
	rec.Headers["message-id"] = cmd.MessageID
	rec.Headers["saga-id"] = cmd.SagaCorrelationID
	rec.Headers["command-kind"] = string(cmd.Kind)
	return d.Box.Add(ctx, rec)
}

var _ Dispatcher = (*OutboxDispatcher)(nil)

// DispatchExhausted fails the saga whose command the outbox gave up on.
func (o *Orchestrator) DispatchExhausted(ctx context.Context, rec outbox.Record, cause error) {
	id := domain.ID(rec.Headers["saga-id"])
	if id == "" {
		id = domain.ID(rec.Key)
	}
	reason := fmt.Sprintf("Could not deliver %s after %d attempts", rec.Headers["command-kind"], rec.Attempts)
	if err := o.FailDispatch(ctx, id, rec.Headers["message-id"], reason); err != nil {
		o.logger.Error("fail exhausted dispatch", "saga_id", id, "message_id", rec.ID, "cause", cause, "error", err)
	}
}
