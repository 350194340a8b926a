package saga

import (
	"context"
	"time"

	domain "tripsaga/internal/domain/saga"
)

const timeoutHandlingBudget = 10 * time.Second

// armTimeout fails the saga if messageID is still pending after the reply timeout.
func (o *Orchestrator) armTimeout(id domain.ID, messageID string) {
	if o.opts.ReplyTimeout <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if prev, ok := o.timers[id]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(o.opts.ReplyTimeout, func() {
		o.mu.Lock()
		if o.timers[id] == t {
			delete(o.timers, id)
		}
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeoutHandlingBudget)
		defer cancel()
		if err := o.FailDispatch(ctx, id, messageID, "Collaborator did not reply in time"); err != nil {
			o.logger.Error("reply timeout handling failed", "saga_id", id, "message_id", messageID, "error", err)
		}
	})
	o.timers[id] = t
}

func (o *Orchestrator) disarm(id domain.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
}
