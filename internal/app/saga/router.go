package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "tripsaga/internal/domain/saga"
)

var errReplyDropped = errors.New("saga: reply dropped")

// HandleReply applies a collaborator reply. Stale, duplicate and orphaned replies are discarded;
// a failing reply drives the saga to FAILED. The returned error is only for storage trouble worth a redelivery.
func (o *Orchestrator) HandleReply(ctx context.Context, reply Reply) error {
	if strings.TrimSpace(reply.SagaCorrelationID) == "" {
		o.logger.Warn("reply discarded", "reason", ErrMissingCorrelation, "kind", reply.Kind, "message_id", reply.MessageID)
		return nil
	}
	id := domain.ID(reply.SagaCorrelationID)
	log := o.logger.With("saga_id", id, "kind", reply.Kind, "message_id", reply.MessageID)

	checked := false
	_, err := o.transact(ctx, id, func(s *domain.Saga, out *outbound) error {
		if s.Status.Terminal() {
			log.Info("reply for finished saga discarded", "status", s.Status)
			return errReplyDropped
		}
		if !checked {
			dup, err := o.seen(ctx, reply.MessageID)
			if err != nil {
				return err
			}
			checked = true
			if dup {
				log.Debug("duplicate reply discarded")
				return errReplyDropped
			}
		}
		err := o.applyReply(s, out, reply)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidState):
			log.Info("stale reply discarded", "status", s.Status, "reason", err)
			return errReplyDropped
		default:
			log.Warn("reply failed saga", "status", s.Status, "error", err)
			_ = s.Fail(failureMessage(reply, err), o.now())
		}
		return nil
	})
	var dispatchErr *dispatchError
	switch {
	case err == nil, errors.Is(err, errReplyDropped):
		return nil
	case errors.Is(err, domain.ErrNotFound):
		log.Info("reply for unknown saga discarded")
		return nil
	case errors.As(err, &dispatchErr):
		return nil
	}
	return err
}

// RejectReply fails the saga a malformed reply was meant for.
func (o *Orchestrator) RejectReply(ctx context.Context, id domain.ID, reason string) error {
	_, err := o.mutate(ctx, id, func(s *domain.Saga) error {
		return s.Fail("Malformed collaborator reply: "+reason, o.now())
	})
	if isStale(err) {
		o.logger.Info("malformed reply for settled saga ignored", "saga_id", id, "reason", reason)
		return nil
	}
	return err
}

func (o *Orchestrator) applyReply(s *domain.Saga, out *outbound, reply Reply) error {
	if reply.InReplyTo != "" && !answers(s.Pending, reply) {
		return fmt.Errorf("%w: reply to %s, which is not pending", domain.ErrInvalidState, reply.InReplyTo)
	}
	now := o.now()
	switch reply.Kind {
	case ReplyTransportProcessing:
		return s.MarkConsumerProcessing(now)
	case ReplyTransportOptions:
		return s.ReturnTransportOptions(reply.Options, now)
	case ReplyTransportConfirmed:
		if err := s.ConfirmTransport(entryOf(reply), now); err != nil {
			return err
		}
		return o.dispatch(s, out, domain.DispatchHotelSearch, "")
	case ReplyHotelOptions:
		return s.ReturnHotelOptions(reply.Options, now)
	case ReplyHotelConfirmed:
		if err := s.ConfirmHotel(entryOf(reply), now); err != nil {
			return err
		}
		total, err := s.Total(o.opts.Currency)
		if err != nil {
			return fmt.Errorf("%w: total: %v", ErrCollaborator, err)
		}
		return s.RequestPayment(total, o.now())
	case ReplyError:
		if s.Pending == nil || s.Pending.Kind == domain.DispatchPayment {
			return fmt.Errorf("%w: error reply with no collaborator request pending", domain.ErrInvalidState)
		}
		if !answers(s.Pending, reply) {
			return fmt.Errorf("%w: error reply not attributed to pending %s", domain.ErrInvalidState, s.Pending.Kind)
		}
		return fmt.Errorf("%w: %s", ErrCollaborator, reply.Error)
	default:
		return fmt.Errorf("%w: unknown reply kind %q", ErrCollaborator, reply.Kind)
	}
}

// answers reports whether the reply names the pending dispatch, by message id or else by step.
func answers(p *domain.PendingDispatch, reply Reply) bool {
	switch {
	case p == nil:
		return false
	case reply.InReplyTo != "":
		return reply.InReplyTo == p.MessageID
	case reply.Step != "":
		return reply.Step == p.Kind
	}
	return false
}

func (o *Orchestrator) seen(ctx context.Context, messageID string) (bool, error) {
	if o.inbox == nil || messageID == "" {
		return false, nil
	}
	return o.inbox.Seen(ctx, messageID)
}

func entryOf(reply Reply) domain.BookingEntry {
	if reply.Entry == nil {
		return domain.BookingEntry{}
	}
	return *reply.Entry
}

func failureMessage(reply Reply, err error) string {
	if reply.Kind == ReplyError {
		msg := strings.TrimSpace(reply.Error)
		if msg == "" {
			msg = "unspecified error"
		}
		return "Collaborator reported an error: " + msg
	}
	return fmt.Sprintf("Could not process %s reply: %v", reply.Kind, err)
}
