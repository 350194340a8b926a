package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "tripsaga/internal/domain/saga"
)

// SubmitSelection resumes a saga paused on options. It validates synchronously and returns once the
// booking command is handed off; the confirmation arrives later as a reply.
func (o *Orchestrator) SubmitSelection(ctx context.Context, id domain.ID, kind SelectionKind, optionID string) error {
	var (
		book   domain.DispatchKind
		choose func(*domain.Saga, string, time.Time) error
	)
	switch kind {
	case SelectTransport:
		book, choose = domain.DispatchTransportBook, (*domain.Saga).SelectTransport
	case SelectHotel:
		book, choose = domain.DispatchHotelBook, (*domain.Saga).SelectHotel
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSelection, kind)
	}
	optionID = strings.TrimSpace(optionID)
	_, err := o.transact(ctx, id, func(s *domain.Saga, out *outbound) error {
		if err := choose(s, optionID, o.now()); err != nil {
			return err
		}
		return o.dispatch(s, out, book, optionID)
	})
	if err == nil {
		o.logger.Info("selection accepted", "saga_id", id, "kind", kind, "option_id", optionID)
	}
	return err
}
