package saga

import (
	"fmt"

	"tripsaga/internal/app/notify"
	domain "tripsaga/internal/domain/saga"
	"tripsaga/internal/domain/shared/events"
)

// SnapshotData is the body of the first event a new subscriber receives.
type SnapshotData struct {
	SagaContext domain.SagaContext      `json:"sagaContext"`
	Pending     *domain.PendingDispatch `json:"pending,omitempty"`
}

func Snapshot(s *domain.Saga) notify.Event {
	return notify.Event{
		Type:              notify.TypeSnapshot,
		SagaCorrelationID: string(s.ID),
		Status:            string(s.Status),
		Message:           s.Message,
		Data:              SnapshotData{SagaContext: s.Context, Pending: s.Pending},
		Timestamp:         s.UpdatedAt,
	}
}

func toNotification(ev events.DomainEvent) (notify.Event, bool) {
	switch e := ev.(type) {
	case domain.StatusChanged:
		out := notify.Event{
			Type:              notify.TypeStatus,
			SagaCorrelationID: string(e.SagaID),
			Status:            string(e.To),
			Message:           e.Message,
			Data:              e.Data,
			Timestamp:         e.At,
		}
		if entry, ok := e.Data.(domain.BookingEntry); ok {
			out.BookingMessage = bookingMessage(entry)
		}
		return out, true
	case domain.StepProgressed:
		return notify.Event{
			Type:              notify.TypeProgress,
			SagaCorrelationID: string(e.SagaID),
			Status:            string(e.Status),
			Message:           e.Message,
			Data:              map[string]string{"step": string(e.Step)},
			Timestamp:         e.At,
		}, true
	}
	return notify.Event{}, false
}

func bookingMessage(e domain.BookingEntry) string {
	ref := e.Reference
	if ref == "" {
		ref = e.ID
	}
	return fmt.Sprintf("%s %s booked for %d people, %.2f", e.Type, ref, e.People, e.Price)
}
