package notify

import "time"

const (
	TypeSnapshot = "snapshot"
	TypeStatus   = "status"
	TypeProgress = "progress"
)

// Event is one message pushed to the client watching a saga.
type Event struct {
	Type              string    `json:"type"`
	SagaCorrelationID string    `json:"sagaCorrelationId"`
	Status            string    `json:"status"`
	Message           string    `json:"message"`
	BookingMessage    string    `json:"bookingMessage,omitempty"`
	Data              any       `json:"data,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Name is the SSE event name.
func (e Event) Name() string {
	if e.Type == "" {
		return TypeStatus
	}
	return e.Type
}
