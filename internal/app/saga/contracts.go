package saga

import (
	"context"
	"errors"
	"time"

	"tripsaga/internal/app/notify"
	domain "tripsaga/internal/domain/saga"
)

var (
	ErrCollaborator       = errors.New("saga: collaborator failure")
	ErrSerialization      = errors.New("saga: state serialization failure")
	ErrUnknownSelection   = errors.New("saga: unknown selection kind")
	ErrMissingCorrelation = errors.New("saga: reply without correlation id")
)

// Command is the message sent to a collaborator. The broker key is the saga id.
type Command struct {
	MessageID         string                `json:"messageId"`
	SagaCorrelationID string                `json:"sagaCorrelationId"`
	Kind              domain.DispatchKind   `json:"kind"`
	BookingContext    domain.BookingContext `json:"bookingContext"`
	SagaContext       domain.SagaContext    `json:"sagaContext"`
	OptionID          string                `json:"optionId,omitempty"`
	IssuedAt          time.Time             `json:"issuedAt"`
}

// Topic is the unprefixed topic the command is published on.
func (c Command) Topic() string {
	return string(c.Kind) + ".command"
}

type ReplyKind string

const (
	ReplyTransportProcessing ReplyKind = "transport.processing"
	ReplyTransportOptions    ReplyKind = "transport.options"
	ReplyTransportConfirmed  ReplyKind = "transport.confirmed"
	ReplyHotelOptions        ReplyKind = "hotel.options"
	ReplyHotelConfirmed      ReplyKind = "hotel.confirmed"
	ReplyError               ReplyKind = "error"
)

// Reply is the tagged union a collaborator sends back. Kind selects which fields are set.
// InReplyTo is the message id of the command answered; Step is the dispatch kind it answers.
// An error reply is applied only when one of them matches the pending dispatch.
type Reply struct {
	MessageID         string               `json:"messageId"`
	SagaCorrelationID string               `json:"sagaCorrelationId"`
	Kind              ReplyKind            `json:"kind"`
	InReplyTo         string               `json:"inReplyTo,omitempty"`
	Step              domain.DispatchKind  `json:"step,omitempty"`
	Options           []domain.Option      `json:"options,omitempty"`
	Entry             *domain.BookingEntry `json:"entry,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// ReplyTopics lists the unprefixed topics the orchestrator consumes.
func ReplyTopics() []string {
	return []string{
		"transport.search.reply",
		"transport.book.reply",
		"hotel.search.reply",
		"hotel.book.reply",
	}
}

type SelectionKind string

const (
	SelectTransport SelectionKind = "transport"
	SelectHotel     SelectionKind = "hotel"
)

// PaymentRequest is forwarded to the payment bridge.
type PaymentRequest struct {
	SagaCorrelationID string                `json:"sagaCorrelationId"`
	MessageID         string                `json:"messageId"`
	PaymentMethodID   string                `json:"paymentMethodId"`
	PaymentType       string                `json:"paymentType"`
	Amount            float64               `json:"amount"`
	Currency          string                `json:"currency"`
	BookingContext    domain.BookingContext `json:"bookingContext"`
}

// PaymentCallback is posted by the payment bridge once the charge settles.
type PaymentCallback struct {
	SagaCorrelationID string         `json:"sagaCorrelationId"`
	Status            string         `json:"status"`
	Context           map[string]any `json:"context,omitempty"`
}

// Store persists sagas with a bounded lifetime. Get returns domain.ErrNotFound for unknown or expired ids.
// Update stores s only if the stored copy still has version s.Version-1 and returns domain.ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, s *domain.Saga) error
	Get(ctx context.Context, id domain.ID) (*domain.Saga, error)
	Update(ctx context.Context, s *domain.Saga) error
	Delete(ctx context.Context, id domain.ID) error
	Exists(ctx context.Context, id domain.ID) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

type Notifier interface {
	Publish(ctx context.Context, ev notify.Event)
	Complete(ctx context.Context, sagaID string)
}

type PaymentBridge interface {
	RequestPayment(ctx context.Context, req PaymentRequest) error
}

type Invoicer interface {
	Issue(ctx context.Context, s *domain.Saga) (string, error)
}

// Inbox reports whether a message id was already processed.
type Inbox interface {
	Seen(ctx context.Context, messageID string) (bool, error)
}
