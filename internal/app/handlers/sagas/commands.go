package sagas

import (
	"context"
	"errors"
	"strings"

	"tripsaga/internal/app/commands"
	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
)

const (
	createSagaKey      = "saga.create"
	submitSelectionKey = "saga.submit_selection"
	submitPaymentKey   = "saga.submit_payment"
	paymentCallbackKey = "saga.payment_callback"
	closeSagaKey       = "saga.close"
	cancelSagaKey      = "saga.cancel"
)

var (
	ErrSagaIDRequired   = errors.New("sagas: saga id required")
	ErrOptionIDRequired = errors.New("sagas: option id required")
)

// Facade is the orchestrator surface used by the bus handlers.
type Facade interface {
	CreateSaga(ctx context.Context, booking domain.BookingContext) (domain.ID, error)
	GetSaga(ctx context.Context, id domain.ID) (*domain.Saga, error)
	SubmitSelection(ctx context.Context, id domain.ID, kind appsaga.SelectionKind, optionID string) error
	SubmitPayment(ctx context.Context, id domain.ID, paymentMethodID, paymentType string) error
	HandlePaymentCallback(ctx context.Context, cb appsaga.PaymentCallback) error
	CloseSaga(ctx context.Context, id domain.ID) error
	CancelSaga(ctx context.Context, id domain.ID) error
}

type CreateSagaCommand struct {
	User            domain.User
	FillForm        domain.FillForm
	IdempotencyKeyV string
}

func (CreateSagaCommand) Key() string              { return createSagaKey }
func (c CreateSagaCommand) IdempotencyKey() string { return c.IdempotencyKeyV }
func (CreateSagaCommand) ResultPrototype() any     { return &CreateSagaResult{} }

func (c CreateSagaCommand) Validate() error {
	return domain.BookingContext{User: c.User, FillForm: c.FillForm}.Validate()
}

type CreateSagaResult struct {
	SagaID string `json:"sagaId"`
	Status string `json:"status"`
}

type SubmitSelectionCommand struct {
	SagaID   string
	Kind     appsaga.SelectionKind
	OptionID string
}

func (SubmitSelectionCommand) Key() string { return submitSelectionKey }

func (c SubmitSelectionCommand) Validate() error {
	if strings.TrimSpace(c.SagaID) == "" {
		return ErrSagaIDRequired
	}
	if strings.TrimSpace(c.OptionID) == "" {
		return ErrOptionIDRequired
	}
	return nil
}

type SubmitPaymentCommand struct {
	SagaID          string
	PaymentMethodID string
	PaymentType     string
}

func (SubmitPaymentCommand) Key() string { return submitPaymentKey }

func (c SubmitPaymentCommand) Validate() error {
	if strings.TrimSpace(c.SagaID) == "" {
		return ErrSagaIDRequired
	}
	if strings.TrimSpace(c.PaymentMethodID) == "" {
		return appsaga.ErrPaymentMethodRequired
	}
	return nil
}

type PaymentCallbackCommand struct {
	Callback appsaga.PaymentCallback
}

func (PaymentCallbackCommand) Key() string { return paymentCallbackKey }

func (c PaymentCallbackCommand) Validate() error {
	if strings.TrimSpace(c.Callback.SagaCorrelationID) == "" {
		return ErrSagaIDRequired
	}
	return nil
}

type CloseSagaCommand struct{ SagaID string }

func (CloseSagaCommand) Key() string { return closeSagaKey }

func (c CloseSagaCommand) Validate() error {
	if strings.TrimSpace(c.SagaID) == "" {
		return ErrSagaIDRequired
	}
	return nil
}

type CancelSagaCommand struct{ SagaID string }

func (CancelSagaCommand) Key() string { return cancelSagaKey }

func (c CancelSagaCommand) Validate() error {
	if strings.TrimSpace(c.SagaID) == "" {
		return ErrSagaIDRequired
	}
	return nil
}

// Ack is the result of commands that only start work.
type Ack struct {
	SagaID  string `json:"sagaCorrelationId"`
	Message string `json:"message"`
}

type Handler struct {
	Facade Facade
}

func (h Handler) CreateSaga(ctx context.Context, cmd CreateSagaCommand) (CreateSagaResult, error) {
	id, err := h.Facade.CreateSaga(ctx, domain.BookingContext{User: cmd.User, FillForm: cmd.FillForm})
	if err != nil {
		return CreateSagaResult{}, err
	}
	return CreateSagaResult{SagaID: string(id), Status: string(domain.StatusProducerDispatched)}, nil
}

func (h Handler) SubmitSelection(ctx context.Context, cmd SubmitSelectionCommand) (Ack, error) {
	if err := h.Facade.SubmitSelection(ctx, domain.ID(cmd.SagaID), cmd.Kind, cmd.OptionID); err != nil {
		return Ack{}, err
	}
	return Ack{SagaID: cmd.SagaID, Message: "Selection received, booking in progress"}, nil
}

func (h Handler) SubmitPayment(ctx context.Context, cmd SubmitPaymentCommand) (Ack, error) {
	if err := h.Facade.SubmitPayment(ctx, domain.ID(cmd.SagaID), cmd.PaymentMethodID, cmd.PaymentType); err != nil {
		return Ack{}, err
	}
	return Ack{SagaID: cmd.SagaID, Message: "Payment submitted, waiting for confirmation"}, nil
}

func (h Handler) PaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) (Ack, error) {
	if err := h.Facade.HandlePaymentCallback(ctx, cmd.Callback); err != nil {
		return Ack{}, err
	}
	return Ack{SagaID: cmd.Callback.SagaCorrelationID, Message: "Card payment processed"}, nil
}

func (h Handler) CloseSaga(ctx context.Context, cmd CloseSagaCommand) (Ack, error) {
	if err := h.Facade.CloseSaga(ctx, domain.ID(cmd.SagaID)); err != nil {
		return Ack{}, err
	}
	return Ack{SagaID: cmd.SagaID, Message: "Saga closed and deleted successfully"}, nil
}

func (h Handler) CancelSaga(ctx context.Context, cmd CancelSagaCommand) (Ack, error) {
	if err := h.Facade.CancelSaga(ctx, domain.ID(cmd.SagaID)); err != nil {
		return Ack{}, err
	}
	return Ack{SagaID: cmd.SagaID, Message: "Saga cancelled"}, nil
}

// RegisterCommands binds every saga command to bus.
func RegisterCommands(bus *commands.InMemoryBus, h Handler) {
	commands.RegisterHandler[CreateSagaCommand, CreateSagaResult](bus, createSagaKey, commands.HandlerFunc[CreateSagaCommand, CreateSagaResult](h.CreateSaga))
	commands.RegisterHandler[SubmitSelectionCommand, Ack](bus, submitSelectionKey, commands.HandlerFunc[SubmitSelectionCommand, Ack](h.SubmitSelection))
	commands.RegisterHandler[SubmitPaymentCommand, Ack](bus, submitPaymentKey, commands.HandlerFunc[SubmitPaymentCommand, Ack](h.SubmitPayment))
	commands.RegisterHandler[PaymentCallbackCommand, Ack](bus, paymentCallbackKey, commands.HandlerFunc[PaymentCallbackCommand, Ack](h.PaymentCallback))
	commands.RegisterHandler[CloseSagaCommand, Ack](bus, closeSagaKey, commands.HandlerFunc[CloseSagaCommand, Ack](h.CloseSaga))
	commands.RegisterHandler[CancelSagaCommand, Ack](bus, cancelSagaKey, commands.HandlerFunc[CancelSagaCommand, Ack](h.CancelSaga))
}
