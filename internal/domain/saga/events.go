package saga

import "time"

const (
	EventStatusChanged = "saga.status_changed"
	EventStepProgress  = "saga.step_progress"
)

// StatusChanged is recorded on every status transition, including the initial CREATED.
type StatusChanged struct {
	SagaID  ID
	From    Status
	To      Status
	Message string
	Data    any
	At      time.Time
}

func (e StatusChanged) EventName() string     { return EventStatusChanged }
func (e StatusChanged) AggregateID() string   { return string(e.SagaID) }
func (e StatusChanged) OccurredAt() time.Time { return e.At }

// StepProgressed reports work started inside the current status.
type StepProgressed struct {
	SagaID  ID
	Status  Status
	Step    DispatchKind
	Message string
	At      time.Time
}

func (e StepProgressed) EventName() string     { return EventStepProgress }
func (e StepProgressed) AggregateID() string   { return string(e.SagaID) }
func (e StepProgressed) OccurredAt() time.Time { return e.At }

// PaymentDue is attached to the PAYMENT_REQUESTED transition.
type PaymentDue struct {
	TotalPrice float64 `json:"totalPrice"`
	Currency   string  `json:"currency"`
}

// PaymentReceipt is attached to the PAYMENT_CONFIRMED transition.
type PaymentReceipt struct {
	PaymentReference string  `json:"paymentReference,omitempty"`
	InvoiceURL       string  `json:"invoiceUrl"`
	TotalPrice       float64 `json:"totalPrice"`
	Currency         string  `json:"currency"`
}

// FailureDetail is attached to the FAILED transition.
type FailureDetail struct {
	Reason  string           `json:"reason"`
	Pending *PendingDispatch `json:"pending,omitempty"`
}
