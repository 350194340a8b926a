package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tripsaga/internal/domain/shared/events"
	"tripsaga/internal/domain/shared/money"
)

var (
	ErrNotFound     = errors.New("saga: not found")
	ErrInvalidState = errors.New("saga: invalid state")
	// ErrConflict is returned by stores when the saga changed since it was loaded.
	ErrConflict = errors.New("saga: concurrent update")

	ErrInvalidBooking = errors.New("saga: invalid booking context")
	ErrNoOptions      = errors.New("saga: reply carries no options")
	ErrInvalidEntry   = errors.New("saga: booking entry missing id or price")

	ErrDepartureRequired   = fmt.Errorf("%w: trip departure required", ErrInvalidBooking)
	ErrDestinationRequired = fmt.Errorf("%w: trip destination required", ErrInvalidBooking)
	ErrInvalidPeople       = fmt.Errorf("%w: people count must be positive", ErrInvalidBooking)
	ErrInvalidForm         = fmt.Errorf("%w: form values must not be negative", ErrInvalidBooking)
	ErrInvalidDates        = fmt.Errorf("%w: trip dates", ErrInvalidBooking)

	ErrUnknownOption     = fmt.Errorf("%w: option not offered", ErrInvalidState)
	ErrDispatchPending   = fmt.Errorf("%w: a collaborator request is still pending", ErrInvalidState)
	ErrAlreadyBooked     = fmt.Errorf("%w: entry already booked", ErrInvalidState)
	ErrIncompleteBooking = fmt.Errorf("%w: transport and hotel entries required", ErrInvalidState)
)

type ID string

// Saga is the correlation-scoped booking transaction.
type Saga struct {
	ID        ID               `json:"sagaId"`
	Status    Status           `json:"status"`
	Booking   BookingContext   `json:"bookingContext"`
	Context   SagaContext      `json:"sagaContext"`
	Pending   *PendingDispatch `json:"pending,omitempty"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Version   int64            `json:"version"`

	events.EventRecorder `json:"-"`
}

type CreateParams struct {
	ID        ID
	Booking   BookingContext
	CreatedAt time.Time
}

func New(params CreateParams) (*Saga, error) {
	if strings.TrimSpace(string(params.ID)) == "" {
		return nil, fmt.Errorf("%w: id required", ErrInvalidBooking)
	}
	if err := params.Booking.Validate(); err != nil {
		return nil, err
	}
	now := params.CreatedAt.UTC()
	s := &Saga{
		ID:        params.ID,
		Status:    StatusCreated,
		Booking:   params.Booking,
		Message:   "Saga created",
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Record(StatusChanged{SagaID: s.ID, To: StatusCreated, Message: s.Message, At: now})
	return s, nil
}

// MarkDispatched records that a command of the given kind left for a collaborator.
func (s *Saga) MarkDispatched(kind DispatchKind, messageID string, now time.Time) error {
	if s.Pending != nil {
		return ErrDispatchPending
	}
	switch kind {
	case DispatchTransportSearch:
		if s.Status != StatusCreated {
			return s.invalid(kind)
		}
		s.setPending(kind, messageID, now)
		s.transition(StatusProducerDispatched, "Transport search dispatched", nil, now)
	case DispatchHotelSearch:
		if s.Status != StatusTransportConfirmed {
			return s.invalid(kind)
		}
		s.setPending(kind, messageID, now)
		s.transition(StatusHotelDispatched, "Saga processing continued with hotel search", nil, now)
	case DispatchTransportBook:
		if s.Status != StatusOptionsReturned || s.Context.SelectedTransportID == "" {
			return s.invalid(kind)
		}
		s.setPending(kind, messageID, now)
		s.progress(kind, "Transport booking in progress", now)
	case DispatchHotelBook:
		if s.Status != StatusHotelOptionsReturned || s.Context.SelectedHotelID == "" {
			return s.invalid(kind)
		}
		s.setPending(kind, messageID, now)
		s.progress(kind, "Hotel booking in progress", now)
	case DispatchPayment:
		if s.Status != StatusPaymentRequested {
			return s.invalid(kind)
		}
		s.setPending(kind, messageID, now)
		s.progress(kind, "Payment submitted, waiting for confirmation", now)
	default:
		return fmt.Errorf("%w: unknown dispatch %q", ErrInvalidState, kind)
	}
	return nil
}

func (s *Saga) MarkConsumerProcessing(now time.Time) error {
	if s.Status != StatusProducerDispatched {
		return s.invalid("transport.processing")
	}
	s.transition(StatusConsumerProcessing, "Transport search in progress", nil, now)
	return nil
}

func (s *Saga) ReturnTransportOptions(options []Option, now time.Time) error {
	if s.Status != StatusProducerDispatched && s.Status != StatusConsumerProcessing {
		return s.invalid("transport.options")
	}
	if len(options) == 0 {
		return ErrNoOptions
	}
	s.Context.TransportOptions = append([]Option(nil), options...)
	s.Pending = nil
	s.transition(StatusOptionsReturned, "Transport options available, waiting for selection", s.Context.TransportOptions, now)
	return nil
}

func (s *Saga) SelectTransport(optionID string, now time.Time) error {
	if s.Status != StatusOptionsReturned {
		return s.invalid("transport.selection")
	}
	if s.Pending != nil || s.Context.SelectedTransportID != "" {
		return ErrDispatchPending
	}
	if _, ok := findOption(s.Context.TransportOptions, optionID); !ok {
		return ErrUnknownOption
	}
	s.Context.SelectedTransportID = optionID
	s.UpdatedAt = now.UTC()
	return nil
}

func (s *Saga) ConfirmTransport(entry BookingEntry, now time.Time) error {
	if s.Context.BookedTransportEntry != nil {
		return ErrAlreadyBooked
	}
	switch {
	case s.Status == StatusProducerDispatched, s.Status == StatusConsumerProcessing:
	case s.Status == StatusOptionsReturned && s.pendingKind() == DispatchTransportBook:
	default:
		return s.invalid("transport.confirmed")
	}
	if !entry.valid() {
		return ErrInvalidEntry
	}
	booked := entry
	s.Context.BookedTransportEntry = &booked
	s.Pending = nil
	s.transition(StatusTransportConfirmed, "Transport booking confirmed", booked, now)
	return nil
}

func (s *Saga) ReturnHotelOptions(options []Option, now time.Time) error {
	if s.Status != StatusHotelDispatched {
		return s.invalid("hotel.options")
	}
	if len(options) == 0 {
		return ErrNoOptions
	}
	s.Context.HotelOptions = append([]Option(nil), options...)
	s.Pending = nil
	s.transition(StatusHotelOptionsReturned, "Hotel options available, waiting for selection", s.Context.HotelOptions, now)
	return nil
}

func (s *Saga) SelectHotel(optionID string, now time.Time) error {
	if s.Status != StatusHotelOptionsReturned {
		return s.invalid("hotel.selection")
	}
	if s.Pending != nil || s.Context.SelectedHotelID != "" {
		return ErrDispatchPending
	}
	if _, ok := findOption(s.Context.HotelOptions, optionID); !ok {
		return ErrUnknownOption
	}
	s.Context.SelectedHotelID = optionID
	s.UpdatedAt = now.UTC()
	return nil
}

func (s *Saga) ConfirmHotel(entry BookingEntry, now time.Time) error {
	if s.Context.BookedHotelEntry != nil {
		return ErrAlreadyBooked
	}
	switch {
	case s.Status == StatusHotelDispatched:
	case s.Status == StatusHotelOptionsReturned && s.pendingKind() == DispatchHotelBook:
	default:
		return s.invalid("hotel.confirmed")
	}
	if !entry.valid() {
		return ErrInvalidEntry
	}
	booked := entry
	s.Context.BookedHotelEntry = &booked
	s.Pending = nil
	s.transition(StatusHotelConfirmed, "Hotel booking confirmed (pre-payment, not finalized)", booked, now)
	return nil
}

// Total sums the transport and hotel entries.
func (s *Saga) Total(currency string) (money.Money, error) {
	if s.Context.BookedTransportEntry == nil || s.Context.BookedHotelEntry == nil {
		return money.Money{}, ErrIncompleteBooking
	}
	transport, err := money.FromFloat(s.Context.BookedTransportEntry.Price, currency)
	if err != nil {
		return money.Money{}, err
	}
	hotel, err := money.FromFloat(s.Context.BookedHotelEntry.Price, currency)
	if err != nil {
		return money.Money{}, err
	}
	return transport.Add(hotel)
}

func (s *Saga) RequestPayment(total money.Money, now time.Time) error {
	if s.Status != StatusHotelConfirmed {
		return s.invalid("payment.request")
	}
	if s.Context.BookedTransportEntry == nil || s.Context.BookedHotelEntry == nil {
		return ErrIncompleteBooking
	}
	s.Context.TotalPrice = total.Float64()
	s.Context.Currency = total.Currency
	s.transition(StatusPaymentRequested, "Payment required", PaymentDue{TotalPrice: s.Context.TotalPrice, Currency: total.Currency}, now)
	return nil
}

// RecordPaymentType keeps the method chosen by the user; set once.
func (s *Saga) RecordPaymentType(paymentType string) {
	if s.Context.PaymentType == "" {
		s.Context.PaymentType = paymentType
	}
}

// ReadyForPayment reports whether ConfirmPayment would be accepted.
func (s *Saga) ReadyForPayment() error {
	if s.Status != StatusPaymentRequested {
		return s.invalid("payment.confirmed")
	}
	if s.Context.BookedTransportEntry == nil || s.Context.BookedHotelEntry == nil {
		return ErrIncompleteBooking
	}
	return nil
}

func (s *Saga) ConfirmPayment(reference, invoiceURL string, now time.Time) error {
	if err := s.ReadyForPayment(); err != nil {
		return err
	}
	if s.Context.PaymentReference == "" {
		s.Context.PaymentReference = reference
	}
	if s.Context.InvoiceURL == "" {
		s.Context.InvoiceURL = invoiceURL
	}
	s.Pending = nil
	s.transition(StatusPaymentConfirmed, "Payment completed successfully", PaymentReceipt{
		PaymentReference: s.Context.PaymentReference,
		InvoiceURL:       s.Context.InvoiceURL,
		TotalPrice:       s.Context.TotalPrice,
		Currency:         s.Context.Currency,
	}, now)
	return nil
}

// AbandonPending clears the pending dispatch identified by messageID so the step can be retried.
func (s *Saga) AbandonPending(messageID, message string, now time.Time) error {
	if s.Status.Terminal() || s.Pending == nil || s.Pending.MessageID != messageID {
		return s.invalid("abandon")
	}
	step := s.Pending.Kind
	s.Pending = nil
	s.progress(step, message, now)
	return nil
}

func (s *Saga) Close(now time.Time) error {
	if s.Status != StatusPaymentConfirmed {
		return s.invalid("close")
	}
	s.transition(StatusClosed, "Saga closed", nil, now)
	return nil
}

// Cancel stops the saga on user request. A pending dispatch is kept so its outcome stays traceable.
func (s *Saga) Cancel(reason string, now time.Time) error {
	if s.Status.Terminal() {
		return s.invalid("cancel")
	}
	if reason == "" {
		reason = "Saga cancelled by user"
	}
	s.transition(StatusCancelled, reason, s.Pending, now)
	return nil
}

func (s *Saga) Fail(reason string, now time.Time) error {
	if s.Status.Terminal() {
		return s.invalid("fail")
	}
	if reason == "" {
		reason = "Saga failed"
	}
	s.transition(StatusFailed, reason, FailureDetail{Reason: reason, Pending: s.Pending}, now)
	return nil
}

// Decode reads a stored saga and rejects unknown statuses.
func Decode(payload []byte) (*Saga, error) {
	var s Saga
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, s.Status)
	}
	return &s, nil
}

// Clone returns a deep copy without pending events.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	out := &Saga{
		ID:        s.ID,
		Status:    s.Status,
		Booking:   s.Booking,
		Context:   s.Context,
		Message:   s.Message,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Version:   s.Version,
	}
	out.Context.TransportOptions = cloneOptions(s.Context.TransportOptions)
	out.Context.HotelOptions = cloneOptions(s.Context.HotelOptions)
	if e := s.Context.BookedTransportEntry; e != nil {
		cp := *e
		out.Context.BookedTransportEntry = &cp
	}
	if e := s.Context.BookedHotelEntry; e != nil {
		cp := *e
		out.Context.BookedHotelEntry = &cp
	}
	if s.Pending != nil {
		cp := *s.Pending
		out.Pending = &cp
	}
	return out
}

func cloneOptions(in []Option) []Option {
	if in == nil {
		return nil
	}
	out := make([]Option, len(in))
	for i, opt := range in {
		out[i] = opt
		if opt.Details != nil {
			details := make(map[string]any, len(opt.Details))
			for k, v := range opt.Details {
				details[k] = v
			}
			out[i].Details = details
		}
	}
	return out
}

func (s *Saga) pendingKind() DispatchKind {
	if s.Pending == nil {
		return ""
	}
	return s.Pending.Kind
}

func (s *Saga) setPending(kind DispatchKind, messageID string, now time.Time) {
	s.Pending = &PendingDispatch{Kind: kind, MessageID: messageID, DispatchedAt: now.UTC()}
}

func (s *Saga) transition(to Status, message string, data any, now time.Time) {
	from := s.Status
	s.Status = to
	s.Message = message
	s.UpdatedAt = now.UTC()
	s.Record(StatusChanged{SagaID: s.ID, From: from, To: to, Message: message, Data: data, At: s.UpdatedAt})
}

func (s *Saga) progress(step DispatchKind, message string, now time.Time) {
	s.UpdatedAt = now.UTC()
	s.Record(StepProgressed{SagaID: s.ID, Status: s.Status, Step: step, Message: message, At: s.UpdatedAt})
}

func (s *Saga) invalid(op any) error {
	return fmt.Errorf("%w: %v not allowed in %s", ErrInvalidState, op, s.Status)
}
