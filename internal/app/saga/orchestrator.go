package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tripsaga/internal/app/notify"
	domain "tripsaga/internal/domain/saga"
	"tripsaga/internal/domain/shared/events"
)

var (
	ErrNotConfigured         = errors.New("saga: orchestrator missing dependencies")
	ErrPaymentMethodRequired = errors.New("saga: payment method required")

	errPaymentApplied = errors.New("saga: payment already confirmed")
)

const maxCommitAttempts = 5

type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Notifier   Notifier
	Payments   PaymentBridge
	Invoices   Invoicer
	Inbox      Inbox
	Logger     *slog.Logger
	Clock      func() time.Time
	IDs        func() string
}

type Options struct {
	Currency     string
	ReplyTimeout time.Duration
}

// Orchestrator is the facade over the saga store, router, decision gate and notifier.
type Orchestrator struct {
	store      Store
	dispatcher Dispatcher
	notifier   Notifier
	payments   PaymentBridge
	invoices   Invoicer
	inbox      Inbox
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	opts       Options
	locks      *keyLocks

	mu       sync.Mutex
	failures map[domain.ID]int
	timers   map[domain.ID]*time.Timer
	closed   bool
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Notifier == nil || deps.Payments == nil || deps.Invoices == nil {
		return nil, ErrNotConfigured
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewString
	}
	if opts.Currency == "" {
		opts.Currency = "EUR"
	}
	return &Orchestrator{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		payments:   deps.Payments,
		invoices:   deps.Invoices,
		inbox:      deps.Inbox,
		logger:     deps.Logger.With("component", "saga.orchestrator"),
		now:        deps.Clock,
		newID:      deps.IDs,
		opts:       opts,
		locks:      newKeyLocks(),
		failures:   make(map[domain.ID]int),
		timers:     make(map[domain.ID]*time.Timer),
	}, nil
}

// CreateSaga stores a new saga and dispatches the transport search. It never waits for replies.
func (o *Orchestrator) CreateSaga(ctx context.Context, booking domain.BookingContext) (domain.ID, error) {
	id := domain.ID(o.newID())
	s, err := domain.New(domain.CreateParams{ID: id, Booking: booking, CreatedAt: o.now()})
	if err != nil {
		return "", err
	}
	unlock := o.locks.Lock(string(id))
	defer unlock()

	var out outbound
	if err := o.dispatch(s, &out, domain.DispatchTransportSearch, ""); err != nil {
		return "", err
	}
	s.Version = 1
	created := s.PullEvents()
	if err := o.store.Create(ctx, s); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrSerialization, id, err)
	}
	o.publish(ctx, created)
	if err := o.send(ctx, id, out.cmds); err != nil {
		return id, err
	}
	o.logger.Info("saga created", "saga_id", id, "departure", booking.FillForm.TripDeparture, "destination", booking.FillForm.TripDestination)
	return id, nil
}

func (o *Orchestrator) GetSaga(ctx context.Context, id domain.ID) (*domain.Saga, error) {
	return o.load(ctx, id)
}

// SubmitPayment forwards the payment to the bridge. Confirmation arrives through HandlePaymentCallback.
func (o *Orchestrator) SubmitPayment(ctx context.Context, id domain.ID, paymentMethodID, paymentType string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return ErrPaymentMethodRequired
	}
	msgID := o.newID()
	var req PaymentRequest
	_, err := o.mutate(ctx, id, func(s *domain.Saga) error {
		if err := s.MarkDispatched(domain.DispatchPayment, msgID, o.now()); err != nil {
			return err
		}
		s.RecordPaymentType(paymentType)
		req = PaymentRequest{
			SagaCorrelationID: string(s.ID),
			MessageID:         msgID,
			PaymentMethodID:   paymentMethodID,
			PaymentType:       s.Context.PaymentType,
			Amount:            s.Context.TotalPrice,
			Currency:          s.Context.Currency,
			BookingContext:    s.Booking,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.payments.RequestPayment(ctx, req); err != nil {
		_, abandonErr := o.mutate(ctx, id, func(s *domain.Saga) error {
			return s.AbandonPending(msgID, "Payment request failed, please retry", o.now())
		})
		if abandonErr != nil && !isStale(abandonErr) {
			o.logger.Error("payment rollback failed", "saga_id", id, "error", abandonErr)
		}
		return fmt.Errorf("%w: payment bridge: %v", ErrCollaborator, err)
	}
	return nil
}

// HandlePaymentCallback confirms the payment and issues the invoice. Repeated callbacks succeed without a second transition.
func (o *Orchestrator) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) error {
	id := domain.ID(strings.TrimSpace(cb.SagaCorrelationID))
	if id == "" {
		return ErrMissingCorrelation
	}
	if declined(cb.Status) {
		return o.declinePayment(ctx, id, cb)
	}
	_, err := o.mutate(ctx, id, func(s *domain.Saga) error {
		if s.Status == domain.StatusPaymentConfirmed {
			return errPaymentApplied
		}
		if err := s.ReadyForPayment(); err != nil {
			return err
		}
		url, err := o.invoices.Issue(ctx, s)
		if err != nil {
			return fmt.Errorf("%w: invoice: %v", ErrCollaborator, err)
		}
		return s.ConfirmPayment(o.paymentReference(cb, s), url, o.now())
	})
	if errors.Is(err, errPaymentApplied) {
		o.logger.Info("duplicate payment callback ignored", "saga_id", id)
		return nil
	}
	return err
}

func (o *Orchestrator) declinePayment(ctx context.Context, id domain.ID, cb PaymentCallback) error {
	_, err := o.mutate(ctx, id, func(s *domain.Saga) error {
		if s.Pending == nil || s.Pending.Kind != domain.DispatchPayment {
			return fmt.Errorf("%w: no payment pending", domain.ErrInvalidState)
		}
		return s.AbandonPending(s.Pending.MessageID, "Payment declined, please retry", o.now())
	})
	if err == nil {
		o.logger.Info("payment declined", "saga_id", id, "status", cb.Status)
	}
	return err
}

// CloseSaga ends the stream and deletes the saga. Unknown ids succeed.
func (o *Orchestrator) CloseSaga(ctx context.Context, id domain.ID) error {
	unlock := o.locks.Lock(string(id))
	defer unlock()

	defer o.forget(id)
	s, err := o.load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		o.notifier.Complete(ctx, string(id))
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case s.Status == domain.StatusPaymentConfirmed:
		_ = s.Close(o.now())
	case !s.Status.Terminal():
		_ = s.Cancel("Saga closed before completion", o.now())
	}
	o.publish(ctx, s.PullEvents())
	o.notifier.Complete(ctx, string(id))
	if err := o.store.Delete(ctx, id); err != nil {
		o.logger.Error("saga delete failed", "saga_id", id, "error", err)
		return fmt.Errorf("%w: delete %s: %v", ErrSerialization, id, err)
	}
	o.logger.Info("saga closed", "saga_id", id, "status", s.Status)
	return nil
}

// CancelSaga stops the saga and its stream. State stays until the TTL expires.
func (o *Orchestrator) CancelSaga(ctx context.Context, id domain.ID) error {
	_, err := o.mutate(ctx, id, func(s *domain.Saga) error {
		if s.Status == domain.StatusCancelled {
			return nil
		}
		return s.Cancel("Saga cancelled by user", o.now())
	})
	if err != nil {
		return err
	}
	o.notifier.Complete(ctx, string(id))
	return nil
}

// FailDispatch fails the saga if messageID is still its pending dispatch.
func (o *Orchestrator) FailDispatch(ctx context.Context, id domain.ID, messageID, reason string) error {
	unlock := o.locks.Lock(string(id))
	defer unlock()
	return o.failPending(ctx, id, messageID, reason)
}

func (o *Orchestrator) failPending(ctx context.Context, id domain.ID, messageID, reason string) error {
	_, err := o.apply(ctx, id, func(s *domain.Saga, _ *outbound) error {
		if s.Status.Terminal() || s.Pending == nil || s.Pending.MessageID != messageID {
			return fmt.Errorf("%w: dispatch %s no longer pending", domain.ErrInvalidState, messageID)
		}
		return s.Fail(reason, o.now())
	})
	if isStale(err) {
		o.logger.Debug("dispatch failure for settled step ignored", "saga_id", id, "message_id", messageID)
		return nil
	}
	return err
}

// Close stops pending reply timers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// outbound collects the commands a mutation queued. They are sent once the saga version is stored.
type outbound struct {
	cmds []Command
}

// dispatchError is a command the dispatcher refused; the saga has already been failed for it.
type dispatchError struct{ err error }

func (e *dispatchError) Error() string { return e.err.Error() }
func (e *dispatchError) Unwrap() error { return e.err }

func (o *Orchestrator) mutate(ctx context.Context, id domain.ID, fn func(s *domain.Saga) error) (*domain.Saga, error) {
	return o.transact(ctx, id, func(s *domain.Saga, _ *outbound) error { return fn(s) })
}

// transact runs apply under the saga's key lock.
func (o *Orchestrator) transact(ctx context.Context, id domain.ID, fn func(s *domain.Saga, out *outbound) error) (*domain.Saga, error) {
	unlock := o.locks.Lock(string(id))
	defer unlock()
	return o.apply(ctx, id, fn)
}

// apply runs fn on a fresh copy of the saga, commits if fn recorded events and then sends the
// commands fn queued. When another instance stored the saga in between, fn is rerun on the newer copy.
// The caller holds the key lock.
func (o *Orchestrator) apply(ctx context.Context, id domain.ID, fn func(s *domain.Saga, out *outbound) error) (*domain.Saga, error) {
	for attempt := 1; ; attempt++ {
		s, err := o.load(ctx, id)
		if err != nil {
			return nil, err
		}
		var out outbound
		fnErr := fn(s, &out)
		if len(s.PendingEvents()) == 0 {
			return s, fnErr
		}
		if err := o.commit(ctx, s); err != nil {
			if attempt < maxCommitAttempts {
				o.logger.Debug("saga changed concurrently, retrying", "saga_id", id, "attempt", attempt)
				continue
			}
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
		if err := o.send(ctx, id, out.cmds); err != nil {
			return s, err
		}
		return s, fnErr
	}
}

func (o *Orchestrator) load(ctx context.Context, id domain.ID) (*domain.Saga, error) {
	s, err := o.store.Get(ctx, id)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: load %s: %v", ErrSerialization, id, err)
}

// dispatch marks the step pending and queues its command.
func (o *Orchestrator) dispatch(s *domain.Saga, out *outbound, kind domain.DispatchKind, optionID string) error {
	msgID := o.newID()
	now := o.now()
	if err := s.MarkDispatched(kind, msgID, now); err != nil {
		return err
	}
	out.cmds = append(out.cmds, Command{
		MessageID:         msgID,
		SagaCorrelationID: string(s.ID),
		Kind:              kind,
		BookingContext:    s.Booking,
		SagaContext:       s.Context,
		OptionID:          optionID,
		IssuedAt:          now.UTC(),
	})
	return nil
}

// send hands stored commands to the dispatcher and arms their reply timeouts.
// A failed hand-off fails the saga. The caller holds the key lock.
func (o *Orchestrator) send(ctx context.Context, id domain.ID, cmds []Command) error {
	for _, cmd := range cmds {
		err := o.dispatcher.Dispatch(ctx, cmd)
		if err == nil {
			o.armTimeout(id, cmd.MessageID)
			continue
		}
		o.logger.Error("dispatch failed", "saga_id", id, "kind", cmd.Kind, "message_id", cmd.MessageID, "error", err)
		if failErr := o.failPending(ctx, id, cmd.MessageID, fmt.Sprintf("Could not dispatch %s: %v", cmd.Kind, err)); failErr != nil {
			o.logger.Error("saga not failed after dispatch error", "saga_id", id, "error", failErr)
		}
		if !errors.Is(err, ErrSerialization) {
			err = fmt.Errorf("%w: dispatch %s: %v", ErrCollaborator, cmd.Kind, err)
		}
		return &dispatchError{err: err}
	}
	return nil
}

// commit stores the saga and publishes its events. ErrConflict means another instance stored the
// saga first and nothing was published; other store failures are logged and the in-memory copy carries on.
func (o *Orchestrator) commit(ctx context.Context, s *domain.Saga) error {
	s.Version++
	err := o.store.Update(ctx, s)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return err
	case err != nil:
		o.persistFailed(ctx, s, err)
	default:
		o.mu.Lock()
		delete(o.failures, s.ID)
		o.mu.Unlock()
	}
	evs := s.PullEvents()
	if s.Pending == nil || s.Status.Terminal() {
		o.disarm(s.ID)
	}
	o.publish(ctx, evs)
	return nil
}

// persistFailed keeps going with the in-memory copy; the second failure in a row is reported to the client.
func (o *Orchestrator) persistFailed(ctx context.Context, s *domain.Saga, err error) {
	o.mu.Lock()
	o.failures[s.ID]++
	n := o.failures[s.ID]
	o.mu.Unlock()
	o.logger.Error("saga update not persisted", "saga_id", s.ID, "status", s.Status, "consecutive", n, "error", err)
	if n != 2 {
		return
	}
	o.notifier.Publish(ctx, notify.Event{
		Type:              notify.TypeStatus,
		SagaCorrelationID: string(s.ID),
		Status:            string(domain.StatusFailed),
		Message:           "Saga state could not be saved",
		Data:              map[string]string{"error": fmt.Sprintf("%v: %v", ErrSerialization, err)},
		Timestamp:         o.now().UTC(),
	})
}

func (o *Orchestrator) forget(id domain.ID) {
	o.disarm(id)
	o.mu.Lock()
	delete(o.failures, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, evs []events.DomainEvent) {
	for _, ev := range evs {
		if msg, ok := toNotification(ev); ok {
			o.notifier.Publish(ctx, msg)
		}
	}
}

func (o *Orchestrator) paymentReference(cb PaymentCallback, s *domain.Saga) string {
	for _, key := range []string{"paymentReference", "paymentId", "paymentIntentId"} {
		if v, ok := cb.Context[key].(string); ok && v != "" {
			return v
		}
	}
	if s.Pending != nil && s.Pending.Kind == domain.DispatchPayment {
		return s.Pending.MessageID
	}
	return "pay-" + o.newID()
}

func declined(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "FAILED", "DECLINED", "PAYMENT_FAILED", "CANCELED", "CANCELLED":
		return true
	}
	return false
}

func isStale(err error) bool {
	return errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound)
}
