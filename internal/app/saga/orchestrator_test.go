package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsaga/internal/app/notify"
	domain "tripsaga/internal/domain/saga"
)

type fakeStore struct {
	mu           sync.Mutex
	items        map[domain.ID]*domain.Saga
	failUpdates  bool
	// beforeUpdate runs once, before the next Update compares versions.
	beforeUpdate func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[domain.ID]*domain.Saga)}
}

func (s *fakeStore) Create(_ context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[saga.ID] = saga.Clone()
	return nil
}

func (s *fakeStore) Get(_ context.Context, id domain.ID) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return saga.Clone(), nil
}

func (s *fakeStore) Update(_ context.Context, saga *domain.Saga) error {
	s.mu.Lock()
	hook := s.beforeUpdate
	s.beforeUpdate = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return errors.New("disk full")
	}
	current, ok := s.items[saga.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != saga.Version-1 {
		return domain.ErrConflict
	}
	s.items[saga.ID] = saga.Clone()
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id domain.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *fakeStore) Exists(_ context.Context, id domain.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	return ok, nil
}

type recordingDispatcher struct {
	mu         sync.Mutex
	cmds       []Command
	err        error
	onDispatch func(Command)
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd Command) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	d.cmds = append(d.cmds, cmd)
	hook := d.onDispatch
	d.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (d *recordingDispatcher) kinds() []domain.DispatchKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DispatchKind, 0, len(d.cmds))
	for _, c := range d.cmds {
		out = append(out, c.Kind)
	}
	return out
}

func (d *recordingDispatcher) at(i int) Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmds[i]
}

func (d *recordingDispatcher) last() Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmds[len(d.cmds)-1]
}

type recordingNotifier struct {
	mu        sync.Mutex
	events    []notify.Event
	completed []string
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Complete(_ context.Context, sagaID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, sagaID)
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.Type == notify.TypeStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func (n *recordingNotifier) lastStatus(status domain.Status) (notify.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Type == notify.TypeStatus && n.events[i].Status == string(status) {
			return n.events[i], true
		}
	}
	return notify.Event{}, false
}

type fakePayments struct {
	mu   sync.Mutex
	reqs []PaymentRequest
	err  error
}

func (p *fakePayments) RequestPayment(_ context.Context, req PaymentRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return p.err
}

type fakeInvoicer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvoicer) Issue(_ context.Context, s *domain.Saga) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "http://invoices.local/invoices/" + string(s.ID) + ".pdf", nil
}

type fakeInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeInbox) Seen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return true, nil
	}
	f.seen[id] = true
	return false, nil
}

type fixture struct {
	orch       *Orchestrator
	store      *fakeStore
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	payments   *fakePayments
	invoices   *fakeInvoicer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeStore(),
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
		payments:   &fakePayments{},
		invoices:   &fakeInvoicer{},
	}
	var (
		mu  sync.Mutex
		seq int
	)
	orch, err := New(Deps{
		Store:      f.store,
		Dispatcher: f.dispatcher,
		Notifier:   f.notifier,
		Payments:   f.payments,
		Invoices:   f.invoices,
		Inbox:      &fakeInbox{seen: map[string]bool{}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      func() time.Time { return time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC) },
		IDs: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	}, opts)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	f.orch = orch
	return f
}

// replica builds a second orchestrator on the fixture's store and collaborators, with its own locks and inbox.
func (f *fixture) replica(t *testing.T) *Orchestrator {
	t.Helper()
	orch, err := New(Deps{
		Store:      f.store,
		Dispatcher: f.dispatcher,
		Notifier:   f.notifier,
		Payments:   f.payments,
		Invoices:   f.invoices,
		Inbox:      &fakeInbox{seen: map[string]bool{}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch
}

func milanToParis() domain.BookingContext {
	return domain.BookingContext{
		User: domain.User{UserID: "u-1", Username: "mario"},
		FillForm: domain.FillForm{
			TripDeparture:   "Milan",
			TripDestination: "Paris",
			People:          2,
			TravelMode:      "train",
		},
	}
}

func (f *fixture) status(t *testing.T, id domain.ID) domain.Status {
	t.Helper()
	s, err := f.orch.GetSaga(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

func (f *fixture) reply(t *testing.T, r Reply) {
	t.Helper()
	require.NoError(t, f.orch.HandleReply(context.Background(), r))
}

func (f *fixture) toPaymentRequested(t *testing.T) domain.ID {
	t.Helper()
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r-t", SagaCorrelationID: string(id), Kind: ReplyTransportConfirmed,
		Entry: &domain.BookingEntry{ID: "train-standard", Type: "TRAIN", Reference: "FR 9541", Price: 89.9, People: 2}})
	f.reply(t, Reply{MessageID: "r-h", SagaCorrelationID: string(id), Kind: ReplyHotelConfirmed,
		Entry: &domain.BookingEntry{ID: "hotel-7", Type: "HOTEL", Reference: "Hotel Lutetia", Price: 220.35, People: 2}})
	require.Equal(t, domain.StatusPaymentRequested, f.status(t, id))
	return id
}

func transportOptions(n int) []domain.Option {
	out := make([]domain.Option, n)
	for i := range out {
		out[i] = domain.Option{ID: fmt.Sprintf("train-%d", i), Type: "TRAIN", Price: float64(50 + i*10)}
	}
	out[n-1].ID = "train-fast"
	return out
}

func TestCreateSagaDispatchesTransportSearch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProducerDispatched, s.Status)
	assert.Equal(t, milanToParis(), s.Booking)
	require.NotNil(t, s.Pending)
	assert.Equal(t, domain.DispatchTransportSearch, s.Pending.Kind)

	assert.Equal(t, []domain.DispatchKind{domain.DispatchTransportSearch}, f.dispatcher.kinds())
	cmd := f.dispatcher.last()
	assert.Equal(t, string(id), cmd.SagaCorrelationID)
	assert.Equal(t, "transport.search.command", cmd.Topic())
	assert.Equal(t, "Milan", cmd.BookingContext.FillForm.TripDeparture)
	assert.Equal(t, []string{"CREATED", "PRODUCER_DISPATCHED"}, f.notifier.statuses())
}

func TestCreateSagaRejectsInvalidForm(t *testing.T) {
	f := newFixture(t, Options{})
	booking := milanToParis()
	booking.FillForm.People = 0

	_, err := f.orch.CreateSaga(context.Background(), booking)
	require.ErrorIs(t, err, domain.ErrInvalidBooking)
	assert.Empty(t, f.dispatcher.kinds())
}

func TestCreateSagaFailsWhenDispatchFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.dispatcher.err = errors.New("outbox unavailable")

	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Equal(t, domain.StatusFailed, f.status(t, id))
}

func TestTransportOptionsPauseSaga(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing})
	f.reply(t, Reply{MessageID: "r2", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(3)})

	assert.Equal(t, domain.StatusOptionsReturned, f.status(t, id))
	ev, ok := f.notifier.lastStatus(domain.StatusOptionsReturned)
	require.True(t, ok)
	opts, ok := ev.Data.([]domain.Option)
	require.True(t, ok)
	assert.Len(t, opts, 3)
}

func TestSelectionBooksTransportAndContinuesWithHotel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.dispatcher.onDispatch = func(cmd Command) {
		if cmd.Kind != domain.DispatchTransportBook {
			return
		}
		go func() {
			_ = f.orch.HandleReply(context.Background(), Reply{
				MessageID:         "confirm-" + cmd.MessageID,
				SagaCorrelationID: cmd.SagaCorrelationID,
				Kind:              ReplyTransportConfirmed,
				Entry:             &domain.BookingEntry{ID: cmd.OptionID, Type: "TRAIN", Price: 130, People: 2},
			})
		}()
	}

	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(3)})

	require.NoError(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast"))
	book := f.dispatcher.at(1)
	assert.Equal(t, domain.DispatchTransportBook, book.Kind)
	assert.Equal(t, "train-fast", book.OptionID)
	assert.Equal(t, "transport.book.command", book.Topic())

	require.Eventually(t, func() bool {
		kinds := f.dispatcher.kinds()
		return len(kinds) == 3 && kinds[2] == domain.DispatchHotelSearch
	}, time.Second, 5*time.Millisecond)

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHotelDispatched, s.Status)
	assert.Equal(t, "train-fast", s.Context.BookedTransportEntry.ID)
	assert.Contains(t, f.notifier.statuses(), "TRANSPORT_CONFIRMED")

	confirmed, ok := f.notifier.lastStatus(domain.StatusTransportConfirmed)
	require.True(t, ok)
	assert.NotEmpty(t, confirmed.BookingMessage)
}

func TestSelectionValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	require.ErrorIs(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast"), domain.ErrInvalidState)
	require.ErrorIs(t, f.orch.SubmitSelection(ctx, id, "plane", "x"), ErrUnknownSelection)
	require.ErrorIs(t, f.orch.SubmitSelection(ctx, "missing", SelectHotel, "x"), domain.ErrNotFound)

	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})
	require.ErrorIs(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "bus-9"), domain.ErrUnknownOption)
	require.ErrorIs(t, f.orch.SubmitSelection(ctx, id, SelectHotel, "train-fast"), domain.ErrInvalidState)

	require.NoError(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast"))
	require.ErrorIs(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-0"), domain.ErrDispatchPending)
}

func TestHotelConfirmationRequestsPaymentWithTotal(t *testing.T) {
	f := newFixture(t, Options{Currency: "EUR"})
	id := f.toPaymentRequested(t)

	s, err := f.orch.GetSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 310.25, s.Context.TotalPrice)
	assert.Equal(t, "EUR", s.Context.Currency)

	ev, ok := f.notifier.lastStatus(domain.StatusPaymentRequested)
	require.True(t, ok)
	assert.Equal(t, domain.PaymentDue{TotalPrice: 310.25, Currency: "EUR"}, ev.Data)
}

func TestStaleReplyDoesNotMutateContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportConfirmed,
		Entry: &domain.BookingEntry{ID: "train-standard", Price: 90, People: 2}})

	before, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	published := f.notifier.count()

	f.reply(t, Reply{MessageID: "r2", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(3)})
	f.reply(t, Reply{MessageID: "r3", SagaCorrelationID: string(id), Kind: ReplyTransportConfirmed,
		Entry: &domain.BookingEntry{ID: "train-fast", Price: 130, People: 2}})

	after, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Context, after.Context)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, published, f.notifier.count())
}

func TestDuplicateMessageIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	f.reply(t, Reply{MessageID: "same", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing})
	published := f.notifier.count()
	f.reply(t, Reply{MessageID: "same", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing})
	assert.Equal(t, published, f.notifier.count())
}

func TestConcurrentRepliesAreLinearized(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.orch.HandleReply(context.Background(), Reply{
				MessageID:         fmt.Sprintf("dup-%d", i),
				SagaCorrelationID: string(id),
				Kind:              ReplyTransportOptions,
				Options:           transportOptions(2),
			})
		}(i)
	}
	wg.Wait()

	n := 0
	for _, st := range f.notifier.statuses() {
		if st == string(domain.StatusOptionsReturned) {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.orch.locks.size())
}

func TestErrorReplyFailsSaga(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	search := f.dispatcher.last()
	f.reply(t, Reply{MessageID: "e1", SagaCorrelationID: string(id), Kind: ReplyError, InReplyTo: search.MessageID, Error: "no trains today"})
	assert.Equal(t, domain.StatusFailed, f.status(t, id))
	ev, ok := f.notifier.lastStatus(domain.StatusFailed)
	require.True(t, ok)
	assert.Contains(t, ev.Message, "no trains today")

	published := f.notifier.count()
	f.reply(t, Reply{MessageID: "late", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})
	assert.Equal(t, published, f.notifier.count())
}

func TestErrorReplyAttributedByStep(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	f.reply(t, Reply{MessageID: "e1", SagaCorrelationID: string(id), Kind: ReplyError, Step: domain.DispatchTransportSearch, Error: "no trains today"})
	assert.Equal(t, domain.StatusFailed, f.status(t, id))
}

func TestUnattributedErrorReplyIsStale(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	f.reply(t, Reply{MessageID: "e1", SagaCorrelationID: string(id), Kind: ReplyError, Error: "something broke"})
	assert.Equal(t, domain.StatusProducerDispatched, f.status(t, id))
}

func TestLateSearchErrorDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	search := f.dispatcher.last()
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, InReplyTo: search.MessageID, Options: transportOptions(2)})
	require.NoError(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast"))
	book := f.dispatcher.last()

	f.reply(t, Reply{MessageID: "e1", SagaCorrelationID: string(id), Kind: ReplyError, Step: domain.DispatchTransportSearch, Error: "search timed out"})
	f.reply(t, Reply{MessageID: "e2", SagaCorrelationID: string(id), Kind: ReplyError, InReplyTo: search.MessageID, Error: "search timed out"})

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOptionsReturned, s.Status)
	require.NotNil(t, s.Pending)
	assert.Equal(t, book.MessageID, s.Pending.MessageID)

	f.reply(t, Reply{MessageID: "e3", SagaCorrelationID: string(id), Kind: ReplyError, Step: domain.DispatchTransportBook, Error: "sold out"})
	assert.Equal(t, domain.StatusFailed, f.status(t, id))
}

func TestReplyToSettledCommandIsStale(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	search := f.dispatcher.last()
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})
	require.NoError(t, f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast"))

	f.reply(t, Reply{MessageID: "r2", SagaCorrelationID: string(id), Kind: ReplyTransportConfirmed, InReplyTo: search.MessageID,
		Entry: &domain.BookingEntry{ID: "train-0", Price: 50, People: 2}})

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOptionsReturned, s.Status)
	assert.Nil(t, s.Context.BookedTransportEntry)
}

func TestErrorReplyWithoutPendingRequestIsStale(t *testing.T) {
	f := newFixture(t, Options{})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})

	f.reply(t, Reply{MessageID: "e1", SagaCorrelationID: string(id), Kind: ReplyError, Error: "late failure"})
	assert.Equal(t, domain.StatusOptionsReturned, f.status(t, id))
}

func TestRepliesOnTwoInstancesAreNotLost(t *testing.T) {
	f := newFixture(t, Options{})
	other := f.replica(t)
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	// The options are stored by the first instance while the second is writing its processing update.
	f.store.beforeUpdate = func() {
		f.reply(t, Reply{MessageID: "options", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})
	}
	require.NoError(t, other.HandleReply(ctx, Reply{MessageID: "processing", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing}))

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOptionsReturned, s.Status)
	assert.Len(t, s.Context.TransportOptions, 2)
	assert.Equal(t, int64(2), s.Version)
	assert.NotContains(t, f.notifier.statuses(), string(domain.StatusConsumerProcessing))
}

func TestConflictingSelectionSendsNoCommand(t *testing.T) {
	f := newFixture(t, Options{})
	other := f.replica(t)
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})

	f.store.beforeUpdate = func() {
		require.NoError(t, other.CancelSaga(ctx, id))
	}
	err = f.orch.SubmitSelection(ctx, id, SelectTransport, "train-fast")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Equal(t, []domain.DispatchKind{domain.DispatchTransportSearch}, f.dispatcher.kinds())
	assert.Equal(t, domain.StatusCancelled, f.status(t, id))
}

func TestMalformedRepliesFailSaga(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions})
	assert.Equal(t, domain.StatusFailed, f.status(t, id))

	other, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	require.NoError(t, f.orch.RejectReply(ctx, other, "invalid character '}'"))
	assert.Equal(t, domain.StatusFailed, f.status(t, other))

	require.NoError(t, f.orch.HandleReply(ctx, Reply{Kind: ReplyTransportOptions}))
	require.NoError(t, f.orch.HandleReply(ctx, Reply{SagaCorrelationID: "ghost", Kind: ReplyTransportProcessing}))
}

func TestPaymentCallbackIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id := f.toPaymentRequested(t)

	require.NoError(t, f.orch.SubmitPayment(ctx, id, "pm_card_visa", "card"))
	require.Len(t, f.payments.reqs, 1)
	assert.Equal(t, 310.25, f.payments.reqs[0].Amount)

	cb := PaymentCallback{SagaCorrelationID: string(id), Status: "succeeded"}
	require.NoError(t, f.orch.HandlePaymentCallback(ctx, cb))
	require.NoError(t, f.orch.HandlePaymentCallback(ctx, cb))

	n := 0
	for _, st := range f.notifier.statuses() {
		if st == string(domain.StatusPaymentConfirmed) {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.invoices.calls)

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaymentConfirmed, s.Status)
	assert.Equal(t, "card", s.Context.PaymentType)
	assert.Equal(t, f.payments.reqs[0].MessageID, s.Context.PaymentReference)
	assert.Equal(t, "http://invoices.local/invoices/"+string(id)+".pdf", s.Context.InvoiceURL)
	assert.Nil(t, s.Pending)
}

func TestPaymentCallbackBeforeHotelIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	err = f.orch.HandlePaymentCallback(ctx, PaymentCallback{SagaCorrelationID: string(id)})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 0, f.invoices.calls)

	require.ErrorIs(t, f.orch.HandlePaymentCallback(ctx, PaymentCallback{}), ErrMissingCorrelation)
}

func TestPaymentBridgeFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id := f.toPaymentRequested(t)

	f.payments.err = errors.New("bridge down")
	require.ErrorIs(t, f.orch.SubmitPayment(ctx, id, "pm_1", "card"), ErrCollaborator)
	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s.Pending)
	assert.Equal(t, domain.StatusPaymentRequested, s.Status)

	f.payments.err = nil
	require.NoError(t, f.orch.SubmitPayment(ctx, id, "pm_1", "card"))
	require.ErrorIs(t, f.orch.SubmitPayment(ctx, id, "pm_1", "card"), domain.ErrDispatchPending)
	require.ErrorIs(t, f.orch.SubmitPayment(ctx, id, "", "card"), ErrPaymentMethodRequired)
}

func TestDeclinedPaymentClearsPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id := f.toPaymentRequested(t)
	require.NoError(t, f.orch.SubmitPayment(ctx, id, "pm_1", "card"))

	require.NoError(t, f.orch.HandlePaymentCallback(ctx, PaymentCallback{SagaCorrelationID: string(id), Status: "DECLINED"}))
	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s.Pending)
	assert.Equal(t, domain.StatusPaymentRequested, s.Status)
}

func TestCloseSagaCompletesStreamAndDeletes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id := f.toPaymentRequested(t)
	require.NoError(t, f.orch.HandlePaymentCallback(ctx, PaymentCallback{SagaCorrelationID: string(id)}))

	require.NoError(t, f.orch.CloseSaga(ctx, id))
	assert.Equal(t, "CLOSED", f.notifier.statuses()[len(f.notifier.statuses())-1])
	assert.Contains(t, f.notifier.completed, string(id))

	_, err := f.orch.GetSaga(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	published := f.notifier.count()
	f.reply(t, Reply{MessageID: "late", SagaCorrelationID: string(id), Kind: ReplyHotelConfirmed,
		Entry: &domain.BookingEntry{ID: "hotel-9", Price: 10}})
	require.ErrorIs(t, f.orch.HandlePaymentCallback(ctx, PaymentCallback{SagaCorrelationID: string(id)}), domain.ErrNotFound)
	assert.Equal(t, published, f.notifier.count())

	require.NoError(t, f.orch.CloseSaga(ctx, id))
}

func TestCloseUnknownSagaSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.orch.CloseSaga(context.Background(), "does-not-exist"))
	assert.Equal(t, []string{"does-not-exist"}, f.notifier.completed)
}

func TestCloseBeforePaymentCancels(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	require.NoError(t, f.orch.CloseSaga(ctx, id))
	ev, ok := f.notifier.lastStatus(domain.StatusCancelled)
	require.True(t, ok)
	assert.Equal(t, string(id), ev.SagaCorrelationID)
}

func TestCancelSagaKeepsStateUntilExpiry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	require.NoError(t, f.orch.CancelSaga(ctx, id))
	require.NoError(t, f.orch.CancelSaga(ctx, id))

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	require.NotNil(t, s.Pending)
	assert.Equal(t, domain.DispatchTransportSearch, s.Pending.Kind)
	assert.Contains(t, f.notifier.completed, string(id))
}

func TestSecondConsecutiveStoreFailureIsReported(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)

	f.store.failUpdates = true
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing})
	_, reported := f.notifier.lastStatus(domain.StatusFailed)
	assert.False(t, reported)

	f.reply(t, Reply{MessageID: "r2", SagaCorrelationID: string(id), Kind: ReplyTransportProcessing})
	ev, reported := f.notifier.lastStatus(domain.StatusFailed)
	require.True(t, reported)
	assert.Equal(t, "Saga state could not be saved", ev.Message)
}

func TestReplyTimeoutFailsSaga(t *testing.T) {
	f := newFixture(t, Options{ReplyTimeout: 20 * time.Millisecond})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.orch.GetSaga(context.Background(), id)
		return err == nil && s.Status == domain.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestReplyTimeoutIgnoresAnsweredDispatch(t *testing.T) {
	f := newFixture(t, Options{ReplyTimeout: 30 * time.Millisecond})
	id, err := f.orch.CreateSaga(context.Background(), milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(2)})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.StatusOptionsReturned, f.status(t, id))
}

func TestFailDispatchOnlyForPendingMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	msgID := f.dispatcher.last().MessageID

	require.NoError(t, f.orch.FailDispatch(ctx, id, "other", "gave up"))
	assert.Equal(t, domain.StatusProducerDispatched, f.status(t, id))

	require.NoError(t, f.orch.FailDispatch(ctx, id, msgID, "gave up"))
	assert.Equal(t, domain.StatusFailed, f.status(t, id))
}

func TestSnapshotCarriesPendingOptions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.orch.CreateSaga(ctx, milanToParis())
	require.NoError(t, err)
	f.reply(t, Reply{MessageID: "r1", SagaCorrelationID: string(id), Kind: ReplyTransportOptions, Options: transportOptions(3)})

	s, err := f.orch.GetSaga(ctx, id)
	require.NoError(t, err)
	ev := Snapshot(s)
	assert.Equal(t, notify.TypeSnapshot, ev.Type)
	assert.Equal(t, "OPTIONS_RETURNED", ev.Status)
	assert.Len(t, ev.Data.(SnapshotData).SagaContext.TransportOptions, 3)
}
