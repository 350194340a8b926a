package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsaga/internal/app/middleware"
	appoutbox "tripsaga/internal/app/outbox"
	domain "tripsaga/internal/domain/saga"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newSaga(t *testing.T, id string) *domain.Saga {
	t.Helper()
	s, err := domain.New(domain.CreateParams{
		ID: domain.ID(id),
		Booking: domain.BookingContext{
			User:     domain.User{UserID: "u-1", Username: "ana"},
			FillForm: domain.FillForm{TripDeparture: "Lisbon", TripDestination: "Porto", People: 2},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return s
}

func TestSagaStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSagaStore(time.Hour)
	s := newSaga(t, "s-1")

	require.NoError(t, store.Create(ctx, s))
	require.ErrorIs(t, store.Create(ctx, s), ErrSagaExists)

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.Status)

	got.Message = "changed"
	again, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again.Message)

	ok, err := store.Exists(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "s-1"))
	_, err = store.Get(ctx, "s-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, store.Update(ctx, s), domain.ErrNotFound)
}

func TestSagaStoreExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1000, 0)}
	store := NewSagaStore(time.Minute)
	store.now = c.now

	s := newSaga(t, "s-1")
	require.NoError(t, store.Create(ctx, s))

	c.advance(50 * time.Second)
	s.Version++
	require.NoError(t, store.Update(ctx, s))

	c.advance(50 * time.Second)
	_, err := store.Get(ctx, "s-1")
	require.NoError(t, err, "update restarts the ttl")

	c.advance(11 * time.Second)
	_, err = store.Get(ctx, "s-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, store.Sweep())
}

func TestSagaStoreUpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewSagaStore(time.Hour)
	s := newSaga(t, "s-1")
	s.Version = 1
	require.NoError(t, store.Create(ctx, s))

	first, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "s-1")
	require.NoError(t, err)

	first.Version++
	first.Message = "first"
	require.NoError(t, store.Update(ctx, first))

	second.Version++
	second.Message = "second"
	require.ErrorIs(t, store.Update(ctx, second), domain.ErrConflict)

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Message)
	assert.Equal(t, int64(2), got.Version)
}

func TestIdempotencyStoreTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1000, 0)}
	store := NewIdempotencyStore(time.Minute)
	store.now = c.now

	require.NoError(t, store.Save(ctx, middleware.IdempotencyRecord{Key: "k", Payload: []byte(`{}`), OccurredAt: c.now()}))
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	c.advance(time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInboxSeen(t *testing.T) {
	ctx := context.Background()
	inbox := NewInbox(time.Hour)

	seen, err := inbox.Seen(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = inbox.Seen(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestOutboxClaimOrderAndRetry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1000, 0)}
	box := NewOutbox()
	box.now = c.now

	require.NoError(t, box.Add(ctx, appoutbox.Record{ID: "a", Topic: "t"}))
	require.NoError(t, box.Add(ctx, appoutbox.Record{ID: "b", Topic: "t"}))

	rec, err := box.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a", rec.ID)

	require.NoError(t, box.MarkFailed(ctx, "a", c.now().Add(time.Second), "boom"))

	rec, err = box.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.ID)
	require.NoError(t, box.MarkSent(ctx, "b"))

	rec, err = box.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, rec)

	c.advance(time.Second)
	rec, err = box.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "boom", rec.LastError)

	require.NoError(t, box.MarkDead(ctx, "a", "gave up"))
	assert.Equal(t, 0, box.Pending())
}
