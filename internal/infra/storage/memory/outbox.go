package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appoutbox "tripsaga/internal/app/outbox"
)

const (
	stateNew     = "NEW"
	stateClaimed = "CLAIMED"
	stateSent    = "SENT"
	stateFailed  = "FAILED"
	stateDead    = "DEAD"
)

type outboxEntry struct {
	rec         appoutbox.Record
	state       string
	nextAttempt time.Time
	seq         int
}

// Outbox is an in-process outbox store for single-instance runs and tests.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*outboxEntry
	seq     int
	now     func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{entries: make(map[string]*outboxEntry), now: time.Now}
}

func (o *Outbox) Add(_ context.Context, record appoutbox.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	o.entries[record.ID] = &outboxEntry{rec: record, state: stateNew, nextAttempt: o.now(), seq: o.seq}
	return nil
}

// Claim returns the oldest due record, or nil when nothing is due.
func (o *Outbox) Claim(_ context.Context, _ string) (*appoutbox.Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	var due []*outboxEntry
	for _, e := range o.entries {
		if (e.state == stateNew || e.state == stateFailed) && !e.nextAttempt.After(now) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	e := due[0]
	e.state = stateClaimed
	rec := e.rec
	return &rec, nil
}

func (o *Outbox) MarkSent(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
	return nil
}

func (o *Outbox) MarkFailed(_ context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		e.state = stateFailed
		e.nextAttempt = next
		e.rec.Attempts++
		e.rec.LastError = errMsg
	}
	return nil
}

func (o *Outbox) MarkDead(_ context.Context, id string, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		e.state = stateDead
		e.rec.Attempts++
		e.rec.LastError = errMsg
	}
	return nil
}

// Pending counts records not yet sent or given up on.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.state != stateDead {
			n++
		}
	}
	return n
}

var _ appoutbox.Store = (*Outbox)(nil)
