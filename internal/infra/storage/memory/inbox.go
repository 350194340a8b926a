package memory

import (
	"context"
	"sync"
	"time"
)

// Inbox remembers processed message ids for ttl.
type Inbox struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewInbox(ttl time.Duration) *Inbox {
	return &Inbox{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen records id and reports whether it had been recorded before.
func (i *Inbox) Seen(_ context.Context, id string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	if at, ok := i.seen[id]; ok && (i.ttl <= 0 || now.Sub(at) < i.ttl) {
		return true, nil
	}
	i.seen[id] = now
	if len(i.seen)%1024 == 0 {
		i.sweepLocked(now)
	}
	return false, nil
}

func (i *Inbox) sweepLocked(now time.Time) {
	if i.ttl <= 0 {
		return
	}
	for id, at := range i.seen {
		if now.Sub(at) >= i.ttl {
			delete(i.seen, id)
		}
	}
}
