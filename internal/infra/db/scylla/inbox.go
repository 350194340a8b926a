package scylla

import (
	"context"
	"time"

	"github.com/gocql/gocql"
)

// Inbox deduplicates reply ids with a lightweight transaction per message.
type Inbox struct {
	session  *gocql.Session
	consumer string
	ttl      int
}

func NewInbox(session *gocql.Session, consumer string, ttl time.Duration) *Inbox {
	return &Inbox{session: session, consumer: consumer, ttl: ttlSeconds(ttl)}
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	applied, err := i.session.
		Query(`INSERT INTO saga_inbox (consumer, message_id, received_at) VALUES (?, ?, ?) IF NOT EXISTS USING TTL ?`,
			i.consumer, messageID, time.Now().UTC(), i.ttl).
		WithContext(ctx).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, err
	}
	return !applied, nil
}
