package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Inbox marks message ids with SETNX so every instance shares one dedupe window.
type Inbox struct {
	rdb      *goredis.Client
	consumer string
	ttl      time.Duration
}

func NewInbox(rdb *goredis.Client, consumer string, ttl time.Duration) *Inbox {
	return &Inbox{rdb: rdb, consumer: consumer, ttl: ttl}
}

func (i *Inbox) Seen(ctx context.Context, messageID string) (bool, error) {
	fresh, err := i.rdb.SetNX(ctx, "tripsaga:inbox:"+i.consumer+":"+messageID, 1, i.ttl).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}
