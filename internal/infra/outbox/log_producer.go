package outbox

import (
	"context"
	"log/slog"
)

// LogProducer stands in for the broker when BROKER=memory.
type LogProducer struct {
	Logger *slog.Logger
}

func (p LogProducer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "command published", "topic", topic, "key", key, "message_id", headers["message-id"], "payload", string(payload))
	return nil
}
