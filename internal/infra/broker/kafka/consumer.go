package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

var defaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer runs a consumer group over the reply topics.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
	logger  *slog.Logger

	// Backoff is the wait between attempts at a message that failed; the last entry repeats.
	Backoff []time.Duration
}

func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{group: g, handler: handler, logger: logger.With("component", "kafka.consumer")}, nil
}

func (c *Consumer) Run(ctx context.Context, topics []string) error {
	for {
		if err := c.group.Consume(ctx, topics, c.groupHandler()); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) groupHandler() consumerGroupHandler {
	backoff := c.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	return consumerGroupHandler{handler: c.handler, logger: c.logger, backoff: backoff}
}

type consumerGroupHandler struct {
	handler MessageHandler
	logger  *slog.Logger
	backoff []time.Duration
}

func (h consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks offsets strictly in order. A failing message is retried in place, so no later
// offset is committed past it; if the session ends first it stays unmarked and is redelivered.
func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if !h.handle(sess.Context(), message) {
			return nil
		}
		sess.MarkMessage(message, "")
	}
	return nil
}

func (h consumerGroupHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	for attempt := 0; ; attempt++ {
		err := h.handler.Handle(ctx, message)
		if err == nil {
			return true
		}
		wait := h.backoff[min(attempt, len(h.backoff)-1)]
		h.logger.Error("reply handling failed",
			"topic", message.Topic, "partition", message.Partition, "offset", message.Offset,
			"attempt", attempt+1, "retry_in", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
