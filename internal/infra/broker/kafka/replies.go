package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"

	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
)

// ReplySink is the part of the orchestrator the reply consumer drives.
type ReplySink interface {
	HandleReply(ctx context.Context, reply appsaga.Reply) error
	RejectReply(ctx context.Context, id domain.ID, reason string) error
}

// ReplyHandler decodes collaborator replies and hands them to the orchestrator.
type ReplyHandler struct {
	Sink   ReplySink
	Logger *slog.Logger
}

func NewReplyHandler(sink ReplySink, logger *slog.Logger) *ReplyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyHandler{Sink: sink, Logger: logger.With("component", "kafka.replies")}
}

func (h *ReplyHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	reply, err := decodeReply(msg.Value)
	if err != nil {
		id := correlationOf(msg)
		h.Logger.Warn("malformed reply", "topic", msg.Topic, "offset", msg.Offset, "saga_id", id, "error", err)
		if id == "" {
			return nil
		}
		return h.Sink.RejectReply(ctx, domain.ID(id), err.Error())
	}
	if reply.SagaCorrelationID == "" {
		reply.SagaCorrelationID = string(msg.Key)
	}
	if reply.MessageID == "" {
		reply.MessageID = header(msg, "message-id")
	}
	if reply.InReplyTo == "" {
		reply.InReplyTo = header(msg, "in-reply-to")
	}
	if reply.Step == "" {
		reply.Step = stepOf(msg.Topic)
	}
	return h.Sink.HandleReply(ctx, reply)
}

// stepOf names the dispatch a reply topic answers, ignoring any topic prefix.
func stepOf(topic string) domain.DispatchKind {
	for _, k := range []domain.DispatchKind{
		domain.DispatchTransportSearch, domain.DispatchTransportBook,
		domain.DispatchHotelSearch, domain.DispatchHotelBook,
	} {
		if strings.HasSuffix(topic, string(k)+".reply") {
			return k
		}
	}
	return ""
}

func decodeReply(data []byte) (appsaga.Reply, error) {
	var reply appsaga.Reply
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&reply); err != nil {
		return appsaga.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	switch reply.Kind {
	case appsaga.ReplyTransportProcessing, appsaga.ReplyTransportOptions, appsaga.ReplyTransportConfirmed,
		appsaga.ReplyHotelOptions, appsaga.ReplyHotelConfirmed, appsaga.ReplyError:
	default:
		return appsaga.Reply{}, fmt.Errorf("unknown reply kind %q", reply.Kind)
	}
	return reply, nil
}

// correlationOf recovers the saga id from a reply that failed to decode.
func correlationOf(msg *sarama.ConsumerMessage) string {
	var head struct {
		SagaCorrelationID string `json:"sagaCorrelationId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err == nil && head.SagaCorrelationID != "" {
		return head.SagaCorrelationID
	}
	if id := header(msg, "saga-id"); id != "" {
		return id
	}
	return strings.TrimSpace(string(msg.Key))
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Topics prefixes the reply topics.
func Topics(prefix string) []string {
	base := appsaga.ReplyTopics()
	out := make([]string, len(base))
	for i, t := range base {
		out[i] = prefix + t
	}
	return out
}
