package ginserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	gin "github.com/gin-gonic/gin"

	sagaapp "tripsaga/internal/app/handlers/sagas"
	"tripsaga/internal/app/notify"
	"tripsaga/internal/app/queries"
	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
)

// StreamHandler serves a saga's notifications as server-sent events.
type StreamHandler struct {
	Hub       *notify.Hub
	Queries   queries.Bus
	Heartbeat time.Duration
	Logger    *slog.Logger
}

func (h StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.Hub.Subscribe(id)
	if err != nil {
		if errors.Is(err, notify.ErrEmptySagaID) {
			badRequest(c, err)
			return
		}
		writeError(c, err)
		return
	}
	// subscribed before loading so nothing between the snapshot and the first event is lost
	s, err := queries.Ask[sagaapp.GetSagaQuery, *domain.Saga](c.Request.Context(), h.Queries, sagaapp.GetSagaQuery{SagaID: id})
	if err != nil {
		h.Hub.Unsubscribe(sub)
		writeError(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := h.write(c, appsaga.Snapshot(s)); err != nil {
		h.Hub.Fail(sub, err)
		return
	}
	if s.Status.Terminal() {
		h.Hub.Complete(c.Request.Context(), id)
	}

	heartbeat := time.NewTicker(h.heartbeat())
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case ev := <-sub.Events():
			if err := h.write(c, ev); err != nil {
				h.Hub.Fail(sub, err)
				return
			}
		case <-heartbeat.C:
			if err := h.ping(c); err != nil {
				h.Hub.Fail(sub, err)
				return
			}
		case <-sub.Done():
			h.drain(c, sub)
			h.logger().Debug("stream ended", "saga_id", id, "reason", sub.Reason())
			return
		case <-ctx.Done():
			h.Hub.Unsubscribe(sub)
			return
		}
	}
}

// drain flushes events buffered before the subscription closed.
func (h StreamHandler) drain(c *gin.Context, sub *notify.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			if err := h.write(c, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h StreamHandler) write(c *gin.Context, ev notify.Event) error {
	err := sse.Encode(c.Writer, sse.Event{
		Event: ev.Name(),
		Id:    fmt.Sprintf("%d", ev.Timestamp.UnixNano()),
		Data:  ev,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", notify.ErrTransport, err)
	}
	c.Writer.Flush()
	return nil
}

func (h StreamHandler) ping(c *gin.Context) error {
	if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrTransport, err)
	}
	c.Writer.Flush()
	return nil
}

func (h StreamHandler) heartbeat() time.Duration {
	if h.Heartbeat <= 0 {
		return 15 * time.Second
	}
	return h.Heartbeat
}

func (h StreamHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

var _ StreamHTTP = StreamHandler{}
