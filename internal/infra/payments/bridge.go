package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	appsaga "tripsaga/internal/app/saga"
)

// Bridge forwards payment requests to the external payment bridge over HTTP.
type Bridge struct {
	Client   *http.Client
	Endpoint string
	Logger   *slog.Logger
}

func NewBridge(endpoint string, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		Client:   &http.Client{Timeout: timeout},
		Endpoint: endpoint,
		Logger:   logger.With("component", "payments.bridge"),
	}
}

func (b *Bridge) RequestPayment(ctx context.Context, req appsaga.PaymentRequest) error {
	if b == nil || b.Client == nil {
		return errors.New("payments: http client not configured")
	}
	if b.Endpoint == "" {
		return errors.New("payments: bridge endpoint not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.MessageID)

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		b.Logger.Error("payment bridge request failed", "saga_id", req.SagaCorrelationID, "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("payment bridge returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		b.Logger.Error("payment bridge rejected request", "saga_id", req.SagaCorrelationID, "error", err)
		return err
	}
	b.Logger.Info("payment requested", "saga_id", req.SagaCorrelationID, "amount", req.Amount, "currency", req.Currency)
	return nil
}

var _ appsaga.PaymentBridge = (*Bridge)(nil)
