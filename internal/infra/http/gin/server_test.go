package ginserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripsaga/internal/app/commands"
	sagaapp "tripsaga/internal/app/handlers/sagas"
	"tripsaga/internal/app/middleware"
	"tripsaga/internal/app/notify"
	"tripsaga/internal/app/queries"
	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
	"tripsaga/internal/infra/obs"
	"tripsaga/internal/infra/storage/memory"
	"tripsaga/internal/infra/storage/s3"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okPayments struct{}

func (okPayments) RequestPayment(context.Context, appsaga.PaymentRequest) error { return nil }

type stack struct {
	router *gin.Engine
	hub    *notify.Hub
	orch   *appsaga.Orchestrator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := notify.NewHub(logger, notify.Options{IdleTimeout: time.Minute})
	orch, err := appsaga.New(appsaga.Deps{
		Store:      memory.NewSagaStore(time.Hour),
		Dispatcher: appsaga.NewOutboxDispatcher(memory.NewOutbox()),
		Notifier:   hub,
		Payments:   okPayments{},
		Invoices:   &s3.Invoicer{BaseURL: "http://invoices.local"},
		Inbox:      memory.NewInbox(time.Hour),
		Logger:     logger,
	}, appsaga.Options{})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	handler := sagaapp.Handler{Facade: orch}
	cmdBus := commands.NewInMemoryBus()
	sagaapp.RegisterCommands(cmdBus, handler)
	qBus := queries.NewInMemoryBus()
	sagaapp.RegisterQueries(qBus, handler)

	cmds := middleware.ChainCommands(cmdBus,
		middleware.Validation(middleware.SelfValidator{}),
		middleware.Idempotency(memory.NewIdempotencyStore(time.Hour), nil),
	)
	qs := middleware.ChainQueries(qBus, middleware.QueryValidation(middleware.SelfValidator{}))

	sagas := SagaHandler{Commands: cmds, Queries: qs}
	router := NewRouter(obs.Middleware{Logger: logger}, obs.HealthHandlers{}, Handlers{
		Sagas:     sagas,
		Stream:    StreamHandler{Hub: hub, Queries: qs, Heartbeat: time.Hour, Logger: logger},
		Callbacks: sagas,
	})
	return &stack{router: router, hub: hub, orch: orch}
}

func (s *stack) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

const validBooking = `{"user":{"userId":"u-1","username":"ana"},"fillForm":{"tripDeparture":"Lisbon","tripDestination":"Porto","people":2,"budget":900}}`

func (s *stack) create(t *testing.T, headers ...string) createSagaResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/sagas", validBooking, headers...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res createSagaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestCreateAndGetSaga(t *testing.T) {
	s := newStack(t)
	res := s.create(t)
	require.NotEmpty(t, res.SagaID)
	assert.Equal(t, "/api/v1/sagas/"+res.SagaID+"/stream", res.StreamURL)

	rec := s.do(t, http.MethodGet, "/api/v1/sagas/"+res.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PRODUCER_DISPATCHED", body["status"])
	assert.Equal(t, res.SagaID, body["sagaId"])
}

func TestCreateRejectsInvalidForm(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodPost, "/api/v1/sagas", `{"user":{"userId":"u-1"},"fillForm":{"tripDestination":"Porto","people":2}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newStack(t)
	first := s.create(t, "Idempotency-Key", "abc")
	second := s.create(t, "Idempotency-Key", "abc")
	assert.Equal(t, first.SagaID, second.SagaID)

	third := s.create(t)
	assert.NotEqual(t, first.SagaID, third.SagaID)
}

func TestErrorMapping(t *testing.T) {
	s := newStack(t)
	res := s.create(t)

	rec := s.do(t, http.MethodGet, "/api/v1/sagas/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/"+res.SagaID+"/hotel-selection", `{"optionId":"h1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/"+res.SagaID+"/transport-selection", `{"optionId":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/"+res.SagaID+"/payment", `{"paymentType":"card"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/callbacks/card-payment-complete", `{"sagaCorrelationId":"missing","status":"SUCCEEDED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/callbacks/card-payment-complete", `{"sagaCorrelationId":"`+res.SagaID+`","status":"SUCCEEDED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConcurrentUpdateMapsToConflict(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("update s-1: %w", domain.ErrConflict)))
	assert.Equal(t, http.StatusBadGateway, statusFor(fmt.Errorf("%w: dispatch", appsaga.ErrCollaborator)))
}

func TestCancelAndClose(t *testing.T) {
	s := newStack(t)
	res := s.create(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sagas/"+res.SagaID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sagas/"+res.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CANCELLED"`)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/"+res.SagaID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/sagas/"+res.SagaID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sagas/unknown/close", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	s := newStack(t)
	res := s.create(t)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + res.StreamURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var first strings.Builder
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			break
		}
		first.WriteString(line)
	}
	assert.Contains(t, first.String(), "event:snapshot\n")
	assert.Contains(t, first.String(), `"status":"PRODUCER_DISPATCHED"`)

	require.Eventually(t, func() bool { return s.hub.Subscribed(res.SagaID) }, time.Second, 10*time.Millisecond)
	dup := s.do(t, http.MethodGet, res.StreamURL, "")
	assert.Equal(t, http.StatusConflict, dup.Code)

	require.NoError(t, s.orch.CancelSaga(context.Background(), domain.ID(res.SagaID)))

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), `"status":"CANCELLED"`)
	assert.False(t, s.hub.Subscribed(res.SagaID))
}

func TestStreamUnknownSaga(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/api/v1/sagas/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, s.hub.Subscribed("missing"))
}
