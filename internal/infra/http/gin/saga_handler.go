package ginserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"

	"tripsaga/internal/app/commands"
	sagaapp "tripsaga/internal/app/handlers/sagas"
	"tripsaga/internal/app/queries"
	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
)

type SagaHandler struct {
	Commands commands.Bus
	Queries  queries.Bus
}

type createSagaRequest struct {
	User     domain.User     `json:"user"`
	FillForm domain.FillForm `json:"fillForm"`
}

type createSagaResponse struct {
	SagaID    string `json:"sagaId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	StreamURL string `json:"streamUrl"`
}

type selectionRequest struct {
	OptionID string `json:"optionId"`
}

type paymentRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
	PaymentType     string `json:"paymentType"`
}

func (h SagaHandler) Create(c *gin.Context) {
	var req createSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cmd := sagaapp.CreateSagaCommand{
		User:            req.User,
		FillForm:        req.FillForm,
		IdempotencyKeyV: c.GetHeader("Idempotency-Key"),
	}
	res, err := commands.Dispatch[sagaapp.CreateSagaCommand, sagaapp.CreateSagaResult](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, createSagaResponse{
		SagaID:    res.SagaID,
		Status:    res.Status,
		Message:   "Saga started, searching transport",
		StreamURL: "/api/v1/sagas/" + res.SagaID + "/stream",
	})
}

func (h SagaHandler) Get(c *gin.Context) {
	s, err := queries.Ask[sagaapp.GetSagaQuery, *domain.Saga](c.Request.Context(), h.Queries, sagaapp.GetSagaQuery{SagaID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h SagaHandler) SelectTransport(c *gin.Context) { h.selection(c, appsaga.SelectTransport) }
func (h SagaHandler) SelectHotel(c *gin.Context)     { h.selection(c, appsaga.SelectHotel) }

func (h SagaHandler) selection(c *gin.Context, kind appsaga.SelectionKind) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cmd := sagaapp.SubmitSelectionCommand{SagaID: c.Param("id"), Kind: kind, OptionID: req.OptionID}
	h.ack(c, http.StatusAccepted, func() (sagaapp.Ack, error) {
		return commands.Dispatch[sagaapp.SubmitSelectionCommand, sagaapp.Ack](c.Request.Context(), h.Commands, cmd)
	})
}

func (h SagaHandler) Pay(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cmd := sagaapp.SubmitPaymentCommand{SagaID: c.Param("id"), PaymentMethodID: req.PaymentMethodID, PaymentType: req.PaymentType}
	h.ack(c, http.StatusAccepted, func() (sagaapp.Ack, error) {
		return commands.Dispatch[sagaapp.SubmitPaymentCommand, sagaapp.Ack](c.Request.Context(), h.Commands, cmd)
	})
}

func (h SagaHandler) Cancel(c *gin.Context) {
	cmd := sagaapp.CancelSagaCommand{SagaID: c.Param("id")}
	h.ack(c, http.StatusOK, func() (sagaapp.Ack, error) {
		return commands.Dispatch[sagaapp.CancelSagaCommand, sagaapp.Ack](c.Request.Context(), h.Commands, cmd)
	})
}

func (h SagaHandler) Close(c *gin.Context) {
	cmd := sagaapp.CloseSagaCommand{SagaID: c.Param("id")}
	h.ack(c, http.StatusOK, func() (sagaapp.Ack, error) {
		return commands.Dispatch[sagaapp.CloseSagaCommand, sagaapp.Ack](c.Request.Context(), h.Commands, cmd)
	})
}

// CardPaymentComplete receives the payment bridge callback.
func (h SagaHandler) CardPaymentComplete(c *gin.Context) {
	var cb appsaga.PaymentCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		badRequest(c, err)
		return
	}
	h.ack(c, http.StatusOK, func() (sagaapp.Ack, error) {
		return commands.Dispatch[sagaapp.PaymentCallbackCommand, sagaapp.Ack](c.Request.Context(), h.Commands, sagaapp.PaymentCallbackCommand{Callback: cb})
	})
}

func (h SagaHandler) ack(c *gin.Context, status int, run func() (sagaapp.Ack, error)) {
	res, err := run()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, res)
}

var (
	_ SagaHTTP     = SagaHandler{}
	_ CallbackHTTP = SagaHandler{}
)
