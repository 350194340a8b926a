package ginserver

import (
	"errors"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"tripsaga/internal/app/middleware"
	"tripsaga/internal/app/notify"
	appsaga "tripsaga/internal/app/saga"
	domain "tripsaga/internal/domain/saga"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, notify.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, middleware.ErrValidation),
		errors.Is(err, domain.ErrInvalidBooking),
		errors.Is(err, appsaga.ErrUnknownSelection),
		errors.Is(err, appsaga.ErrMissingCorrelation),
		errors.Is(err, appsaga.ErrPaymentMethodRequired):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, appsaga.ErrCollaborator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
