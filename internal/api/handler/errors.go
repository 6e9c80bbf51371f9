package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/skiptrace/internal/api/middleware"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/service"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrTaskNotRunning), errors.Is(err, service.ErrTaskNotFinished):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": ...}. Internal errors are logged and
// their details withheld.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{
			"error":      "internal error",
			"request_id": logger.GetRequestID(c.Request.Context()),
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
