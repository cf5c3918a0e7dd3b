package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loyalty-backend/apperr"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidOperation:
		return http.StatusBadRequest
	case apperr.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.KindInsufficientStock, apperr.KindAlreadyProcessed:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Domain rejections keep their message;
// anything else is logged and answered with a generic 500.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if appErr.Kind == apperr.KindRateLimited && appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	c.JSON(statusFor(appErr.Kind), gin.H{
		"success": false,
		"error":   appErr.Kind,
		"message": appErr.Message,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message})
}

// uuidParam parses a path parameter, answering 400 when it is not a UUID.
func uuidParam(c *gin.Context, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "Invalid "+label+" ID format")
		return uuid.Nil, false
	}
	return id, true
}
