package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"loyalty-backend/checkin"
	"loyalty-backend/models"
)

// EventHandler serves event creation, the rotating QR code and per-user
// check-in status.
type EventHandler struct {
	checkins *checkin.Service
	logger   *slog.Logger
}

func NewEventHandler(checkins *checkin.Service, logger *slog.Logger) *EventHandler {
	return &EventHandler{checkins: checkins, logger: logger}
}

func (h *EventHandler) CreateEvent(c *gin.Context) {
	var req models.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	event, err := h.checkins.CreateEvent(c, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Event created",
		"event":   event,
	})
}

// GetQRCode returns the payload for the current rotation window. Displays
// poll this and redraw when the sequence changes.
func (h *EventHandler) GetQRCode(c *gin.Context) {
	eventID, ok := uuidParam(c, "id", "event")
	if !ok {
		return
	}

	tok, err := h.checkins.CurrentToken(c, eventID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"payload":    tok.Payload,
		"sequence":   tok.Sequence,
		"expires_at": tok.ExpiresAt,
	})
}

func (h *EventHandler) GetStatus(c *gin.Context) {
	eventID, ok := uuidParam(c, "id", "event")
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		badRequest(c, "Invalid user ID format")
		return
	}

	status, err := h.checkins.Status(c, eventID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}
