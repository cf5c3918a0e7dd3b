package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"loyalty-backend/checkin"
	"loyalty-backend/models"
)

type CheckinHandler struct {
	checkins *checkin.Service
	logger   *slog.Logger
}

func NewCheckinHandler(checkins *checkin.Service, logger *slog.Logger) *CheckinHandler {
	return &CheckinHandler{checkins: checkins, logger: logger}
}

func (h *CheckinHandler) CheckIn(c *gin.Context) {
	var req models.CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.checkins.CheckIn(c, req.UserID, req.Payload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Successfully checked in to event",
		"checkin": result.Checkin,
		"entry":   result.Entry,
		"balance": result.Balance,
	})
}

func (h *CheckinHandler) GetCheckins(c *gin.Context) {
	eventID, ok := uuidParam(c, "id", "event")
	if !ok {
		return
	}

	checkins, err := h.checkins.ListCheckins(c, eventID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"event_id": eventID,
		"count":    len(checkins),
		"checkins": checkins,
	})
}
