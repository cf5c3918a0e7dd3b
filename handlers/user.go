package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"loyalty-backend/ledger"
	"loyalty-backend/models"
)

// UserHandler serves member balances, history, transfers and adjustments.
type UserHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewUserHandler(l *ledger.Ledger, logger *slog.Logger) *UserHandler {
	return &UserHandler{ledger: l, logger: logger}
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	userID, ok := uuidParam(c, "userId", "user")
	if !ok {
		return
	}

	balance, err := h.ledger.GetOrCreateBalance(c, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": balance})
}

func (h *UserHandler) GetHistory(c *gin.Context) {
	userID, ok := uuidParam(c, "userId", "user")
	if !ok {
		return
	}

	entries, err := h.ledger.History(c, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *UserHandler) Reconcile(c *gin.Context) {
	userID, ok := uuidParam(c, "userId", "user")
	if !ok {
		return
	}

	r, err := h.ledger.Reconcile(c, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reconciliation": r})
}

func (h *UserHandler) Transfer(c *gin.Context) {
	var req models.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.ledger.Transfer(c, req.FromUserID, req.ToUserID, req.Amount, req.Description)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Transfer completed",
		"from":    result.From,
		"to":      result.To,
	})
}

func (h *UserHandler) Adjust(c *gin.Context) {
	var req models.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	balance, err := h.ledger.Adjust(c, req.UserID, req.Amount, req.Reason, req.AdminID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Balance adjusted",
		"balance": balance,
	})
}
