package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"loyalty-backend/checkout"
	"loyalty-backend/models"
)

// OrderHandler serves the member cart, kiosks and kiosk payments.
type OrderHandler struct {
	checkout *checkout.Service
	logger   *slog.Logger
}

func NewOrderHandler(s *checkout.Service, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{checkout: s, logger: logger}
}

func (h *OrderHandler) AddCartItem(c *gin.Context) {
	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	cart, err := h.checkout.AddToCart(c, req.UserID, req.ProductID, req.Quantity)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cart": cart})
}

func (h *OrderHandler) GetCart(c *gin.Context) {
	userID, ok := uuidParam(c, "userId", "user")
	if !ok {
		return
	}

	cart, err := h.checkout.Cart(c, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cart": cart})
}

func (h *OrderHandler) Checkout(c *gin.Context) {
	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.checkout.Checkout(c, req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Order completed",
		"order":   order,
	})
}

func (h *OrderHandler) CreateKiosk(c *gin.Context) {
	var req models.CreateKioskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	kiosk, err := h.checkout.CreateKiosk(c, req.Name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "kiosk": kiosk})
}

func (h *OrderHandler) CreateKioskOrder(c *gin.Context) {
	kioskID, ok := uuidParam(c, "id", "kiosk")
	if !ok {
		return
	}
	var req models.CreateKioskOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ko, err := h.checkout.CreateKioskOrder(c, kioskID, req.Items)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"order":      ko.Order,
		"payload":    ko.Token.Payload,
		"expires_at": ko.Token.ExpiresAt,
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	orderID, ok := uuidParam(c, "id", "order")
	if !ok {
		return
	}

	order, err := h.checkout.OrderStatus(c, orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	orderID, ok := uuidParam(c, "id", "order")
	if !ok {
		return
	}

	order, err := h.checkout.CancelKioskOrder(c, orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Order cancelled",
		"order":   order,
	})
}

func (h *OrderHandler) PayKioskOrder(c *gin.Context) {
	var req models.KioskPayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := h.checkout.PayKioskOrder(c, req.UserID, req.Payload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment completed",
		"order":   order,
	})
}
