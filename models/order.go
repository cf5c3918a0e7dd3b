package models

import (
	"time"

	"github.com/google/uuid"
)

// Order status constants
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusExpired   = "expired"
	OrderStatusCancelled = "cancelled"
)

// Order source constants
const (
	OrderSourceCart  = "cart"
	OrderSourceKiosk = "kiosk"
)

// Kiosk is an unattended point-of-sale that signs payment tokens.
type Kiosk struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Active        bool      `json:"active" db:"active"`
	Secret        []byte    `json:"-" db:"secret"`
	TokenSequence int64     `json:"-" db:"token_sequence"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Product is an inventory record priced in points.
type Product struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	UnitPrice   int64      `json:"unit_price" db:"unit_price"`
	Stock       int        `json:"stock" db:"stock"`
	Active      bool       `json:"active" db:"active"`
	OfferEndsAt *time.Time `json:"offer_ends_at,omitempty" db:"offer_ends_at"`
}

type Order struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Source      string      `json:"source" db:"source"`
	KioskID     *uuid.UUID  `json:"kiosk_id,omitempty" db:"kiosk_id"`
	BuyerID     *uuid.UUID  `json:"buyer_id,omitempty" db:"buyer_id"`
	TotalPoints int64       `json:"total_points" db:"total_points"`
	Status      string      `json:"status" db:"status"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	Items       []OrderItem `json:"items"`
}

type OrderItem struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OrderID   uuid.UUID `json:"order_id" db:"order_id"`
	ProductID uuid.UUID `json:"product_id" db:"product_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	UnitPrice int64     `json:"unit_price" db:"unit_price"`
}

// StockMovement audits every stock change.
type StockMovement struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	ProductID uuid.UUID  `json:"product_id" db:"product_id"`
	Delta     int        `json:"delta" db:"delta"`
	Reason    string     `json:"reason" db:"reason"`
	OrderID   *uuid.UUID `json:"order_id,omitempty" db:"order_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type CartItem struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ProductID uuid.UUID `json:"product_id" db:"product_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
}

// LineItem is a requested product quantity.
type LineItem struct {
	ProductID uuid.UUID `json:"product_id" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required"`
}

type AddCartItemRequest struct {
	UserID    uuid.UUID `json:"user_id" binding:"required"`
	ProductID uuid.UUID `json:"product_id" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required"`
}

type CheckoutRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

type CreateKioskRequest struct {
	Name string `json:"name" binding:"required"`
}

type CreateKioskOrderRequest struct {
	Items []LineItem `json:"items" binding:"required"`
}

// KioskPayRequest carries a scanned kiosk QR payload.
type KioskPayRequest struct {
	UserID  uuid.UUID `json:"user_id" binding:"required"`
	Payload string    `json:"payload" binding:"required"`
}
