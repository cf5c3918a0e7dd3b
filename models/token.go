package models

import (
	"time"

	"github.com/google/uuid"
)

// Token is one emitted signed QR payload. Unique per (ContextID, Sequence).
type Token struct {
	ContextID uuid.UUID  `json:"context_id" db:"context_id"`
	Sequence  int64      `json:"sequence" db:"sequence"`
	OrderID   *uuid.UUID `json:"order_id,omitempty" db:"order_id"`
	Payload   string     `json:"payload" db:"payload"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
