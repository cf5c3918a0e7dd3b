package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryCategory classifies a ledger entry.
type EntryCategory string

const (
	CategoryCredit        EntryCategory = "credit"
	CategoryDebit         EntryCategory = "debit"
	CategoryTransferIn    EntryCategory = "transfer_in"
	CategoryTransferOut   EntryCategory = "transfer_out"
	CategoryAdjustment    EntryCategory = "adjustment"
	CategoryEventAward    EntryCategory = "event_award"
	CategoryPurchaseDebit EntryCategory = "purchase_debit"
)

// Balance is a user's running point total. Points always equals the sum of
// the balance's transaction entries.
type Balance struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Points    int64     `json:"points" db:"points"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TransactionEntry is an immutable ledger line.
type TransactionEntry struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	BalanceID           uuid.UUID     `json:"balance_id" db:"balance_id"`
	Amount              int64         `json:"amount" db:"amount"`
	Category            EntryCategory `json:"category" db:"category"`
	Description         string        `json:"description" db:"description"`
	RelatedUserID       *uuid.UUID    `json:"related_user_id,omitempty" db:"related_user_id"`
	RelatedRedemptionID *uuid.UUID    `json:"related_redemption_id,omitempty" db:"related_redemption_id"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
}

// TransferRequest moves points between two members.
type TransferRequest struct {
	FromUserID  uuid.UUID `json:"from_user_id" binding:"required"`
	ToUserID    uuid.UUID `json:"to_user_id" binding:"required"`
	Amount      int64     `json:"amount" binding:"required"`
	Description string    `json:"description"`
}

// AdjustmentRequest is an administrative credit or debit.
type AdjustmentRequest struct {
	UserID  uuid.UUID `json:"user_id" binding:"required"`
	Amount  int64     `json:"amount" binding:"required"`
	Reason  string    `json:"reason" binding:"required"`
	AdminID uuid.UUID `json:"admin_id" binding:"required"`
}
