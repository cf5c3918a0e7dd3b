// Package store is the persistence layer. Every read and write goes through a
// Tx; Store.InTx runs a function as one atomic unit and Store.Read runs it
// outside any transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/models"
)

// ErrConflict is returned when an insert hits a unique key.
var ErrConflict = errors.New("store: unique key conflict")

// Tx is the set of operations available inside (or outside) an atomic unit.
// Lock* methods take a row lock for the rest of the unit and return
// apperr.ErrNotFound when the row does not exist.
type Tx interface {
	// Balances and ledger entries. GetBalance returns nil, nil when the
	// user has no balance yet.
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	EnsureBalance(ctx context.Context, userID uuid.UUID, now time.Time) error
	LockBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	LockBalanceByID(ctx context.Context, balanceID uuid.UUID) (*models.Balance, error)
	SetBalancePoints(ctx context.Context, balanceID uuid.UUID, points int64, now time.Time) error
	InsertEntry(ctx context.Context, e *models.TransactionEntry) error
	ListEntries(ctx context.Context, balanceID uuid.UUID) ([]models.TransactionEntry, error)
	SumEntries(ctx context.Context, balanceID uuid.UUID) (int64, error)

	// Events and check-ins
	InsertEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
	SetEventStatus(ctx context.Context, id uuid.UUID, status string) error
	ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.Checkin, error)
	ListUserCheckins(ctx context.Context, eventID, userID uuid.UUID) ([]models.Checkin, error)
	// InsertCheckin returns ErrConflict when (event, user, sequence) exists.
	InsertCheckin(ctx context.Context, c *models.Checkin) error

	// Tokens
	GetToken(ctx context.Context, contextID uuid.UUID, sequence int64) (*models.Token, error)
	GetTokenByOrder(ctx context.Context, orderID uuid.UUID) (*models.Token, error)
	// InsertToken reports created=false, without error, when the
	// (context, sequence) key is already taken.
	InsertToken(ctx context.Context, t *models.Token) (created bool, err error)

	// Kiosks, products, orders
	InsertKiosk(ctx context.Context, k *models.Kiosk) error
	GetKiosk(ctx context.Context, id uuid.UUID) (*models.Kiosk, error)
	// NextKioskSequence increments and returns the kiosk's token counter.
	NextKioskSequence(ctx context.Context, kioskID uuid.UUID) (int64, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	SetProductStock(ctx context.Context, id uuid.UUID, stock int) error
	InsertStockMovement(ctx context.Context, m *models.StockMovement) error
	InsertOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error

	// Carts
	UpsertCartItem(ctx context.Context, item models.CartItem) error
	ListCartItems(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error)
	ClearCart(ctx context.Context, userID uuid.UUID) error
}

// Store opens units of work.
type Store interface {
	// InTx runs fn atomically: either every write fn made is committed or
	// none is. Concurrent units touching the same locked rows serialize.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// Read runs fn without a transaction. fn must not write.
	Read(ctx context.Context, fn func(tx Tx) error) error
}
