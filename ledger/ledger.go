// Package ledger owns member point balances and their append-only
// transaction log. A balance row and the entry explaining its change are
// always written in the same unit of work, so a balance equals the sum of
// its entries at every commit.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/metrics"
	"loyalty-backend/models"
	"loyalty-backend/notify"
	"loyalty-backend/store"
	"loyalty-backend/users"
)

type Ledger struct {
	store    store.Store
	users    users.Directory
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(s store.Store, dir users.Directory, opts ...Option) *Ledger {
	l := &Ledger{
		store:    s,
		users:    dir,
		notifier: notify.Discard{},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Entry describes one ledger mutation.
type Entry struct {
	Amount              int64
	Category            models.EntryCategory
	Description         string
	RelatedUserID       *uuid.UUID
	RelatedRedemptionID *uuid.UUID
}

// Apply adds e to a balance inside an open unit of work. bal must have been
// locked in tx; its Points are updated in place. A debit larger than the
// locked balance fails with InsufficientBalance.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, bal *models.Balance, e Entry) (*models.TransactionEntry, error) {
	if e.Amount == 0 {
		return nil, apperr.InvalidOperation("amount must not be zero")
	}
	if e.Amount > 0 && e.Amount > math.MaxInt64-bal.Points {
		return nil, apperr.InvalidOperation("amount would overflow the balance")
	}
	next := bal.Points + e.Amount
	if next < 0 {
		return nil, apperr.InsufficientBalance(bal.Points, -e.Amount)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate entry id: %w", err)
	}
	now := l.now()
	entry := &models.TransactionEntry{
		ID:                  id,
		BalanceID:           bal.ID,
		Amount:              e.Amount,
		Category:            e.Category,
		Description:         e.Description,
		RelatedUserID:       e.RelatedUserID,
		RelatedRedemptionID: e.RelatedRedemptionID,
		CreatedAt:           now,
	}

	if err := tx.SetBalancePoints(ctx, bal.ID, next, now); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}
	bal.Points = next
	bal.UpdatedAt = now
	return entry, nil
}

// LockOrCreate returns the user's balance locked for the rest of the unit,
// creating it at zero first if needed.
func (l *Ledger) LockOrCreate(ctx context.Context, tx store.Tx, userID uuid.UUID) (*models.Balance, error) {
	if err := tx.EnsureBalance(ctx, userID, l.now()); err != nil {
		return nil, err
	}
	return tx.LockBalance(ctx, userID)
}

// Observe records committed entries in metrics. Call it after the unit that
// wrote them has committed.
func Observe(entries ...*models.TransactionEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		amount := e.Amount
		if amount < 0 {
			amount = -amount
		}
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Category)).Inc()
		metrics.LedgerPointsTotal.WithLabelValues(string(e.Category)).Add(float64(amount))
	}
}

// Points returns the user's current balance, or 0 when none exists yet.
func (l *Ledger) Points(ctx context.Context, userID uuid.UUID) (int64, error) {
	var points int64
	err := l.store.Read(ctx, func(tx store.Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if b != nil {
			points = b.Points
		}
		return nil
	})
	return points, err
}

func (l *Ledger) GetOrCreateBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	if err := users.Require(ctx, l.users, userID); err != nil {
		return nil, err
	}

	var bal *models.Balance
	err := l.store.Read(ctx, func(tx store.Tx) error {
		var err error
		bal, err = tx.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if bal != nil {
		return bal, nil
	}

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.EnsureBalance(ctx, userID, l.now()); err != nil {
			return err
		}
		var err error
		bal, err = tx.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("balance created", "user_id", userID, "balance_id", bal.ID)
	return bal, nil
}

// ApplyEntry applies a single entry to a balance in its own unit of work.
func (l *Ledger) ApplyEntry(ctx context.Context, balanceID uuid.UUID, amount int64, category models.EntryCategory, description string, relatedUserID, relatedRedemptionID *uuid.UUID) (*models.TransactionEntry, error) {
	var entry *models.TransactionEntry
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		bal, err := tx.LockBalanceByID(ctx, balanceID)
		if err != nil {
			return err
		}
		entry, err = l.Apply(ctx, tx, bal, Entry{
			Amount:              amount,
			Category:            category,
			Description:         description,
			RelatedUserID:       relatedUserID,
			RelatedRedemptionID: relatedRedemptionID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	Observe(entry)
	return entry, nil
}

type TransferResult struct {
	From models.Balance `json:"from"`
	To   models.Balance `json:"to"`
}

// Transfer moves amount points from one member to another. Both entries are
// written in one unit; balances are locked in id order.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID uuid.UUID, amount int64, description string) (*TransferResult, error) {
	if fromUserID == toUserID {
		return nil, apperr.InvalidOperation("cannot transfer points to yourself")
	}
	if amount <= 0 {
		return nil, apperr.InvalidOperation("transfer amount must be positive")
	}
	if err := users.Require(ctx, l.users, fromUserID); err != nil {
		return nil, err
	}
	if err := users.Require(ctx, l.users, toUserID); err != nil {
		return nil, err
	}

	have, err := l.Points(ctx, fromUserID)
	if err != nil {
		return nil, err
	}
	if have < amount {
		return nil, apperr.InsufficientBalance(have, amount)
	}

	if description == "" {
		description = "Points transfer"
	}

	var result TransferResult
	var debit, credit *models.TransactionEntry
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		first, second := fromUserID, toUserID
		if bytes.Compare(first[:], second[:]) > 0 {
			first, second = second, first
		}
		locked := make(map[uuid.UUID]*models.Balance, 2)
		for _, id := range []uuid.UUID{first, second} {
			bal, err := l.LockOrCreate(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = bal
		}

		from, to := locked[fromUserID], locked[toUserID]
		var err error
		debit, err = l.Apply(ctx, tx, from, Entry{
			Amount:        -amount,
			Category:      models.CategoryTransferOut,
			Description:   description,
			RelatedUserID: &toUserID,
		})
		if err != nil {
			return err
		}
		credit, err = l.Apply(ctx, tx, to, Entry{
			Amount:        amount,
			Category:      models.CategoryTransferIn,
			Description:   description,
			RelatedUserID: &fromUserID,
		})
		if err != nil {
			return err
		}
		result = TransferResult{From: *from, To: *to}
		return nil
	})
	if err != nil {
		return nil, err
	}

	Observe(debit, credit)
	l.logger.Info("points transferred", "from_user_id", fromUserID, "to_user_id", toUserID, "amount", amount)
	l.notifier.Notify(notify.Notification{
		UserID: toUserID,
		Kind:   notify.KindTransferReceived,
		Title:  "Points received",
		Body:   fmt.Sprintf("You received %d points", amount),
		Data:   map[string]any{"from_user_id": fromUserID, "amount": amount},
	})
	l.notifier.Notify(notify.Notification{
		UserID: fromUserID,
		Kind:   notify.KindTransferSent,
		Title:  "Points sent",
		Body:   fmt.Sprintf("You sent %d points", amount),
		Data:   map[string]any{"to_user_id": toUserID, "amount": amount},
	})
	return &result, nil
}

// Adjust applies an administrative credit or debit. The acting admin is kept
// as the entry's related user.
func (l *Ledger) Adjust(ctx context.Context, userID uuid.UUID, amount int64, reason string, actingAdminID uuid.UUID) (*models.Balance, error) {
	if amount == 0 {
		return nil, apperr.InvalidOperation("adjustment amount must not be zero")
	}
	if err := users.Require(ctx, l.users, userID); err != nil {
		return nil, err
	}

	var bal *models.Balance
	var entry *models.TransactionEntry
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = l.LockOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		entry, err = l.Apply(ctx, tx, bal, Entry{
			Amount:        amount,
			Category:      models.CategoryAdjustment,
			Description:   reason,
			RelatedUserID: &actingAdminID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	Observe(entry)
	l.logger.Info("balance adjusted", "user_id", userID, "amount", amount, "admin_id", actingAdminID)
	l.notifier.Notify(notify.Notification{
		UserID: userID,
		Kind:   notify.KindAdjustment,
		Title:  "Balance adjusted",
		Body:   reason,
		Data:   map[string]any{"amount": amount},
	})
	return bal, nil
}

// History returns the user's entries, newest first. A user without a
// balance has an empty history.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID) ([]models.TransactionEntry, error) {
	entries := []models.TransactionEntry{}
	err := l.store.Read(ctx, func(tx store.Tx) error {
		bal, err := tx.GetBalance(ctx, userID)
		if err != nil || bal == nil {
			return err
		}
		entries, err = tx.ListEntries(ctx, bal.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type Reconciliation struct {
	UserID     uuid.UUID `json:"user_id"`
	Points     int64     `json:"points"`
	EntrySum   int64     `json:"entry_sum"`
	Consistent bool      `json:"consistent"`
}

// Reconcile compares the running balance with the sum of its entries.
func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	r := &Reconciliation{UserID: userID, Consistent: true}
	err := l.store.Read(ctx, func(tx store.Tx) error {
		bal, err := tx.GetBalance(ctx, userID)
		if err != nil || bal == nil {
			return err
		}
		sum, err := tx.SumEntries(ctx, bal.ID)
		if err != nil {
			return err
		}
		r.Points = bal.Points
		r.EntrySum = sum
		r.Consistent = bal.Points == sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !r.Consistent {
		l.logger.Error("balance does not match entries", "user_id", userID, "points", r.Points, "entry_sum", r.EntrySum)
	}
	return r, nil
}
