package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore runs units of work as READ COMMITTED transactions; rows that
// are mutated are locked with SELECT ... FOR UPDATE first.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(p *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: p}
}

// Connect opens a pool and checks the connection.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	slog.Info("connected to database")
	return p, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	if _, err := p.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *PostgresStore) Read(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&pgTx{q: s.pool})
}

type pgTx struct {
	q querier
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const balanceColumns = `id, user_id, points, created_at, updated_at`

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	if err := row.Scan(&b.ID, &b.UserID, &b.Points, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	b, err := scanBalance(t.q.QueryRow(ctx, "SELECT "+balanceColumns+" FROM balances WHERE user_id = $1", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (t *pgTx) EnsureBalance(ctx context.Context, userID uuid.UUID, now time.Time) error {
	query := `
		INSERT INTO balances (id, user_id, points, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := t.q.Exec(ctx, query, uuid.New(), userID, now); err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	b, err := scanBalance(t.q.QueryRow(ctx, "SELECT "+balanceColumns+" FROM balances WHERE user_id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, notFound(err, "balance for user %s not found", userID)
	}
	return b, nil
}

func (t *pgTx) LockBalanceByID(ctx context.Context, balanceID uuid.UUID) (*models.Balance, error) {
	b, err := scanBalance(t.q.QueryRow(ctx, "SELECT "+balanceColumns+" FROM balances WHERE id = $1 FOR UPDATE", balanceID))
	if err != nil {
		return nil, notFound(err, "balance %s not found", balanceID)
	}
	return b, nil
}

func (t *pgTx) SetBalancePoints(ctx context.Context, balanceID uuid.UUID, points int64, now time.Time) error {
	tag, err := t.q.Exec(ctx, "UPDATE balances SET points = $1, updated_at = $2 WHERE id = $3", points, now, balanceID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("balance %s not found", balanceID)
	}
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *models.TransactionEntry) error {
	query := `
		INSERT INTO transaction_entries (id, balance_id, amount, category, description, related_user_id, related_redemption_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.Exec(ctx, query,
		e.ID,
		e.BalanceID,
		e.Amount,
		string(e.Category),
		e.Description,
		e.RelatedUserID,
		e.RelatedRedemptionID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction entry: %w", err)
	}
	return nil
}

func (t *pgTx) ListEntries(ctx context.Context, balanceID uuid.UUID) ([]models.TransactionEntry, error) {
	query := `
		SELECT id, balance_id, amount, category, description, related_user_id, related_redemption_id, created_at
		FROM transaction_entries
		WHERE balance_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := t.q.Query(ctx, query, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction entries: %w", err)
	}
	defer rows.Close()

	entries := []models.TransactionEntry{}
	for rows.Next() {
		var e models.TransactionEntry
		var category string
		err := rows.Scan(
			&e.ID,
			&e.BalanceID,
			&e.Amount,
			&category,
			&e.Description,
			&e.RelatedUserID,
			&e.RelatedRedemptionID,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction entry: %w", err)
		}
		e.Category = models.EntryCategory(category)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) SumEntries(ctx context.Context, balanceID uuid.UUID) (int64, error) {
	var sum int64
	err := t.q.QueryRow(ctx, "SELECT COALESCE(SUM(amount), 0) FROM transaction_entries WHERE balance_id = $1", balanceID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transaction entries: %w", err)
	}
	return sum, nil
}

const eventColumns = `id, title, status, start_at, end_at, total_points, allow_multiple_checkins,
	max_checkins_per_user, checkin_interval_seconds, rotation_seconds, secret, created_at`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID,
		&e.Title,
		&e.Status,
		&e.StartAt,
		&e.EndAt,
		&e.TotalPoints,
		&e.AllowMultipleCheckins,
		&e.MaxCheckinsPerUser,
		&e.CheckinIntervalSeconds,
		&e.RotationSeconds,
		&e.Secret,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *models.Event) error {
	query := `
		INSERT INTO events (id, title, status, start_at, end_at, total_points, allow_multiple_checkins,
			max_checkins_per_user, checkin_interval_seconds, rotation_seconds, secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.q.Exec(ctx, query,
		e.ID,
		e.Title,
		e.Status,
		e.StartAt,
		e.EndAt,
		e.TotalPoints,
		e.AllowMultipleCheckins,
		e.MaxCheckinsPerUser,
		e.CheckinIntervalSeconds,
		e.RotationSeconds,
		e.Secret,
		e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (t *pgTx) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(t.q.QueryRow(ctx, "SELECT "+eventColumns+" FROM events WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "event %s not found", id)
	}
	return e, nil
}

func (t *pgTx) LockEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	e, err := scanEvent(t.q.QueryRow(ctx, "SELECT "+eventColumns+" FROM events WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "event %s not found", id)
	}
	return e, nil
}

func (t *pgTx) SetEventStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := t.q.Exec(ctx, "UPDATE events SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("event %s not found", id)
	}
	return nil
}

func (t *pgTx) queryCheckins(ctx context.Context, query string, args ...any) ([]models.Checkin, error) {
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list check-ins: %w", err)
	}
	defer rows.Close()

	checkins := []models.Checkin{}
	for rows.Next() {
		var c models.Checkin
		err := rows.Scan(
			&c.ID,
			&c.EventID,
			&c.UserID,
			&c.Sequence,
			&c.CheckinNumber,
			&c.PointsAwarded,
			&c.CheckedInAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check-in: %w", err)
		}
		checkins = append(checkins, c)
	}
	return checkins, rows.Err()
}

func (t *pgTx) ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.Checkin, error) {
	query := `
		SELECT id, event_id, user_id, sequence, checkin_number, points_awarded, checked_in_at
		FROM checkins
		WHERE event_id = $1
		ORDER BY checked_in_at DESC
	`
	return t.queryCheckins(ctx, query, eventID)
}

func (t *pgTx) ListUserCheckins(ctx context.Context, eventID, userID uuid.UUID) ([]models.Checkin, error) {
	query := `
		SELECT id, event_id, user_id, sequence, checkin_number, points_awarded, checked_in_at
		FROM checkins
		WHERE event_id = $1 AND user_id = $2
		ORDER BY checked_in_at DESC
	`
	return t.queryCheckins(ctx, query, eventID, userID)
}

func (t *pgTx) InsertCheckin(ctx context.Context, c *models.Checkin) error {
	query := `
		INSERT INTO checkins (id, event_id, user_id, sequence, checkin_number, points_awarded, checked_in_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.q.Exec(ctx, query, c.ID, c.EventID, c.UserID, c.Sequence, c.CheckinNumber, c.PointsAwarded, c.CheckedInAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert check-in: %w", err)
	}
	return nil
}

const tokenColumns = `context_id, sequence, order_id, payload, expires_at, created_at`

func scanToken(row pgx.Row) (*models.Token, error) {
	var tok models.Token
	if err := row.Scan(&tok.ContextID, &tok.Sequence, &tok.OrderID, &tok.Payload, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *pgTx) GetToken(ctx context.Context, contextID uuid.UUID, sequence int64) (*models.Token, error) {
	tok, err := scanToken(t.q.QueryRow(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE context_id = $1 AND sequence = $2", contextID, sequence))
	if err != nil {
		return nil, notFound(err, "token not found")
	}
	return tok, nil
}

func (t *pgTx) GetTokenByOrder(ctx context.Context, orderID uuid.UUID) (*models.Token, error) {
	tok, err := scanToken(t.q.QueryRow(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE order_id = $1", orderID))
	if err != nil {
		return nil, notFound(err, "token not found")
	}
	return tok, nil
}

func (t *pgTx) InsertToken(ctx context.Context, tok *models.Token) (bool, error) {
	query := `
		INSERT INTO tokens (context_id, sequence, order_id, payload, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_id, sequence) DO NOTHING
	`
	tag, err := t.q.Exec(ctx, query, tok.ContextID, tok.Sequence, tok.OrderID, tok.Payload, tok.ExpiresAt, tok.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertKiosk(ctx context.Context, k *models.Kiosk) error {
	query := `
		INSERT INTO kiosks (id, name, active, secret, token_sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.q.Exec(ctx, query, k.ID, k.Name, k.Active, k.Secret, k.TokenSequence, k.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert kiosk: %w", err)
	}
	return nil
}

func (t *pgTx) GetKiosk(ctx context.Context, id uuid.UUID) (*models.Kiosk, error) {
	var k models.Kiosk
	err := t.q.QueryRow(ctx, "SELECT id, name, active, secret, token_sequence, created_at FROM kiosks WHERE id = $1", id).
		Scan(&k.ID, &k.Name, &k.Active, &k.Secret, &k.TokenSequence, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err, "kiosk %s not found", id)
	}
	return &k, nil
}

func (t *pgTx) NextKioskSequence(ctx context.Context, kioskID uuid.UUID) (int64, error) {
	var seq int64
	err := t.q.QueryRow(ctx, "UPDATE kiosks SET token_sequence = token_sequence + 1 WHERE id = $1 RETURNING token_sequence", kioskID).Scan(&seq)
	if err != nil {
		return 0, notFound(err, "kiosk %s not found", kioskID)
	}
	return seq, nil
}

const productColumns = `id, name, unit_price, stock, active, offer_ends_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.Active, &p.OfferEndsAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(t.q.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "product %s not found", id)
	}
	return p, nil
}

func (t *pgTx) LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(t.q.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFound(err, "product %s not found", id)
	}
	return p, nil
}

func (t *pgTx) SetProductStock(ctx context.Context, id uuid.UUID, stock int) error {
	tag, err := t.q.Exec(ctx, "UPDATE products SET stock = $1 WHERE id = $2", stock, id)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("product %s not found", id)
	}
	return nil
}

func (t *pgTx) InsertStockMovement(ctx context.Context, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements (id, product_id, delta, reason, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := t.q.Exec(ctx, query, m.ID, m.ProductID, m.Delta, m.Reason, m.OrderID, m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert stock movement: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (id, source, kiosk_id, buyer_id, total_points, status, expires_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query,
		o.ID,
		o.Source,
		o.KioskID,
		o.BuyerID,
		o.TotalPoints,
		o.Status,
		o.ExpiresAt,
		o.CompletedAt,
		o.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err := t.q.Exec(ctx,
			"INSERT INTO order_items (id, order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4, $5)",
			item.ID, o.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) loadOrder(ctx context.Context, query string, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	err := t.q.QueryRow(ctx, query, id).Scan(
		&o.ID,
		&o.Source,
		&o.KioskID,
		&o.BuyerID,
		&o.TotalPoints,
		&o.Status,
		&o.ExpiresAt,
		&o.CompletedAt,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "order %s not found", id)
	}

	rows, err := t.q.Query(ctx, "SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY product_id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	defer rows.Close()

	o.Items = []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

const orderSelect = `SELECT id, source, kiosk_id, buyer_id, total_points, status, expires_at, completed_at, created_at FROM orders WHERE id = $1`

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return t.loadOrder(ctx, orderSelect, id)
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return t.loadOrder(ctx, orderSelect+" FOR UPDATE", id)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.q.Exec(ctx, "UPDATE orders SET status = $1, buyer_id = $2, completed_at = $3 WHERE id = $4",
		o.Status, o.BuyerID, o.CompletedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order %s not found", o.ID)
	}
	return nil
}

func (t *pgTx) UpsertCartItem(ctx context.Context, item models.CartItem) error {
	query := `
		INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`
	if _, err := t.q.Exec(ctx, query, item.UserID, item.ProductID, item.Quantity); err != nil {
		return fmt.Errorf("failed to upsert cart item: %w", err)
	}
	return nil
}

func (t *pgTx) ListCartItems(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	rows, err := t.q.Query(ctx, "SELECT user_id, product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.UserID, &item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *pgTx) ClearCart(ctx context.Context, userID uuid.UUID) error {
	if _, err := t.q.Exec(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
