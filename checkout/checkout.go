// Package checkout spends points on inventory: member cart checkout and
// kiosk payments. Both flows debit the ledger and decrement stock in one
// unit of work, after the same checks have passed outside of it.
package checkout

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/ledger"
	"loyalty-backend/metrics"
	"loyalty-backend/models"
	"loyalty-backend/notify"
	"loyalty-backend/store"
	"loyalty-backend/token"
	"loyalty-backend/users"
)

const DefaultOrderTTL = 5 * time.Minute

const (
	reasonCheckout  = "checkout"
	reasonKioskSale = "kiosk_sale"
)

type Service struct {
	store    store.Store
	users    users.Directory
	ledger   *ledger.Ledger
	tokens   *token.Protocol
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
	orderTTL time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithOrderTTL sets how long a kiosk order and its token stay payable.
func WithOrderTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.orderTTL = ttl
		}
	}
}

// New builds the checkout service. tokens must use token.KioskShape.
func New(st store.Store, dir users.Directory, l *ledger.Ledger, tokens *token.Protocol, opts ...Option) *Service {
	s := &Service{
		store:    st,
		users:    dir,
		ledger:   l,
		tokens:   tokens,
		notifier: notify.Discard{},
		now:      time.Now,
		logger:   slog.Default(),
		orderTTL: DefaultOrderTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "checkout")
	return s
}

// line is a validated, priced line item.
type line struct {
	product  models.Product
	quantity int
}

// price checks items against the catalogue and returns the priced lines in
// product id order with their total. With lock set every product row is
// locked for the rest of the unit, in that same order.
func (s *Service) price(ctx context.Context, tx store.Tx, items []models.LineItem, lock bool) ([]line, int64, error) {
	if len(items) == 0 {
		return nil, 0, apperr.InvalidOperation("no items to purchase")
	}

	qty := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, 0, apperr.InvalidOperation("quantity must be positive")
		}
		qty[it.ProductID] += it.Quantity
	}
	ids := make([]uuid.UUID, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	now := s.now()
	lines := make([]line, 0, len(ids))
	var total int64
	for _, id := range ids {
		var p *models.Product
		var err error
		if lock {
			p, err = tx.LockProduct(ctx, id)
		} else {
			p, err = tx.GetProduct(ctx, id)
		}
		if err != nil {
			return nil, 0, err
		}
		if !p.Active {
			return nil, 0, apperr.InvalidOperation("%s is not available", p.Name)
		}
		if p.OfferEndsAt != nil && now.After(*p.OfferEndsAt) {
			return nil, 0, apperr.Expired("offer for %s has ended", p.Name)
		}
		if p.Stock < qty[id] {
			return nil, 0, apperr.InsufficientStock(p.Name, p.Stock, qty[id])
		}
		lines = append(lines, line{product: *p, quantity: qty[id]})
		total += p.UnitPrice * int64(qty[id])
	}
	return lines, total, nil
}

// takeStock decrements stock for every line and records the movements.
func (s *Service) takeStock(ctx context.Context, tx store.Tx, lines []line, orderID uuid.UUID, reason string) error {
	now := s.now()
	for _, l := range lines {
		if err := tx.SetProductStock(ctx, l.product.ID, l.product.Stock-l.quantity); err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate stock movement id: %w", err)
		}
		if err := tx.InsertStockMovement(ctx, &models.StockMovement{
			ID:        id,
			ProductID: l.product.ID,
			Delta:     -l.quantity,
			Reason:    reason,
			OrderID:   &orderID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func orderItems(orderID uuid.UUID, lines []line) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, l := range lines {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate order item id: %w", err)
		}
		items = append(items, models.OrderItem{
			ID:        id,
			OrderID:   orderID,
			ProductID: l.product.ID,
			Quantity:  l.quantity,
			UnitPrice: l.product.UnitPrice,
		})
	}
	return items, nil
}

func lineItems(items []models.OrderItem) []models.LineItem {
	out := make([]models.LineItem, 0, len(items))
	for _, it := range items {
		out = append(out, models.LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func cartLineItems(items []models.CartItem) []models.LineItem {
	out := make([]models.LineItem, 0, len(items))
	for _, it := range items {
		out = append(out, models.LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func observe(flow string, started time.Time, err error) {
	metrics.RedemptionsTotal.WithLabelValues(flow, metrics.Outcome(err)).Inc()
	metrics.RedemptionDuration.WithLabelValues(flow).Observe(time.Since(started).Seconds())
}
