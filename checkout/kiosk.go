package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/ledger"
	"loyalty-backend/models"
	"loyalty-backend/notify"
	"loyalty-backend/store"
	"loyalty-backend/token"
	"loyalty-backend/users"
)

func (s *Service) CreateKiosk(ctx context.Context, name string) (*models.Kiosk, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidOperation("kiosk name is required")
	}
	secret, err := token.NewSecret()
	if err != nil {
		return nil, err
	}
	k := &models.Kiosk{
		ID:        uuid.New(),
		Name:      name,
		Active:    true,
		Secret:    secret,
		CreatedAt: s.now(),
	}
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertKiosk(ctx, k)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("kiosk created", "kiosk_id", k.ID, "name", k.Name)
	return k, nil
}

type KioskOrder struct {
	Order models.Order `json:"order"`
	Token models.Token `json:"token"`
}

// CreateKioskOrder opens a pending order at a kiosk and issues its payment
// token. Stock is only checked here; it is taken when the order is paid.
func (s *Service) CreateKioskOrder(ctx context.Context, kioskID uuid.UUID, items []models.LineItem) (*KioskOrder, error) {
	var out KioskOrder
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		kiosk, err := tx.GetKiosk(ctx, kioskID)
		if err != nil {
			return err
		}
		if !kiosk.Active {
			return apperr.InvalidOperation("kiosk is not active")
		}
		lines, total, err := s.price(ctx, tx, items, false)
		if err != nil {
			return err
		}
		if total <= 0 {
			return apperr.InvalidOperation("order total must be positive")
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate order id: %w", err)
		}
		now := s.now()
		// Payloads carry whole seconds.
		expiresAt := now.Add(s.orderTTL).Truncate(time.Second)
		order := models.Order{
			ID:          id,
			Source:      models.OrderSourceKiosk,
			KioskID:     &kiosk.ID,
			TotalPoints: total,
			Status:      models.OrderStatusPending,
			ExpiresAt:   &expiresAt,
			CreatedAt:   now,
		}
		if order.Items, err = orderItems(id, lines); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}

		seq, err := tx.NextKioskSequence(ctx, kiosk.ID)
		if err != nil {
			return err
		}
		tok, err := s.tokens.Issue(ctx, tx, token.Claims{
			ContextID:   kiosk.ID,
			Sequence:    seq,
			ExpiresAt:   expiresAt,
			OrderID:     order.ID,
			TotalPoints: total,
		})
		if err != nil {
			return err
		}
		out = KioskOrder{Order: order, Token: *tok}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("kiosk order created",
		"kiosk_id", kioskID,
		"order_id", out.Order.ID,
		"total_points", out.Order.TotalPoints,
		"expires_at", out.Order.ExpiresAt,
	)
	return &out, nil
}

// PayKioskOrder redeems a scanned kiosk payload: the buyer is debited, the
// stock is taken and the order completes, all in one unit.
func (s *Service) PayKioskOrder(ctx context.Context, userID uuid.UUID, payload string) (order *models.Order, err error) {
	started := time.Now()
	defer func() { observe("kiosk", started, err) }()

	v, err := s.tokens.Validate(ctx, payload)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, v.Err()
	}
	if err := users.Require(ctx, s.users, userID); err != nil {
		return nil, err
	}
	orderID := v.Claims.OrderID

	// Pre-flight outside the unit.
	err = s.store.Read(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if _, _, err := s.price(ctx, tx, lineItems(o.Items), false); err != nil {
			return err
		}
		return checkFunds(ctx, tx, userID, o.TotalPoints)
	})
	if err != nil {
		return nil, err
	}

	var entry *models.TransactionEntry
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return apperr.AlreadyProcessed("order is already %s", order.Status)
		}
		now := s.now()
		if order.ExpiresAt != nil && !now.Before(*order.ExpiresAt) {
			return apperr.Expired("order expired")
		}

		bal, err := s.ledger.LockOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		lines, _, err := s.price(ctx, tx, lineItems(order.Items), true)
		if err != nil {
			return err
		}
		// The signed total is what the buyer agreed to pay.
		entry, err = s.ledger.Apply(ctx, tx, bal, ledger.Entry{
			Amount:              -order.TotalPoints,
			Category:            models.CategoryPurchaseDebit,
			Description:         "Kiosk purchase",
			RelatedRedemptionID: &order.ID,
		})
		if err != nil {
			return err
		}
		if err := s.takeStock(ctx, tx, lines, order.ID, reasonKioskSale); err != nil {
			return err
		}

		order.Status = models.OrderStatusCompleted
		order.BuyerID = &userID
		order.CompletedAt = &now
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		s.logger.Info("kiosk payment rejected", "user_id", userID, "order_id", orderID, "error", err)
		return nil, err
	}

	ledger.Observe(entry)
	s.logger.Info("kiosk order paid", "user_id", userID, "order_id", order.ID, "total_points", order.TotalPoints)
	s.notifier.Notify(notify.Notification{
		UserID: userID,
		Kind:   notify.KindOrderCompleted,
		Title:  "Payment completed",
		Body:   fmt.Sprintf("You paid %d points", order.TotalPoints),
		Data:   map[string]any{"order_id": order.ID, "total_points": order.TotalPoints},
	})
	return order, nil
}

// OrderStatus returns an order, first marking it expired if it is pending
// past its expiry.
func (s *Service) OrderStatus(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.store.Read(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !s.stale(order) {
		return order, nil
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !s.stale(order) {
			return nil
		}
		order.Status = models.OrderStatusExpired
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusExpired {
		s.logger.Info("kiosk order expired", "order_id", order.ID)
	}
	return order, nil
}

func (s *Service) stale(o *models.Order) bool {
	return o.Status == models.OrderStatusPending && o.ExpiresAt != nil && !s.now().Before(*o.ExpiresAt)
}

// CancelKioskOrder cancels a kiosk order that is still pending.
func (s *Service) CancelKioskOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Source != models.OrderSourceKiosk {
			return apperr.InvalidOperation("only kiosk orders can be cancelled")
		}
		if order.Status != models.OrderStatusPending {
			return apperr.AlreadyProcessed("order is already %s", order.Status)
		}
		order.Status = models.OrderStatusCancelled
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("kiosk order cancelled", "order_id", orderID)
	return order, nil
}
