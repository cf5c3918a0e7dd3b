package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/ledger"
	"loyalty-backend/models"
	"loyalty-backend/notify"
	"loyalty-backend/store"
	"loyalty-backend/users"
)

type CartLine struct {
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	UnitPrice int64     `json:"unit_price"`
	Quantity  int       `json:"quantity"`
	Subtotal  int64     `json:"subtotal"`
}

type Cart struct {
	UserID uuid.UUID  `json:"user_id"`
	Items  []CartLine `json:"items"`
	Total  int64      `json:"total"`
}

// AddToCart sets the quantity of a product in the user's cart.
func (s *Service) AddToCart(ctx context.Context, userID, productID uuid.UUID, quantity int) (*Cart, error) {
	if quantity <= 0 {
		return nil, apperr.InvalidOperation("quantity must be positive")
	}
	if err := users.Require(ctx, s.users, userID); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if !p.Active {
			return apperr.InvalidOperation("%s is not available", p.Name)
		}
		return tx.UpsertCartItem(ctx, models.CartItem{UserID: userID, ProductID: productID, Quantity: quantity})
	})
	if err != nil {
		return nil, err
	}
	return s.Cart(ctx, userID)
}

func (s *Service) Cart(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	cart := &Cart{UserID: userID, Items: []CartLine{}}
	err := s.store.Read(ctx, func(tx store.Tx) error {
		items, err := tx.ListCartItems(ctx, userID)
		if err != nil {
			return err
		}
		for _, it := range items {
			p, err := tx.GetProduct(ctx, it.ProductID)
			if err != nil {
				return err
			}
			sub := p.UnitPrice * int64(it.Quantity)
			cart.Items = append(cart.Items, CartLine{
				ProductID: p.ID,
				Name:      p.Name,
				UnitPrice: p.UnitPrice,
				Quantity:  it.Quantity,
				Subtotal:  sub,
			})
			cart.Total += sub
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// Checkout buys the user's whole cart. The order, its items, the debit, the
// stock decrements and the emptied cart commit together or not at all.
func (s *Service) Checkout(ctx context.Context, userID uuid.UUID) (order *models.Order, err error) {
	started := time.Now()
	defer func() { observe("checkout", started, err) }()

	if err := users.Require(ctx, s.users, userID); err != nil {
		return nil, err
	}

	// Pre-flight outside the unit.
	err = s.store.Read(ctx, func(tx store.Tx) error {
		items, err := tx.ListCartItems(ctx, userID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return apperr.InvalidOperation("cart is empty")
		}
		_, total, err := s.price(ctx, tx, cartLineItems(items), false)
		if err != nil {
			return err
		}
		return checkFunds(ctx, tx, userID, total)
	})
	if err != nil {
		return nil, err
	}

	var entry *models.TransactionEntry
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		bal, err := s.ledger.LockOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		items, err := tx.ListCartItems(ctx, userID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return apperr.InvalidOperation("cart is empty")
		}
		lines, total, err := s.price(ctx, tx, cartLineItems(items), true)
		if err != nil {
			return err
		}
		if bal.Points < total {
			return apperr.InsufficientBalance(bal.Points, total)
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate order id: %w", err)
		}
		now := s.now()
		order = &models.Order{
			ID:          id,
			Source:      models.OrderSourceCart,
			BuyerID:     &userID,
			TotalPoints: total,
			Status:      models.OrderStatusCompleted,
			CompletedAt: &now,
			CreatedAt:   now,
		}
		if order.Items, err = orderItems(id, lines); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if total > 0 {
			entry, err = s.ledger.Apply(ctx, tx, bal, ledger.Entry{
				Amount:              -total,
				Category:            models.CategoryPurchaseDebit,
				Description:         "Store purchase",
				RelatedRedemptionID: &order.ID,
			})
			if err != nil {
				return err
			}
		}
		if err := s.takeStock(ctx, tx, lines, order.ID, reasonCheckout); err != nil {
			return err
		}
		return tx.ClearCart(ctx, userID)
	})
	if err != nil {
		s.logger.Info("checkout rejected", "user_id", userID, "error", err)
		return nil, err
	}

	ledger.Observe(entry)
	s.logger.Info("checkout completed", "user_id", userID, "order_id", order.ID, "total_points", order.TotalPoints)
	s.notifier.Notify(notify.Notification{
		UserID: userID,
		Kind:   notify.KindOrderCompleted,
		Title:  "Order completed",
		Body:   fmt.Sprintf("You spent %d points", order.TotalPoints),
		Data:   map[string]any{"order_id": order.ID, "total_points": order.TotalPoints},
	})
	return order, nil
}

// checkFunds fails with InsufficientBalance when the user cannot pay total.
func checkFunds(ctx context.Context, tx store.Tx, userID uuid.UUID, total int64) error {
	bal, err := tx.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	var have int64
	if bal != nil {
		have = bal.Points
	}
	if have < total {
		return apperr.InsufficientBalance(have, total)
	}
	return nil
}
