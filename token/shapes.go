package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
	"loyalty-backend/store"
)

// EventShape signs {event_id, sequence, expires_at}. Event tokens rotate on
// a fixed grid anchored at the event start.
type EventShape struct{}

func (EventShape) Kind() string { return "event" }

func (EventShape) Fields(c Claims) map[string]any {
	return map[string]any{
		"event_id":   c.ContextID.String(),
		"sequence":   c.Sequence,
		"expires_at": c.ExpiresAt.Unix(),
	}
}

func (EventShape) Parse(fields map[string]any) (Claims, error) {
	var c Claims
	var err error
	if c.ContextID, err = uuidField(fields, "event_id"); err != nil {
		return Claims{}, err
	}
	if c.Sequence, err = intField(fields, "sequence"); err != nil {
		return Claims{}, err
	}
	if c.Sequence < 0 {
		return Claims{}, errors.New("negative sequence")
	}
	exp, err := intField(fields, "expires_at")
	if err != nil {
		return Claims{}, err
	}
	c.ExpiresAt = time.Unix(exp, 0)
	return c, nil
}

func (EventShape) Secret(ctx context.Context, tx store.Tx, eventID uuid.UUID) ([]byte, error) {
	e, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.Secret, nil
}

func (EventShape) Lookup(ctx context.Context, tx store.Tx, c Claims) (*models.Token, error) {
	return tx.GetToken(ctx, c.ContextID, c.Sequence)
}

// Redeemable is always true for events; per-user replay is guarded by the
// check-in records.
func (EventShape) Redeemable(context.Context, store.Tx, Claims) (bool, error) {
	return true, nil
}

// KioskShape signs {kyosk_id, order_id, total_points, expires_at}. There is
// one token per order and it stays redeemable while the order is pending.
type KioskShape struct{}

func (KioskShape) Kind() string { return "kiosk" }

func (KioskShape) Fields(c Claims) map[string]any {
	return map[string]any{
		"kyosk_id":     c.ContextID.String(),
		"order_id":     c.OrderID.String(),
		"total_points": c.TotalPoints,
		"expires_at":   c.ExpiresAt.Unix(),
	}
}

func (KioskShape) Parse(fields map[string]any) (Claims, error) {
	var c Claims
	var err error
	if c.ContextID, err = uuidField(fields, "kyosk_id"); err != nil {
		return Claims{}, err
	}
	if c.OrderID, err = uuidField(fields, "order_id"); err != nil {
		return Claims{}, err
	}
	if c.TotalPoints, err = intField(fields, "total_points"); err != nil {
		return Claims{}, err
	}
	exp, err := intField(fields, "expires_at")
	if err != nil {
		return Claims{}, err
	}
	c.ExpiresAt = time.Unix(exp, 0)
	return c, nil
}

func (KioskShape) Secret(ctx context.Context, tx store.Tx, kioskID uuid.UUID) ([]byte, error) {
	k, err := tx.GetKiosk(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	return k.Secret, nil
}

func (KioskShape) Lookup(ctx context.Context, tx store.Tx, c Claims) (*models.Token, error) {
	tok, err := tx.GetTokenByOrder(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	if tok.ContextID != c.ContextID {
		return nil, apperr.NotFound("token not found")
	}
	return tok, nil
}

func (KioskShape) Redeemable(ctx context.Context, tx store.Tx, c Claims) (bool, error) {
	o, err := tx.GetOrder(ctx, c.OrderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.Status == models.OrderStatusPending, nil
}

// EventWindow returns the rotation sequence current at now and the moment it
// expires. sequence = floor((now - start) / rotation).
func EventWindow(start time.Time, rotation time.Duration, now time.Time) (int64, time.Time, error) {
	if rotation <= 0 {
		return 0, time.Time{}, apperr.InvalidOperation("rotation must be positive")
	}
	if now.Before(start) {
		return 0, time.Time{}, apperr.InvalidOperation("event has not started yet")
	}
	seq := int64(now.Sub(start) / rotation)
	return seq, start.Add(time.Duration(seq+1) * rotation), nil
}
