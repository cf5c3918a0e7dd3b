// Package checkin runs event check-ins: it serves the rotating QR token for
// an event and redeems scanned tokens into point awards.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

const DefaultRotationSeconds = 30

type Service struct {
	store           store.Store
	users           users.Directory
	ledger          *ledger.Ledger
	tokens          *token.Protocol
	notifier        notify.Notifier
	now             func() time.Time
	logger          *slog.Logger
	defaultRotation int
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

// WithDefaultRotation sets the rotation used when an event is created
// without one.
func WithDefaultRotation(seconds int) Option {
	return func(s *Service) {
		if seconds > 0 {
			s.defaultRotation = seconds
		}
	}
}

// New builds the check-in service. tokens must use token.EventShape.
func New(st store.Store, dir users.Directory, l *ledger.Ledger, tokens *token.Protocol, opts ...Option) *Service {
	s := &Service{
		store:           st,
		users:           dir,
		ledger:          l,
		tokens:          tokens,
		notifier:        notify.Discard{},
		now:             time.Now,
		logger:          slog.Default(),
		defaultRotation: DefaultRotationSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "checkin")
	return s
}

func (s *Service) CreateEvent(ctx context.Context, req models.CreateEventRequest) (*models.Event, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.InvalidOperation("title is required")
	}
	// Signed expiries are whole Unix seconds, so windows must start on one.
	startAt := req.StartAt.Truncate(time.Second)
	endAt := req.EndAt.Truncate(time.Second)
	if !endAt.After(startAt) {
		return nil, apperr.InvalidOperation("end_at must be after start_at")
	}
	if req.TotalPoints < 0 {
		return nil, apperr.InvalidOperation("total_points must not be negative")
	}
	if req.CheckinIntervalSeconds < 0 {
		return nil, apperr.InvalidOperation("checkin_interval_seconds must not be negative")
	}
	rotation := req.RotationSeconds
	if rotation == 0 {
		rotation = s.defaultRotation
	}
	if rotation < 0 {
		return nil, apperr.InvalidOperation("rotation_seconds must be positive")
	}
	maxCheckins := 1
	if req.AllowMultipleCheckins {
		if req.MaxCheckinsPerUser < 1 {
			return nil, apperr.InvalidOperation("max_checkins_per_user must be at least 1")
		}
		maxCheckins = req.MaxCheckinsPerUser
	}

	secret, err := token.NewSecret()
	if err != nil {
		return nil, err
	}
	e := &models.Event{
		ID:                     uuid.New(),
		Title:                  title,
		Status:                 models.EventStatusActive,
		StartAt:                startAt,
		EndAt:                  endAt,
		TotalPoints:            req.TotalPoints,
		AllowMultipleCheckins:  req.AllowMultipleCheckins,
		MaxCheckinsPerUser:     maxCheckins,
		CheckinIntervalSeconds: req.CheckinIntervalSeconds,
		RotationSeconds:        rotation,
		Secret:                 secret,
		CreatedAt:              s.now(),
	}
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertEvent(ctx, e)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("event created", "event_id", e.ID, "title", e.Title, "total_points", e.TotalPoints)
	return e, nil
}

func (s *Service) getEvent(ctx context.Context, eventID uuid.UUID) (*models.Event, error) {
	var e *models.Event
	err := s.store.Read(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEvent(ctx, eventID)
		return err
	})
	return e, err
}

// complete marks an ended event COMPLETED. It is housekeeping only, so a
// failure is logged and otherwise ignored.
func (s *Service) complete(ctx context.Context, e *models.Event) {
	if e.Status != models.EventStatusActive || !s.now().After(e.EndAt) {
		return
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockEvent(ctx, e.ID)
		if err != nil {
			return err
		}
		if current.Status != models.EventStatusActive {
			return nil
		}
		return tx.SetEventStatus(ctx, e.ID, models.EventStatusCompleted)
	})
	if err != nil {
		s.logger.Warn("failed to mark event completed", "event_id", e.ID, "error", err)
		return
	}
	e.Status = models.EventStatusCompleted
	s.logger.Info("event completed", "event_id", e.ID)
}

// CurrentToken returns the token for the rotation window containing now,
// issuing it on first request.
func (s *Service) CurrentToken(ctx context.Context, eventID uuid.UUID) (*models.Token, error) {
	e, err := s.getEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.After(e.EndAt) {
		s.complete(ctx, e)
		return nil, apperr.Expired("event has ended")
	}
	if e.Status != models.EventStatusActive {
		return nil, apperr.InvalidOperation("event is not active")
	}

	seq, expiresAt, err := token.EventWindow(e.StartAt, time.Duration(e.RotationSeconds)*time.Second, now)
	if err != nil {
		return nil, err
	}

	var tok *models.Token
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		tok, err = s.tokens.Issue(ctx, tx, token.Claims{
			ContextID: e.ID,
			Sequence:  seq,
			ExpiresAt: expiresAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Status is a user's check-in standing at an event.
type Status struct {
	EventID           uuid.UUID `json:"event_id"`
	UserID            uuid.UUID `json:"user_id"`
	EventStatus       string    `json:"event_status"`
	CheckinsMade      int       `json:"checkins_made"`
	MaxCheckins       int       `json:"max_checkins"`
	RemainingCheckins int       `json:"remaining_checkins"`
	WaitSeconds       int       `json:"wait_seconds"`
	NextAward         int64     `json:"next_award"`
	PointsEarned      int64     `json:"points_earned"`
	CanCheckIn        bool      `json:"can_check_in"`
	Reason            string    `json:"reason,omitempty"`
}

func (s *Service) Status(ctx context.Context, eventID, userID uuid.UUID) (*Status, error) {
	if err := users.Require(ctx, s.users, userID); err != nil {
		return nil, err
	}

	var e *models.Event
	var prior []models.Checkin
	err := s.store.Read(ctx, func(tx store.Tx) error {
		var err error
		if e, err = tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		prior, err = tx.ListUserCheckins(ctx, eventID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.complete(ctx, e)

	d := Evaluate(e, prior, s.now())
	st := &Status{
		EventID:           e.ID,
		UserID:            userID,
		EventStatus:       e.Status,
		CheckinsMade:      len(prior),
		MaxCheckins:       MaxCheckins(e),
		RemainingCheckins: d.Remaining,
		WaitSeconds:       d.WaitSeconds,
		NextAward:         d.Award,
		CanCheckIn:        d.Err == nil,
	}
	for _, c := range prior {
		st.PointsEarned += c.PointsAwarded
	}
	if d.Err != nil {
		st.Reason = d.Err.Error()
	}
	return st, nil
}

// Result is a successful check-in. Entry is nil when the award was zero.
type Result struct {
	Checkin models.Checkin           `json:"checkin"`
	Entry   *models.TransactionEntry `json:"entry,omitempty"`
	Balance models.Balance           `json:"balance"`
}

// CheckIn redeems a scanned event payload for userID. The check-in record
// and the award are written in one unit.
func (s *Service) CheckIn(ctx context.Context, userID uuid.UUID, payload string) (res *Result, err error) {
	started := time.Now()
	defer func() {
		metrics.RedemptionsTotal.WithLabelValues("checkin", metrics.Outcome(err)).Inc()
		metrics.RedemptionDuration.WithLabelValues("checkin").Observe(time.Since(started).Seconds())
	}()

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

	eventID, seq := v.Claims.ContextID, v.Claims.Sequence
	var event *models.Event
	var out Result
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		// The balance lock serializes this user's check-ins.
		bal, err := s.ledger.LockOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		event, err = tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		prior, err := tx.ListUserCheckins(ctx, eventID, userID)
		if err != nil {
			return err
		}

		now := s.now()
		d := Evaluate(event, prior, now)
		if d.Err != nil {
			return d.Err
		}
		if replayed(prior, seq) {
			return apperr.AlreadyProcessed("this QR code has already been used")
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate check-in id: %w", err)
		}
		c := models.Checkin{
			ID:            id,
			EventID:       eventID,
			UserID:        userID,
			Sequence:      seq,
			CheckinNumber: d.CheckinNumber,
			PointsAwarded: d.Award,
			CheckedInAt:   now,
		}
		if err := tx.InsertCheckin(ctx, &c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.AlreadyProcessed("this QR code has already been used")
			}
			return err
		}

		if d.Award > 0 {
			out.Entry, err = s.ledger.Apply(ctx, tx, bal, ledger.Entry{
				Amount:              d.Award,
				Category:            models.CategoryEventAward,
				Description:         fmt.Sprintf("Check-in %d at %s", d.CheckinNumber, event.Title),
				RelatedRedemptionID: &c.ID,
			})
			if err != nil {
				return err
			}
		}
		out.Checkin = c
		out.Balance = *bal
		return nil
	})
	if err != nil {
		s.logger.Info("check-in rejected", "event_id", eventID, "user_id", userID, "sequence", seq, "error", err)
		return nil, err
	}

	ledger.Observe(out.Entry)
	s.logger.Info("checked in",
		"event_id", eventID,
		"user_id", userID,
		"checkin_number", out.Checkin.CheckinNumber,
		"points", out.Checkin.PointsAwarded,
	)
	s.notifier.Notify(notify.Notification{
		UserID: userID,
		Kind:   notify.KindCheckin,
		Title:  "Checked in",
		Body:   fmt.Sprintf("You earned %d points at %s", out.Checkin.PointsAwarded, event.Title),
		Data: map[string]any{
			"event_id":       eventID,
			"checkin_number": out.Checkin.CheckinNumber,
			"points":         out.Checkin.PointsAwarded,
		},
	})
	return &out, nil
}

// ListCheckins returns every check-in of an event, newest first.
func (s *Service) ListCheckins(ctx context.Context, eventID uuid.UUID) ([]models.Checkin, error) {
	checkins := []models.Checkin{}
	err := s.store.Read(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		list, err := tx.ListCheckins(ctx, eventID)
		if err != nil {
			return err
		}
		if list != nil {
			checkins = list
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checkins, nil
}
