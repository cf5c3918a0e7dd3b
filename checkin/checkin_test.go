package checkin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-backend/apperr"
	"loyalty-backend/ledger"
	"loyalty-backend/models"
	"loyalty-backend/store"
	"loyalty-backend/token"
	"loyalty-backend/users"
)

var start = time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func (c *clock) set(offset time.Duration) { c.t = start.Add(offset) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	clock   *clock
	store   *store.MemoryStore
	dir     *users.Static
	ledger  *ledger.Ledger
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: start}
	s := store.NewMemoryStore()
	dir := users.NewStatic()
	l := ledger.New(s, dir, ledger.WithClock(clk.now), ledger.WithLogger(quiet()))
	p := token.New(s, token.EventShape{}, token.WithClock(clk.now), token.WithLogger(quiet()))
	svc := New(s, dir, l, p, WithClock(clk.now), WithLogger(quiet()))
	return &fixture{clock: clk, store: s, dir: dir, ledger: l, service: svc}
}

func (f *fixture) event(t *testing.T, req models.CreateEventRequest) *models.Event {
	t.Helper()
	if req.Title == "" {
		req.Title = "Friday session"
	}
	if req.StartAt.IsZero() {
		req.StartAt = start
		req.EndAt = start.Add(3 * time.Hour)
	}
	e, err := f.service.CreateEvent(context.Background(), req)
	require.NoError(t, err)
	return e
}

func (f *fixture) scan(t *testing.T, eventID uuid.UUID) string {
	t.Helper()
	tok, err := f.service.CurrentToken(context.Background(), eventID)
	require.NoError(t, err)
	return tok.Payload
}

func TestAwardSplit(t *testing.T) {
	multi := &models.Event{TotalPoints: 100, AllowMultipleCheckins: true, MaxCheckinsPerUser: 3}
	assert.Equal(t, int64(33), Award(multi, 1))
	assert.Equal(t, int64(33), Award(multi, 2))
	assert.Equal(t, int64(34), Award(multi, 3))

	single := &models.Event{TotalPoints: 100}
	assert.Equal(t, int64(100), Award(single, 1))

	for _, limit := range []int{1, 2, 3, 7, 9, 100, 101} {
		e := &models.Event{TotalPoints: 100, AllowMultipleCheckins: true, MaxCheckinsPerUser: limit}
		var sum int64
		for n := 1; n <= limit; n++ {
			sum += Award(e, n)
		}
		assert.Equal(t, int64(100), sum, "limit=%d", limit)
	}
}

func TestEvaluateGuards(t *testing.T) {
	active := func(mut func(e *models.Event)) *models.Event {
		e := &models.Event{
			Status:                 models.EventStatusActive,
			StartAt:                start,
			EndAt:                  start.Add(time.Hour),
			TotalPoints:            90,
			AllowMultipleCheckins:  true,
			MaxCheckinsPerUser:     3,
			CheckinIntervalSeconds: 300,
		}
		if mut != nil {
			mut(e)
		}
		return e
	}
	prior := func(ago ...time.Duration) []models.Checkin {
		var out []models.Checkin
		for _, a := range ago {
			out = append(out, models.Checkin{CheckedInAt: start.Add(30*time.Minute - a)})
		}
		return out
	}
	at := start.Add(30 * time.Minute)

	tests := []struct {
		name  string
		event *models.Event
		prior []models.Checkin
		now   time.Time
		want  error
		wait  int
	}{
		{"first check-in", active(nil), nil, at, nil, 0},
		{"cancelled", active(func(e *models.Event) { e.Status = models.EventStatusCancelled }), nil, at, apperr.ErrInvalidOperation, 0},
		{"not started", active(nil), nil, start.Add(-time.Second), apperr.ErrInvalidOperation, 0},
		{"ended", active(nil), nil, start.Add(2 * time.Hour), apperr.ErrExpired, 0},
		{"single already used", active(func(e *models.Event) { e.AllowMultipleCheckins = false }), prior(time.Hour), at, apperr.ErrAlreadyProcessed, 0},
		{"limit reached", active(nil), prior(10*time.Minute, 20*time.Minute, 30*time.Minute), at, apperr.ErrAlreadyProcessed, 0},
		{"interval not elapsed", active(nil), prior(100 * time.Second), at, apperr.ErrRateLimited, 200},
		{"sub-second rounds up", active(nil), prior(299*time.Second + 500*time.Millisecond), at, apperr.ErrRateLimited, 1},
		{"interval elapsed", active(nil), prior(5 * time.Minute), at, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.event, tt.prior, tt.now)
			if tt.want == nil {
				require.NoError(t, d.Err)
				assert.Equal(t, Award(tt.event, len(tt.prior)+1), d.Award)
				return
			}
			assert.ErrorIs(t, d.Err, tt.want)
			assert.Equal(t, tt.wait, d.WaitSeconds)
			assert.Zero(t, d.Award)
		})
	}
}

func TestCurrentTokenRotation(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, models.CreateEventRequest{TotalPoints: 10, RotationSeconds: 30})

	f.clock.set(45 * time.Second)
	tok, err := f.service.CurrentToken(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tok.Sequence)
	assert.Equal(t, start.Add(60*time.Second), tok.ExpiresAt)

	f.clock.set(59 * time.Second)
	again, err := f.service.CurrentToken(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.Payload, again.Payload)

	f.clock.set(-time.Minute)
	_, err = f.service.CurrentToken(context.Background(), e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestFractionalStartKeepsWindowsOnWholeSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offset := 600 * time.Millisecond
	e := f.event(t, models.CreateEventRequest{
		TotalPoints:     10,
		RotationSeconds: 30,
		StartAt:         start.Add(offset),
		EndAt:           start.Add(time.Hour + offset),
	})
	assert.Equal(t, start, e.StartAt)
	assert.Equal(t, start.Add(time.Hour), e.EndAt)
	alice := f.dir.Add(uuid.New(), "alice")

	// Last fraction of the window as the requested start would have drawn it.
	f.clock.set(offset + 29800*time.Millisecond)
	tok, err := f.service.CurrentToken(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ExpiresAt.Truncate(time.Second), tok.ExpiresAt)
	assert.True(t, f.clock.now().Before(tok.ExpiresAt))

	res, err := f.service.CheckIn(ctx, alice, tok.Payload)
	require.NoError(t, err)
	assert.Equal(t, tok.Sequence, res.Checkin.Sequence)
}

func TestCurrentTokenAfterEndCompletesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{TotalPoints: 10})

	f.clock.set(4 * time.Hour)
	_, err := f.service.CurrentToken(ctx, e.ID)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	stored, err := f.service.getEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, stored.Status)
}

func TestSingleCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{TotalPoints: 50})
	alice := f.dir.Add(uuid.New(), "alice")

	f.clock.set(10 * time.Second)
	res, err := f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checkin.CheckinNumber)
	assert.Equal(t, int64(50), res.Checkin.PointsAwarded)
	assert.Equal(t, int64(50), res.Balance.Points)
	require.NotNil(t, res.Entry)
	assert.Equal(t, models.CategoryEventAward, res.Entry.Category)
	assert.Equal(t, res.Checkin.ID, *res.Entry.RelatedRedemptionID)

	f.clock.advance(time.Minute)
	_, err = f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(50), points)
}

func TestMultiCheckInAwardsSumToTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{
		TotalPoints:            100,
		AllowMultipleCheckins:  true,
		MaxCheckinsPerUser:     3,
		CheckinIntervalSeconds: 60,
		RotationSeconds:        30,
	})
	alice := f.dir.Add(uuid.New(), "alice")

	var awards []int64
	for i := 0; i < 3; i++ {
		res, err := f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
		require.NoError(t, err, "check-in %d", i+1)
		assert.Equal(t, i+1, res.Checkin.CheckinNumber)
		awards = append(awards, res.Checkin.PointsAwarded)
		f.clock.advance(61 * time.Second)
	}
	assert.Equal(t, []int64{33, 33, 34}, awards)

	_, err := f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), points)

	r, err := f.ledger.Reconcile(ctx, alice)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
}

func TestReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{
		TotalPoints:           30,
		AllowMultipleCheckins: true,
		MaxCheckinsPerUser:    3,
		RotationSeconds:       60,
	})
	alice := f.dir.Add(uuid.New(), "alice")
	bob := f.dir.Add(uuid.New(), "bob")

	payload := f.scan(t, e.ID)
	_, err := f.service.CheckIn(ctx, alice, payload)
	require.NoError(t, err)

	f.clock.advance(10 * time.Second)
	_, err = f.service.CheckIn(ctx, alice, payload)
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)

	// Another member may use the same displayed code.
	_, err = f.service.CheckIn(ctx, bob, payload)
	require.NoError(t, err)

	checkins, err := f.service.ListCheckins(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, checkins, 2)
}

func TestCheckInRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{
		TotalPoints:            90,
		AllowMultipleCheckins:  true,
		MaxCheckinsPerUser:     3,
		CheckinIntervalSeconds: 120,
		RotationSeconds:        30,
	})
	alice := f.dir.Add(uuid.New(), "alice")

	_, err := f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
	require.NoError(t, err)

	f.clock.advance(40 * time.Second)
	_, err = f.service.CheckIn(ctx, alice, f.scan(t, e.ID))
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 80, appErr.RetryAfter)

	st, err := f.service.Status(ctx, e.ID, alice)
	require.NoError(t, err)
	assert.False(t, st.CanCheckIn)
	assert.Equal(t, 80, st.WaitSeconds)
	assert.Equal(t, 2, st.RemainingCheckins)
	assert.Equal(t, int64(30), st.PointsEarned)
}

func TestCheckInTokenRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.event(t, models.CreateEventRequest{TotalPoints: 10, RotationSeconds: 30})
	alice := f.dir.Add(uuid.New(), "alice")

	payload := f.scan(t, e.ID)

	_, err := f.service.CheckIn(ctx, uuid.New(), payload)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.service.CheckIn(ctx, alice, "garbage")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	f.clock.advance(30 * time.Second)
	_, err = f.service.CheckIn(ctx, alice, payload)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, points)
}

func TestStatusBeforeCheckIn(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, models.CreateEventRequest{
		TotalPoints:           100,
		AllowMultipleCheckins: true,
		MaxCheckinsPerUser:    3,
	})
	alice := f.dir.Add(uuid.New(), "alice")

	st, err := f.service.Status(context.Background(), e.ID, alice)
	require.NoError(t, err)
	assert.True(t, st.CanCheckIn)
	assert.Equal(t, 3, st.RemainingCheckins)
	assert.Equal(t, int64(33), st.NextAward)
	assert.Empty(t, st.Reason)
}

func TestCreateEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateEvent(ctx, models.CreateEventRequest{Title: "x", StartAt: start, EndAt: start})
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	_, err = f.service.CreateEvent(ctx, models.CreateEventRequest{
		Title: "x", StartAt: start, EndAt: start.Add(time.Hour), AllowMultipleCheckins: true,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	e, err := f.service.CreateEvent(ctx, models.CreateEventRequest{Title: "x", StartAt: start, EndAt: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, DefaultRotationSeconds, e.RotationSeconds)
	assert.Equal(t, 1, e.MaxCheckinsPerUser)
	assert.Len(t, e.Secret, token.SecretSize)
}
