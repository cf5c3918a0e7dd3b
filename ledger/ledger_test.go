package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
	"loyalty-backend/store"
	"loyalty-backend/users"
)

type fixture struct {
	store  *store.MemoryStore
	dir    *users.Static
	ledger *Ledger
	admin  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	dir := users.NewStatic()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(s, dir,
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{store: s, dir: dir, ledger: l, admin: dir.Add(uuid.New(), "admin")}
}

func (f *fixture) member(t *testing.T, name string, points int64) uuid.UUID {
	t.Helper()
	id := f.dir.Add(uuid.New(), name)
	if points > 0 {
		_, err := f.ledger.Adjust(context.Background(), id, points, "seed", f.admin)
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) assertConsistent(t *testing.T, userID uuid.UUID) {
	t.Helper()
	r, err := f.ledger.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, r.Consistent, "points %d != entry sum %d", r.Points, r.EntrySum)
}

func TestGetOrCreateBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 0)

	bal, err := f.ledger.GetOrCreateBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, bal.UserID)
	assert.Equal(t, int64(0), bal.Points)

	again, err := f.ledger.GetOrCreateBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, bal.ID, again.ID)

	_, err = f.ledger.GetOrCreateBalance(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApplyEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 0)
	bal, err := f.ledger.GetOrCreateBalance(ctx, alice)
	require.NoError(t, err)

	entry, err := f.ledger.ApplyEntry(ctx, bal.ID, 40, models.CategoryCredit, "welcome bonus", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(40), entry.Amount)
	assert.Equal(t, models.CategoryCredit, entry.Category)

	_, err = f.ledger.ApplyEntry(ctx, bal.ID, -41, models.CategoryDebit, "too much", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(40), points)

	_, err = f.ledger.ApplyEntry(ctx, uuid.New(), 10, models.CategoryCredit, "nobody", nil, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	f.assertConsistent(t, alice)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 100)
	bob := f.member(t, "bob", 0)

	res, err := f.ledger.Transfer(ctx, alice, bob, 30, "")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.From.Points)
	assert.Equal(t, int64(30), res.To.Points)

	history, err := f.ledger.History(ctx, bob)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.CategoryTransferIn, history[0].Category)
	require.NotNil(t, history[0].RelatedUserID)
	assert.Equal(t, alice, *history[0].RelatedUserID)

	f.assertConsistent(t, alice)
	f.assertConsistent(t, bob)
}

func TestTransferRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 20)
	bob := f.member(t, "bob", 0)

	tests := []struct {
		name   string
		from   uuid.UUID
		to     uuid.UUID
		amount int64
		want   error
	}{
		{"self transfer", alice, alice, 5, apperr.ErrInvalidOperation},
		{"zero amount", alice, bob, 0, apperr.ErrInvalidOperation},
		{"negative amount", alice, bob, -5, apperr.ErrInvalidOperation},
		{"unknown recipient", alice, uuid.New(), 5, apperr.ErrNotFound},
		{"insufficient balance", alice, bob, 21, apperr.ErrInsufficientBalance},
		{"empty sender", bob, alice, 1, apperr.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Transfer(ctx, tt.from, tt.to, tt.amount, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(20), points)
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 10)

	_, err := f.ledger.Adjust(ctx, alice, 0, "noop", f.admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	_, err = f.ledger.Adjust(ctx, alice, -11, "claw back", f.admin)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	bal, err := f.ledger.Adjust(ctx, alice, -10, "claw back", f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Points)

	history, err := f.ledger.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-10), history[0].Amount, "newest first")
	require.NotNil(t, history[0].RelatedUserID)
	assert.Equal(t, f.admin, *history[0].RelatedUserID)
	f.assertConsistent(t, alice)
}

func TestAdjustRejectsOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 10)

	_, err := f.ledger.Adjust(ctx, alice, math.MaxInt64, "windfall", f.admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
	assert.NotErrorIs(t, err, apperr.ErrInsufficientBalance)

	points, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), points)

	bal, err := f.ledger.Adjust(ctx, alice, math.MaxInt64-10, "top up", f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), bal.Points)
	f.assertConsistent(t, alice)
}

func TestHistoryWithoutBalance(t *testing.T) {
	f := newFixture(t)
	history, err := f.ledger.History(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.member(t, "alice", 50)
	bob := f.member(t, "bob", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		go func() {
			defer wg.Done()
			_, err := f.ledger.Transfer(ctx, from, to, 10, "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrInsufficientBalance), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	a, err := f.ledger.Points(ctx, alice)
	require.NoError(t, err)
	b, err := f.ledger.Points(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a+b)
	assert.GreaterOrEqual(t, a, int64(0))
	assert.GreaterOrEqual(t, b, int64(0))
	assert.Positive(t, succeeded)
	f.assertConsistent(t, alice)
	f.assertConsistent(t, bob)
}
