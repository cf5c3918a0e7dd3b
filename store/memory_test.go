package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-backend/apperr"
	"loyalty-backend/models"
)

func TestInTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.EnsureBalance(ctx, userID, now))
		b, err := tx.LockBalance(ctx, userID)
		require.NoError(t, err)
		require.NoError(t, tx.SetBalancePoints(ctx, b.ID, 500, now))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Read(ctx, func(tx Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, b, "balance created in a failed unit must not be visible")
		return nil
	})
	require.NoError(t, err)
}

func TestInTxCommits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.EnsureBalance(ctx, userID, now); err != nil {
			return err
		}
		b, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.SetBalancePoints(ctx, b.ID, 70, now); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, &models.TransactionEntry{ID: uuid.New(), BalanceID: b.ID, Amount: 70, Category: models.CategoryCredit})
	})
	require.NoError(t, err)

	err = s.Read(ctx, func(tx Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, int64(70), b.Points)
		sum, err := tx.SumEntries(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(70), sum)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertTokenKeepsFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	contextID := uuid.New()

	err := s.InTx(ctx, func(tx Tx) error {
		created, err := tx.InsertToken(ctx, &models.Token{ContextID: contextID, Sequence: 3, Payload: "first"})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.InsertToken(ctx, &models.Token{ContextID: contextID, Sequence: 3, Payload: "second"})
		require.NoError(t, err)
		assert.False(t, created)

		tok, err := tx.GetToken(ctx, contextID, 3)
		require.NoError(t, err)
		assert.Equal(t, "first", tok.Payload)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertCheckinConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := models.Checkin{ID: uuid.New(), EventID: uuid.New(), UserID: uuid.New(), Sequence: 7}

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertCheckin(ctx, &c))
		dup := c
		dup.ID = uuid.New()
		return tx.InsertCheckin(ctx, &dup)
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMissingRowsAreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Read(ctx, func(tx Tx) error {
		_, err := tx.GetEvent(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = tx.GetOrder(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = tx.LockProduct(ctx, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestKioskSequenceIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	k := models.Kiosk{ID: uuid.New(), Name: "Lobby", Active: true}

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertKiosk(ctx, &k))
		first, err := tx.NextKioskSequence(ctx, k.ID)
		require.NoError(t, err)
		second, err := tx.NextKioskSequence(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first)
		assert.Equal(t, int64(2), second)
		return nil
	})
	require.NoError(t, err)
}
