package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDelivers(t *testing.T) {
	d := NewDispatcher(8, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Notification, 1)
	sub := d.Subscribe(ch)
	defer sub.Unsubscribe()
	go d.Run(ctx)

	userID := uuid.New()
	d.Notify(Notification{UserID: userID, Kind: KindCheckin, Title: "Checked in"})

	select {
	case n := <-ch:
		assert.Equal(t, userID, n.UserID)
		assert.Equal(t, KindCheckin, n.Kind)
		assert.False(t, n.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	d := NewDispatcher(1, quietLogger())

	done := make(chan struct{})
	go func() {
		// Nothing drains the queue; the second call must drop, not block.
		d.Notify(Notification{Kind: KindAdjustment})
		d.Notify(Notification{Kind: KindAdjustment})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	require.Len(t, d.queue, 1)
}
