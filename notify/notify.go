// Package notify fans member notifications out to subscribers. Delivery is
// best effort: Notify never blocks and never reports failure to the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
)

type Kind string

const (
	KindCheckin          Kind = "checkin"
	KindTransferReceived Kind = "transfer_received"
	KindTransferSent     Kind = "transfer_sent"
	KindAdjustment       Kind = "adjustment"
	KindOrderCompleted   Kind = "order_completed"
)

type Notification struct {
	UserID uuid.UUID      `json:"user_id"`
	Kind   Kind           `json:"kind"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Notifier is what the ledger and the orchestrators depend on.
type Notifier interface {
	Notify(n Notification)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}

// Dispatcher queues notifications and publishes them on a feed from a single
// goroutine, so a slow subscriber only ever delays other notifications.
type Dispatcher struct {
	feed   event.Feed
	queue  chan Notification
	logger *slog.Logger
}

func NewDispatcher(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		queue:  make(chan Notification, buffer),
		logger: logger.With("component", "notify"),
	}
}

// Notify enqueues n, dropping it when the queue is full.
func (d *Dispatcher) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping", "user_id", n.UserID, "kind", n.Kind)
	}
}

// Subscribe delivers every published notification to ch.
func (d *Dispatcher) Subscribe(ch chan<- Notification) event.Subscription {
	return d.feed.Subscribe(ch)
}

// Run publishes queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.feed.Send(n)
		case <-ctx.Done():
			return
		}
	}
}

// LogSink subscribes to d and writes every notification to logger until ctx
// is done. Push delivery hooks in here.
func LogSink(ctx context.Context, d *Dispatcher, logger *slog.Logger) {
	ch := make(chan Notification, 64)
	sub := d.Subscribe(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case n := <-ch:
			logger.Info("notification", "user_id", n.UserID, "kind", n.Kind, "title", n.Title)
		case err := <-sub.Err():
			if err != nil {
				logger.Error("notification subscription failed", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
