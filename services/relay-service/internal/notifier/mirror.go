package notifier

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/events"
)

// Publisher is satisfied by *mq.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Mirror wraps a Notifier and publishes the outcome of every delivery to the
// relay exchange. Publishing never affects the returned result.
type Mirror struct {
	next  Notifier
	pub   Publisher
	clock clock.Clock
	log   *slog.Logger
}

func NewMirror(next Notifier, pub Publisher, clk clock.Clock, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{next: next, pub: pub, clock: clk, log: log}
}

func (m *Mirror) Notify(ctx context.Context, n Notification) Result {
	res := m.next.Notify(ctx, n)

	d := events.Delivery{
		ID:         uuid.NewString(),
		EventType:  n.EventType,
		OrderCode:  n.OrderCode,
		Phone:      n.Phone,
		Delivered:  res.Delivered,
		Status:     res.Status,
		Error:      res.Error,
		OccurredAt: m.clock.Now().Format(timeLayout),
	}
	if err := m.pub.PublishJSON(ctx, events.RoutingKey(n.EventType), d); err != nil {
		m.log.Warn("[notifier] mirror publish failed", "event_type", n.EventType, "err", err)
	}
	return res
}
