package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/you/pix-relay/services/audit-service/internal/events"
	"github.com/you/pix-relay/services/audit-service/internal/notifier"
)

// errPoison marks a message that can never be handled; it is dead-lettered
// instead of requeued.
var errPoison = errors.New("undecodable message")

type Worker struct {
	notifier notifier.Notifier
	log      *slog.Logger
}

func New(n notifier.Notifier, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{notifier: n, log: log}
}

// Run handles deliveries until ctx ends or the channel closes.
func (w *Worker) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			w.dispatch(d)
		}
	}
}

func (w *Worker) dispatch(d amqp.Delivery) {
	err := w.Handle(d.RoutingKey, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, errPoison):
		w.log.Error("[audit] dead-lettering message", "key", d.RoutingKey, "err", err)
		_ = d.Nack(false, false)
	default:
		w.log.Warn("[audit] handle failed, requeue", "key", d.RoutingKey, "err", err)
		_ = d.Nack(false, true)
	}
}

// Handle turns one mirrored delivery into an audit line.
func (w *Worker) Handle(key string, body []byte) error {
	var subject string
	switch key {
	case events.RKApproved:
		subject = "Venda aprovada"
	case events.RKPending:
		subject = "PIX gerado"
	case events.RKPixTimeout:
		subject = "PIX expirado"
	case events.RKContinuation:
		subject = "Lead respondeu"
	default:
		w.log.Info("[audit] skip unknown key", "key", key)
		return nil
	}

	ev, err := events.Decode[events.Delivery](body)
	if err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}

	msg := fmt.Sprintf("pedido=%s tel=%s", orNA(ev.OrderCode), orNA(notifier.MaskPhone(ev.Phone)))
	if ev.Delivered {
		msg += fmt.Sprintf(" entregue (HTTP %d)", ev.Status)
	} else {
		subject = "FALHA " + subject
		msg += " nao entregue: " + ev.Error
	}
	return w.notifier.Notify(subject, msg+" em "+ev.OccurredAt)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
