// Package notifier delivers relay events to the downstream automation
// webhooks. Delivery is a single bounded POST: failures are reported to the
// caller and logged, never retried.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
)

// Channel selects the downstream endpoint.
type Channel int

const (
	ChannelPayments Channel = iota
	ChannelWhatsApp
)

func (c Channel) String() string {
	if c == ChannelWhatsApp {
		return "whatsapp"
	}
	return "payments"
}

// Notification is one outbound event. Payload holds the fields sent as is;
// event_type, processed_at and system_info are added on delivery.
type Notification struct {
	EventType string
	Channel   Channel
	Payload   map[string]any
	OrderCode string
	Phone     string
}

type Result struct {
	Delivered bool   `json:"delivered"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) Result
}

// SystemInfo is attached to every payload so the receiver can tell relays apart.
type SystemInfo struct {
	Source  string `json:"source"`
	Version string `json:"version"`
	Store   string `json:"store_backend"`
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope copies payload and adds the delivery metadata.
func Envelope(payload map[string]any, eventType string, info SystemInfo, now time.Time) map[string]any {
	out := make(map[string]any, len(payload)+3)
	maps.Copy(out, payload)
	out["event_type"] = eventType
	out["processed_at"] = now.UTC().Format(timeLayout)
	out["system_info"] = info
	return out
}

// HTTP posts notifications as JSON.
type HTTP struct {
	client *http.Client
	urls   map[Channel]string
	info   SystemInfo
	clock  clock.Clock
	log    *slog.Logger
	tracer trace.Tracer
}

func NewHTTP(paymentsURL, whatsappURL string, timeout time.Duration, info SystemInfo, clk clock.Clock, log *slog.Logger) *HTTP {
	if log == nil {
		log = slog.Default()
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		urls:   map[Channel]string{ChannelPayments: paymentsURL, ChannelWhatsApp: whatsappURL},
		info:   info,
		clock:  clk,
		log:    log,
		tracer: otel.Tracer("github.com/you/pix-relay/notifier"),
	}
}

func (h *HTTP) URL(c Channel) string { return h.urls[c] }

func (h *HTTP) Notify(ctx context.Context, n Notification) Result {
	ctx, span := h.tracer.Start(ctx, "notify "+n.EventType, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.event_type", n.EventType),
			attribute.String("relay.channel", n.Channel.String()),
			attribute.String("relay.order_code", n.OrderCode),
		))
	defer span.End()

	res := h.post(ctx, n)
	if res.Delivered {
		h.log.Info("[notifier] delivered", "event_type", n.EventType, "order_code", n.OrderCode, "status", res.Status)
		span.SetAttributes(attribute.Int("http.status_code", res.Status))
	} else {
		// no retry: a retried delivery re-triggers the automation flow
		h.log.Error("[notifier] delivery failed", "event_type", n.EventType, "order_code", n.OrderCode, "err", res.Error)
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (h *HTTP) post(ctx context.Context, n Notification) Result {
	url := h.urls[n.Channel]
	body, err := json.Marshal(Envelope(n.Payload, n.EventType, h.info, h.clock.Now()))
	if err != nil {
		return Result{Error: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.info.Source+"/"+h.info.Version)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Status: resp.StatusCode, Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}
	return Result{Delivered: true, Status: resp.StatusCode}
}
