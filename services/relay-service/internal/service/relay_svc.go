package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/events"
	"github.com/you/pix-relay/services/relay-service/internal/extract"
	"github.com/you/pix-relay/services/relay-service/internal/journal"
	"github.com/you/pix-relay/services/relay-service/internal/notifier"
	"github.com/you/pix-relay/services/relay-service/internal/phone"
	"github.com/you/pix-relay/services/relay-service/internal/store"
	"github.com/you/pix-relay/services/relay-service/internal/tracker"
)

var ErrBadPayload = errors.New("invalid JSON payload")

// minStoredPhoneLen is the shortest normalized phone worth keying a lead on.
const minStoredPhoneLen = 10

type Settings struct {
	PIXTimeout      time.Duration
	PendingPixTTL   time.Duration
	LeadPurchaseTTL time.Duration
	LeadResponseTTL time.Duration
	DedupTTL        time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		PIXTimeout:      tracker.DefaultTimeout,
		PendingPixTTL:   tracker.DefaultRecordTTL,
		LeadPurchaseTTL: 30 * 24 * time.Hour,
		LeadResponseTTL: 7 * 24 * time.Hour,
		DedupTTL:        5 * time.Minute,
	}
}

type RelaySvc struct {
	store    store.Store
	notifier notifier.Notifier
	journal  *journal.Journal
	clock    clock.Clock
	tracker  *tracker.Tracker
	cfg      Settings
	log      *slog.Logger
}

func NewRelaySvc(st store.Store, n notifier.Notifier, j *journal.Journal, clk clock.Clock, cfg Settings, log *slog.Logger) *RelaySvc {
	if log == nil {
		log = slog.Default()
	}
	s := &RelaySvc{store: st, notifier: n, journal: j, clock: clk, cfg: cfg, log: log}
	s.tracker = tracker.New(clk, st, s.expirePix,
		tracker.WithTimeout(cfg.PIXTimeout),
		tracker.WithRecordTTL(cfg.PendingPixTTL),
		tracker.WithLogger(log),
	)
	return s
}

func (s *RelaySvc) Tracker() *tracker.Tracker { return s.tracker }
func (s *RelaySvc) Store() store.Store         { return s.store }
func (s *RelaySvc) Journal() *journal.Journal  { return s.journal }

// Close cancels pending countdowns. Orders still pending are dropped without
// a pix_timeout; their pending_pix records stay until the TTL.
func (s *RelaySvc) Close() {
	s.tracker.Stop()
}

type PaymentResult struct {
	OrderCode  string          `json:"order_code"`
	Status     string          `json:"status"`
	Phone      string          `json:"phone"`
	Forwarded  *notifier.Result `json:"forwarded,omitempty"`
	WasPending bool            `json:"was_pending,omitempty"`
}

// HandlePayment applies one Perfect Pay webhook.
func (s *RelaySvc) HandlePayment(ctx context.Context, raw []byte) (PaymentResult, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	ev, skipped, err := events.DecodePaymentEvent(raw)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if skipped != "" {
		s.log.Warn("[relay] payment field ignored", "field", skipped)
	}

	code := string(ev.Code)
	if ev.SaleAmount.Malformed != "" {
		s.log.Warn("[relay] sale_amount unreadable, using 0", "order_code", code, "sale_amount", ev.SaleAmount.Malformed)
	}
	customerPhone := phone.Normalize(ev.RawPhone())
	res := PaymentResult{OrderCode: code, Status: ev.Status, Phone: customerPhone}

	s.journal.Add(ctx, journal.TypeWebhookReceived,
		fmt.Sprintf("Webhook - Pedido: %s | Status: %s | Tel: %s", code, ev.Status, phone.Pretty(customerPhone)),
		map[string]string{"order_code": code, "status": ev.Status, "phone": customerPhone})

	// Downstream delivery must not be cut short by the upstream caller hanging up.
	sendCtx := context.WithoutCancel(ctx)

	switch ev.Status {
	case events.StatusApproved:
		s.journal.Add(ctx, journal.TypeInfo, "VENDA APROVADA - "+code, nil)
		_, res.WasPending = s.tracker.Approve(ctx, code)
		s.saveLeadPurchase(ctx, ev, raw, customerPhone)

		r := s.notify(sendCtx, notifier.Notification{
			EventType: events.EventApproved, Channel: notifier.ChannelPayments,
			Payload: body, OrderCode: code, Phone: customerPhone,
		})
		res.Forwarded = &r

	case events.StatusPending:
		s.journal.Add(ctx, journal.TypeInfo, fmt.Sprintf("PIX GERADO - %s | Tel: %s", code, customerPhone), nil)
		s.saveLeadPurchase(ctx, ev, raw, customerPhone)

		r := s.notify(sendCtx, notifier.Notification{
			EventType: events.EventPending, Channel: notifier.ChannelPayments,
			Payload: body, OrderCode: code, Phone: customerPhone,
		})
		res.Forwarded = &r

		if code != "" {
			s.tracker.Pending(ctx, tracker.PendingOrder{
				Code:         code,
				Payload:      append(json.RawMessage(nil), raw...),
				CreatedAt:    s.clock.Now(),
				CustomerName: ev.CustomerName(),
				Amount:       ev.SaleAmount.Decimal,
				Phone:        customerPhone,
			})
		}

	default:
		s.log.Info("[relay] payment status ignored", "order_code", code, "status", ev.Status)
	}

	return res, nil
}

func (s *RelaySvc) saveLeadPurchase(ctx context.Context, ev events.PaymentEvent, raw []byte, customerPhone string) {
	if len(customerPhone) < minStoredPhoneLen {
		return
	}
	rec := events.LeadPurchase{
		Timestamp:    s.clock.Now().UnixMilli(),
		OriginalData: append(json.RawMessage(nil), raw...),
		OrderCode:    string(ev.Code),
		CustomerName: ev.CustomerName(),
		Amount:       ev.SaleAmount.Decimal,
		Phone:        customerPhone,
		Status:       ev.Status,
	}
	if err := store.SetJSON(ctx, s.store, store.LeadPurchaseKey(customerPhone), rec, s.cfg.LeadPurchaseTTL); err != nil {
		s.log.Error("[relay] save lead purchase failed", "phone", customerPhone, "err", err)
		return
	}
	s.journal.Add(ctx, journal.TypeInfo,
		fmt.Sprintf("COMPRA REGISTRADA - Tel: %s | Pedido: %s", customerPhone, string(ev.Code)), nil)
}

// expirePix is the tracker callback: the order already left the tracker.
func (s *RelaySvc) expirePix(ctx context.Context, o tracker.PendingOrder) {
	s.journal.Add(ctx, journal.TypeTimeout, "TIMEOUT PIX - "+o.Code, nil)

	var body map[string]any
	if err := json.Unmarshal(o.Payload, &body); err != nil {
		body = map[string]any{"code": o.Code}
	}
	s.notify(ctx, notifier.Notification{
		EventType: events.EventPixTimeout, Channel: notifier.ChannelPayments,
		Payload: body, OrderCode: o.Code, Phone: o.Phone,
	})
}

func (s *RelaySvc) notify(ctx context.Context, n notifier.Notification) notifier.Result {
	s.journal.Add(ctx, journal.TypeInfo, "ENVIANDO - Tipo: "+n.EventType+" - SEM RETRY", nil)
	r := s.notifier.Notify(ctx, n)
	if r.Delivered {
		s.journal.Add(ctx, journal.TypeWebhookSent,
			fmt.Sprintf("SUCESSO - Tipo: %s | Pedido: %s | Status: %d", n.EventType, n.OrderCode, r.Status), nil)
	} else {
		s.journal.Add(ctx, journal.TypeError,
			fmt.Sprintf("ERRO enviar - Tipo: %s | Pedido: %s | Erro: %s | SEM RETRY", n.EventType, n.OrderCode, r.Error), nil)
	}
	return r
}

type MessageResult struct {
	Duplicated      bool             `json:"duplicated,omitempty"`
	Phone           string           `json:"phone,omitempty"`
	NormalizedPhone string           `json:"normalized_phone,omitempty"`
	HasMessage      bool             `json:"has_message"`
	HasPurchase     bool             `json:"has_purchase"`
	Partial         bool             `json:"partial,omitempty"`
	Forwarded       *notifier.Result `json:"forwarded,omitempty"`
}

// HandleMessage applies one WhatsApp gateway webhook.
func (s *RelaySvc) HandleMessage(ctx context.Context, raw []byte) (MessageResult, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return MessageResult{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	requestID := extract.RequestID(body, raw)
	fresh, err := s.store.SetNX(ctx, store.DuplicateKey(requestID), []byte("1"), s.cfg.DedupTTL)
	if err != nil {
		s.log.Warn("[relay] dedup check failed, processing anyway", "err", err)
		fresh = true
	}
	if !fresh {
		s.log.Info("[relay] duplicate whatsapp delivery ignored", "request_id", requestID)
		return MessageResult{Duplicated: true}, nil
	}

	rawPhone, hasPhone := extract.First(body, extract.PhoneExtractors)
	message, hasMessage := extract.First(body, extract.MessageExtractors)
	res := MessageResult{Phone: rawPhone, HasMessage: hasMessage}

	if !hasPhone || !hasMessage {
		res.Partial = true
		keys := make([]string, 0, len(body))
		for k := range body {
			keys = append(keys, k)
		}
		s.journal.Add(ctx, journal.TypeInfo, "Webhook WhatsApp: dados insuficientes para processar",
			map[string]any{"has_phone": hasPhone, "has_message": hasMessage, "keys": keys})
		if hasPhone {
			res.NormalizedPhone = phone.Normalize(rawPhone)
		}
		return res, nil
	}

	normalized := phone.Normalize(rawPhone)
	res.NormalizedPhone = normalized

	resp := events.LeadResponse{
		Timestamp: s.clock.Now().UnixMilli(),
		Message:   message,
		Phone:     normalized,
		FullData:  append(json.RawMessage(nil), raw...),
	}
	if err := store.SetJSON(ctx, s.store, store.LeadResponseKey(normalized), resp, s.cfg.LeadResponseTTL); err != nil {
		s.log.Error("[relay] save lead response failed", "phone", normalized, "err", err)
	}
	s.journal.Add(ctx, journal.TypeInfo,
		fmt.Sprintf("RESPOSTA DETECTADA - Tel: %s | Msg: %s", normalized, truncate(message, 50)),
		map[string]string{"phone": normalized, "message": message})

	var purchase *events.LeadPurchase
	p, err := store.GetJSON[events.LeadPurchase](ctx, s.store, store.LeadPurchaseKey(normalized))
	switch {
	case err == nil:
		purchase = &p
		res.HasPurchase = true
	case !errors.Is(err, store.ErrNotFound):
		s.log.Error("[relay] load lead purchase failed", "phone", normalized, "err", err)
	}

	r := s.notify(context.WithoutCancel(ctx), notifier.Notification{
		EventType: events.EventLeadContinuation,
		Channel:   notifier.ChannelWhatsApp,
		Payload:   s.continuationPayload(normalized, message, purchase),
		OrderCode: orderCodeOf(purchase),
		Phone:     normalized,
	})
	res.Forwarded = &r
	return res, nil
}

func (s *RelaySvc) continuationPayload(normalized, message string, p *events.LeadPurchase) map[string]any {
	out := map[string]any{
		"lead_interaction": map[string]any{
			"responded":        true,
			"response_message": message,
			"response_time":    s.clock.Now().UTC().Format(time.RFC3339),
			"phone":            normalized,
		},
		"billet_url":           "",
		"billet_number":        "",
		"sale_amount":          0.0,
		"sale_status_enum_key": events.StatusPending,
		"customer":             map[string]any{},
		"order_code":           "",
	}
	if p == nil {
		return out
	}

	orig := p.Original()
	out["billet_url"] = orig.BilletURL
	out["billet_number"] = orig.BilletNumber
	out["sale_amount"] = p.Amount.InexactFloat64()
	out["order_code"] = p.OrderCode
	if orig.Status != "" {
		out["sale_status_enum_key"] = orig.Status
	}
	var full struct {
		Customer map[string]any `json:"customer"`
	}
	if err := json.Unmarshal(p.OriginalData, &full); err == nil && full.Customer != nil {
		out["customer"] = full.Customer
	}
	return out
}

func orderCodeOf(p *events.LeadPurchase) string {
	if p == nil {
		return ""
	}
	return p.OrderCode
}

type Stats struct {
	store.Stats
	TrackedOrders int    `json:"tracked_orders"`
	Backend       string `json:"store_backend"`
}

func (s *RelaySvc) Stats(ctx context.Context) (Stats, error) {
	st, err := store.CollectStats(ctx, s.store)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, TrackedOrders: s.tracker.Len(), Backend: s.store.Backend()}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
