// Package tracker keeps PIX orders that are waiting for payment and fires a
// single expiry callback per order when no approval arrives in time.
//
// Every tracked order owns exactly one countdown, identified by a token. Any
// transition out of pending (approval, replacement, expiry) invalidates the
// token under the tracker lock before anything else happens, so a countdown
// that fires concurrently with an approval sees a stale token and does nothing.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/events"
	"github.com/you/pix-relay/services/relay-service/internal/store"
)

const (
	DefaultTimeout   = 7 * time.Minute
	DefaultRecordTTL = 7 * 24 * time.Hour
)

// PendingOrder is a PIX charge generated and not yet paid.
type PendingOrder struct {
	Code         string          `json:"code"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	CustomerName string          `json:"customer_name"`
	Amount       decimal.Decimal `json:"amount"`
	Phone        string          `json:"phone"`
}

// ExpireFunc is invoked once per order whose countdown elapsed.
type ExpireFunc func(ctx context.Context, o PendingOrder)

type entry struct {
	order PendingOrder
	token uint64
	timer clock.Timer
	// mirror is the pending_pix record this tracker wrote; nil when the write failed.
	mirror []byte
}

type Tracker struct {
	clock     clock.Clock
	store     store.Store
	onExpire  ExpireFunc
	timeout   time.Duration
	recordTTL time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	orders map[string]*entry
	seq    uint64
	keys   keyedMutex
}

type Option func(*Tracker)

// WithTimeout overrides how long an order may stay pending.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRecordTTL overrides the TTL of the pending_pix mirror record.
func WithRecordTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.recordTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

func New(clk clock.Clock, st store.Store, onExpire ExpireFunc, opts ...Option) *Tracker {
	t := &Tracker{
		clock:     clk,
		store:     st,
		onExpire:  onExpire,
		timeout:   DefaultTimeout,
		recordTTL: DefaultRecordTTL,
		log:       slog.Default(),
		orders:    make(map[string]*entry),
		keys:      keyedMutex{locks: make(map[string]*keyLock)},
	}
	for _, opt := range opts {
		opt(t)
	}
	// the record must outlive the countdown or expiry finds nothing to claim
	if t.recordTTL <= t.timeout {
		t.recordTTL = t.timeout + time.Minute
	}
	return t
}

func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Pending starts (or restarts) the countdown for o.Code. A countdown already
// running for the same code is cancelled first. It reports whether an earlier
// pending order was replaced.
func (t *Tracker) Pending(ctx context.Context, o PendingOrder) bool {
	unlock := t.keys.lock(o.Code)
	defer unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.clock.Now()
	}

	t.mu.Lock()
	replaced := false
	if old, ok := t.orders[o.Code]; ok {
		old.token = 0
		old.timer.Stop()
		replaced = true
	}
	t.seq++
	token := t.seq
	code := o.Code
	e := &entry{order: o, token: token}
	e.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(code, token) })
	t.orders[code] = e
	t.mu.Unlock()

	rec, err := json.Marshal(events.PendingPix{
		Data:          o.Payload,
		CreatedAt:     o.CreatedAt,
		CustomerName:  o.CustomerName,
		Amount:        o.Amount,
		CustomerPhone: o.Phone,
	})
	if err == nil {
		err = t.store.Set(ctx, store.PendingPixKey(code), rec, t.recordTTL)
	}
	if err != nil {
		t.log.Error("[tracker] save pending pix failed", "order_code", code, "err", err)
	} else {
		// keyed lock held: expire reads mirror under the same lock
		e.mirror = rec
	}

	t.log.Info("[tracker] pix pending", "order_code", code, "timeout", t.timeout, "replaced", replaced)
	return replaced
}

// Approve cancels the countdown for code and forgets the order. It reports
// whether the order was being tracked; an unknown code is not an error.
func (t *Tracker) Approve(ctx context.Context, code string) (PendingOrder, bool) {
	unlock := t.keys.lock(code)
	defer unlock()

	t.mu.Lock()
	e, ok := t.orders[code]
	if ok {
		e.token = 0
		e.timer.Stop()
		delete(t.orders, code)
	}
	t.mu.Unlock()

	if err := t.store.Delete(ctx, store.PendingPixKey(code)); err != nil {
		t.log.Error("[tracker] delete pending pix failed", "order_code", code, "err", err)
	}
	if !ok {
		return PendingOrder{}, false
	}
	t.log.Info("[tracker] pix approved", "order_code", code)
	return e.order, true
}

func (t *Tracker) expire(code string, token uint64) {
	ctx := context.Background()

	unlock := t.keys.lock(code)
	t.mu.Lock()
	e, ok := t.orders[code]
	if !ok || e.token != token {
		t.mu.Unlock()
		unlock()
		return
	}
	e.token = 0
	delete(t.orders, code)
	t.mu.Unlock()

	owned := t.claim(ctx, code, e.mirror)
	unlock()

	if !owned {
		t.log.Info("[tracker] pix settled elsewhere, timeout skipped", "order_code", code)
		return
	}
	t.log.Info("[tracker] pix expired", "order_code", code)
	if t.onExpire != nil {
		t.onExpire(ctx, e.order)
	}
}

// claim removes the pending_pix record and reports whether this tracker still
// owned it. When the store is shared, another relay may have approved or
// re-registered the order; its record no longer matches mirror and the
// countdown must stay silent. Without a mirror, or when the store fails,
// the timeout fires.
func (t *Tracker) claim(ctx context.Context, code string, mirror []byte) bool {
	key := store.PendingPixKey(code)
	if mirror != nil {
		swapped, err := t.store.CompareAndSwap(ctx, key, mirror, expiredMarker, time.Minute)
		switch {
		case err != nil:
			t.log.Error("[tracker] claim pending pix failed", "order_code", code, "err", err)
		case !swapped:
			return false
		}
	}
	if err := t.store.Delete(ctx, key); err != nil {
		t.log.Error("[tracker] delete pending pix failed", "order_code", code, "err", err)
	}
	return true
}

var expiredMarker = []byte(`{"expired":true}`)

// Get returns the pending order for code, if any.
func (t *Tracker) Get(code string) (PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.orders[code]
	if !ok {
		return PendingOrder{}, false
	}
	return e.order, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// Snapshot lists pending orders, oldest first.
func (t *Tracker) Snapshot() []PendingOrder {
	t.mu.Lock()
	out := make([]PendingOrder, 0, len(t.orders))
	for _, e := range t.orders {
		out = append(out, e.order)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop cancels every countdown without firing expiry callbacks.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for code, e := range t.orders {
		e.token = 0
		e.timer.Stop()
		delete(t.orders, code)
	}
}

// keyedMutex serializes work per order code so the in-memory transition and
// the store write of one code are never interleaved with another transition
// of the same code.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
