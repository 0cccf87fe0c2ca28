package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/events"
)

var info = SystemInfo{Source: "pix-relay", Version: "test", Store: "memory"}

func TestEnvelope_AddsMetadataWithoutMutatingInput(t *testing.T) {
	in := map[string]any{"code": "ORD1"}
	now := time.Date(2025, 4, 2, 15, 4, 5, 0, time.UTC)

	out := Envelope(in, events.EventApproved, info, now)

	assert.Equal(t, "ORD1", out["code"])
	assert.Equal(t, "approved", out["event_type"])
	assert.Equal(t, "2025-04-02T15:04:05.000Z", out["processed_at"])
	assert.Equal(t, info, out["system_info"])
	assert.NotContains(t, in, "event_type")
}

func TestHTTP_PostsToChannelURL(t *testing.T) {
	var mu sync.Mutex
	got := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		got[r.URL.Path] = body
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/pay", srv.URL+"/wa", time.Second, info, clock.NewSystem(), nil)

	res := h.Notify(context.Background(), Notification{
		EventType: events.EventPixTimeout, Channel: ChannelPayments,
		Payload: map[string]any{"code": "ORD1"}, OrderCode: "ORD1",
	})
	assert.True(t, res.Delivered)
	assert.Equal(t, http.StatusOK, res.Status)

	res = h.Notify(context.Background(), Notification{
		EventType: events.EventLeadContinuation, Channel: ChannelWhatsApp,
		Payload: map[string]any{"order_code": "ORD1"},
	})
	assert.True(t, res.Delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pix_timeout", got["/pay"]["event_type"])
	assert.Equal(t, "ORD1", got["/pay"]["code"])
	assert.Equal(t, "lead_active_continuation", got["/wa"]["event_type"])
}

func TestHTTP_Non2xxIsFailureWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, srv.URL, time.Second, info, clock.NewSystem(), nil)
	res := h.Notify(context.Background(), Notification{EventType: events.EventApproved, Payload: map[string]any{}})

	assert.False(t, res.Delivered)
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Equal(t, "HTTP 502: Bad Gateway", res.Error)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTP_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTP(srv.URL, srv.URL, 50*time.Millisecond, info, clock.NewSystem(), nil)

	start := time.Now()
	res := h.Notify(context.Background(), Notification{EventType: events.EventApproved, Payload: map[string]any{}})
	assert.False(t, res.Delivered)
	assert.NotEmpty(t, res.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTP_UnreachableEndpoint(t *testing.T) {
	h := NewHTTP("http://127.0.0.1:1/unreachable", "", time.Second, info, clock.NewSystem(), nil)
	res := h.Notify(context.Background(), Notification{EventType: events.EventApproved, Payload: map[string]any{}})
	assert.False(t, res.Delivered)
	assert.NotEmpty(t, res.Error)
}

type stubNotifier struct{ res Result }

func (s stubNotifier) Notify(context.Context, Notification) Result { return s.res }

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs []events.Delivery
	err  error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, v.(events.Delivery))
	return p.err
}

func TestMirror_PublishesOutcome(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMirror(stubNotifier{res: Result{Error: "HTTP 500: Internal Server Error", Status: 500}}, pub, clock.NewSystem(), nil)

	res := m.Notify(context.Background(), Notification{EventType: events.EventPixTimeout, OrderCode: "ORD9"})
	assert.False(t, res.Delivered)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "relay.pix_timeout", pub.keys[0])
	assert.Equal(t, "ORD9", pub.msgs[0].OrderCode)
	assert.False(t, pub.msgs[0].Delivered)
	assert.NotEmpty(t, pub.msgs[0].ID)
}

func TestMirror_PublishErrorDoesNotChangeResult(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	m := NewMirror(stubNotifier{res: Result{Delivered: true, Status: 200}}, pub, clock.NewSystem(), nil)

	res := m.Notify(context.Background(), Notification{EventType: events.EventApproved})
	assert.True(t, res.Delivered)
}
