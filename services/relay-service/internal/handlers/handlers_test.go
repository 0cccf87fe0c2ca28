package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pix-relay/pkg/auth"
	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/journal"
	"github.com/you/pix-relay/services/relay-service/internal/notifier"
	"github.com/you/pix-relay/services/relay-service/internal/service"
	"github.com/you/pix-relay/services/relay-service/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

// downstream records every JSON body posted to it, per path.
type downstream struct {
	srv *httptest.Server
	mu  sync.Mutex
	got []received
}

type received struct {
	path string
	body map[string]any
}

func newDownstream(t *testing.T) *downstream {
	d := &downstream{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		d.mu.Lock()
		d.got = append(d.got, received{path: r.URL.Path, body: body})
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *downstream) eventTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.got))
	for _, r := range d.got {
		out = append(out, r.body["event_type"].(string))
	}
	return out
}

func (d *downstream) last() received {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got[len(d.got)-1]
}

type env struct {
	router http.Handler
	clock  *clock.Fake
	down   *downstream
	svc    *service.RelaySvc
}

func newEnv(t *testing.T, signer *auth.Signer, wrap func(store.Store) store.Store) env {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 7, 1, 14, 0, 0, 0, time.UTC))
	var st store.Store = store.NewMemory(clk)
	if wrap != nil {
		st = wrap(st)
	}
	down := newDownstream(t)
	info := notifier.SystemInfo{Source: "pix-relay", Version: "test", Store: st.Backend()}
	n := notifier.NewHTTP(down.srv.URL+"/payments", down.srv.URL+"/whatsapp", time.Second, info, clk, nil)
	j := journal.New(journal.NewMemorySink(50), clk, nil)
	svc := service.NewRelaySvc(st, n, j, clk, service.DefaultSettings(), nil)
	t.Cleanup(svc.Close)

	r := NewRouter(Deps{
		Service: svc,
		Clock:   clk,
		Config:  ConfigSummary{Version: "test", PaymentsURL: down.srv.URL + "/payments", StoreBackend: st.Backend()},
		Signer:  signer,
	})
	return env{router: r, clock: clk, down: down, svc: svc}
}

func (e env) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func sale(code, status string) string {
	return `{
		"code": "` + code + `",
		"sale_status_enum_key": "` + status + `",
		"sale_amount": 149.9,
		"billet_url": "https://pix.example/qr/` + code + `",
		"billet_number": "00020126` + code + `",
		"customer": {"full_name": "Joao Souza", "phone_area_code": "21", "phone_number": "998877665"}
	}`
}

const whatsappReply = `{
	"key": {"id": "MSG-1", "remoteJid": "5521998877665@s.whatsapp.net"},
	"message": {"conversation": "ainda quero o produto"}
}`

func TestPendingWithoutApproval_ForwardsTimeout(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, out := e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-A", "pending"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "ORD-A", out["order_code"])
	assert.Equal(t, "5521998877665", out["phone"])
	assert.Equal(t, "memory", out["store_backend"])

	e.clock.Advance(6 * time.Minute)
	assert.Equal(t, []string{"pending"}, e.down.eventTypes())

	e.clock.Advance(time.Minute)
	assert.Equal(t, []string{"pending", "pix_timeout"}, e.down.eventTypes())

	last := e.down.last()
	assert.Equal(t, "/payments", last.path)
	assert.Equal(t, "ORD-A", last.body["code"])
	assert.NotEmpty(t, last.body["processed_at"])

	e.clock.Advance(time.Hour)
	assert.Len(t, e.down.eventTypes(), 2)
}

func TestPendingThenApproved_NoTimeout(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, _ := e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-B", "pending"))
	require.Equal(t, http.StatusOK, rec.Code)

	e.clock.Advance(3 * time.Minute)
	rec, out := e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-B", "approved"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["was_pending"])

	e.clock.Advance(time.Hour)
	assert.Equal(t, []string{"pending", "approved"}, e.down.eventTypes())
	assert.Equal(t, 0, e.svc.Tracker().Len())
}

func TestWhatsAppReply_ForwardsContinuationWithPurchase(t *testing.T) {
	e := newEnv(t, nil, nil)

	rec, _ := e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-C", "pending"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := e.do(t, http.MethodPost, "/webhook/whatsapp-response", whatsappReply)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["has_purchase"])
	assert.Equal(t, "5521998877665", out["normalized_phone"])

	last := e.down.last()
	assert.Equal(t, "/whatsapp", last.path)
	assert.Equal(t, "lead_active_continuation", last.body["event_type"])
	assert.Equal(t, "ORD-C", last.body["order_code"])
	assert.Equal(t, "https://pix.example/qr/ORD-C", last.body["billet_url"])
	assert.Equal(t, 149.9, last.body["sale_amount"])

	interaction := last.body["lead_interaction"].(map[string]any)
	assert.Equal(t, "ainda quero o produto", interaction["response_message"])
}

func TestWhatsAppReply_DuplicateDeliveryIgnored(t *testing.T) {
	e := newEnv(t, nil, nil)

	_, first := e.do(t, http.MethodPost, "/webhook/whatsapp-response", whatsappReply)
	assert.Nil(t, first["duplicated"])

	rec, second := e.do(t, http.MethodPost, "/webhook/whatsapp-response", whatsappReply)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, second["duplicated"])
	assert.Len(t, e.down.eventTypes(), 1)
}

func TestWebhook_InvalidJSONIs400(t *testing.T) {
	e := newEnv(t, nil, nil)

	for _, path := range []string{"/webhook/perfect", "/webhook/whatsapp-response"} {
		rec, out := e.do(t, http.MethodPost, path, `{"code":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, false, out["success"], path)
	}
	assert.Empty(t, e.down.eventTypes())
}

func TestWebhook_OversizedBodyIs413(t *testing.T) {
	e := newEnv(t, nil, nil)
	big := `{"code":"ORD-BIG","sale_status_enum_key":"pending","pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`

	rec, out := e.do(t, http.MethodPost, "/webhook/perfect", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "exceeds 1048576 bytes")
	assert.Empty(t, e.down.eventTypes())
	assert.Equal(t, 0, e.svc.Tracker().Len())
}

func TestHealthAndStatus(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-H", "pending"))
	e.clock.Advance(90 * time.Second)

	rec, out := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "1m30s", out["uptime"])
	stats := out["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["total_pending_pix"])
	assert.EqualValues(t, 1, stats["tracked_orders"])
	assert.EqualValues(t, 1, stats["total_leads_purchases"])

	rec, out = e.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", out["status"])
	assert.Equal(t, "7m0s", out["pix_timeout"])
}

type brokenCount struct{ store.Store }

func (brokenCount) Count(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestHealth_StoreFailureIs503(t *testing.T) {
	e := newEnv(t, nil, func(s store.Store) store.Store { return brokenCount{s} })

	rec, out := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", out["status"])
}

func TestDebug_GuardedWhenSignerSet(t *testing.T) {
	signer := auth.NewSigner("admin-secret")
	e := newEnv(t, signer, nil)
	e.do(t, http.MethodPost, "/webhook/perfect", sale("ORD-D", "pending"))

	rec, _ := e.do(t, http.MethodGet, "/debug", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := signer.CreateAccessToken("ops", "VIEWER", time.Hour)
	require.NoError(t, err)
	rec, _ = e.do(t, http.MethodGet, "/debug", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := signer.CreateAccessToken("ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec, out := e.do(t, http.MethodGet, "/debug", "", "Authorization", "Bearer "+admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["recent_logs"])
	pending := out["pending_orders"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, "ORD-D", pending[0].(map[string]any)["code"])
}

func TestDebug_OpenWithoutSigner(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodGet, "/debug", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", out["config"].(map[string]any)["version"])
}

func TestDashboard(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, _ := e.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fetch('/status')")
}
