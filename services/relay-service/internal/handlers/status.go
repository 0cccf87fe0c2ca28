package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/service"
)

const debugJournalEntries = 20

// ConfigSummary is the non-secret part of the configuration shown on /debug.
type ConfigSummary struct {
	Version         string `json:"version"`
	PaymentsURL     string `json:"n8n_webhook_url"`
	WhatsAppURL     string `json:"n8n_whatsapp_url"`
	PIXTimeout      string `json:"pix_timeout"`
	ForwardTimeout  string `json:"forward_timeout"`
	StoreBackend    string `json:"store_backend"`
	MirrorEnabled   bool   `json:"mirror_enabled"`
	TracingEnabled  bool   `json:"tracing_enabled"`
	AdminAuthActive bool   `json:"admin_auth"`
}

type StatusHandler struct {
	svc     *service.RelaySvc
	clock   clock.Clock
	started time.Time
	cfg     ConfigSummary
	log     *slog.Logger
}

func NewStatusHandler(svc *service.RelaySvc, clk clock.Clock, cfg ConfigSummary, log *slog.Logger) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{svc: svc, clock: clk, started: clk.Now(), cfg: cfg, log: log}
}

func (h *StatusHandler) uptime() time.Duration {
	return h.clock.Now().Sub(h.started).Truncate(time.Second)
}

func (h *StatusHandler) Health(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.log.Error("[http] health stats failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
			"uptime": h.uptime().String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"timestamp":     h.clock.Now().UTC().Format(time.RFC3339),
		"uptime":        h.uptime().String(),
		"store_backend": st.Backend,
		"stats":         st,
	})
}

func (h *StatusHandler) Status(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"system":          "pix-relay",
		"version":         h.cfg.Version,
		"status":          "online",
		"store_backend":   st.Backend,
		"uptime":          h.uptime().String(),
		"pix_timeout":     h.svc.Tracker().Timeout().String(),
		"stats":           st,
		"n8n_webhook_url": h.cfg.PaymentsURL,
	})
}

func (h *StatusHandler) Debug(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.svc.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	recent, err := h.svc.Journal().Recent(ctx, debugJournalEntries)
	if err != nil {
		h.log.Warn("[http] journal unavailable", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":          st,
		"pending_orders": h.svc.Tracker().Snapshot(),
		"recent_logs":    recent,
		"config":         h.cfg,
	})
}
