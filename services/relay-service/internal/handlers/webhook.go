package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/pix-relay/services/relay-service/internal/middlewares"
	"github.com/you/pix-relay/services/relay-service/internal/service"
)

const maxBodyBytes = 1 << 20

type WebhookHandler struct {
	svc *service.RelaySvc
	log *slog.Logger
}

func NewWebhookHandler(svc *service.RelaySvc, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{svc: svc, log: log}
}

// Perfect receives Perfect Pay sale webhooks.
func (h *WebhookHandler) Perfect(c *gin.Context) {
	raw, ok := h.readBody(c)
	if !ok {
		return
	}

	res, err := h.svc.HandlePayment(c.Request.Context(), raw)
	if err != nil {
		h.fail(c, "perfect", err)
		return
	}

	out := gin.H{
		"success":     true,
		"order_code":  res.OrderCode,
		"status":      res.Status,
		"phone":       res.Phone,
		"was_pending": res.WasPending,
	}
	if res.Forwarded != nil {
		out["forwarded"] = res.Forwarded
	}
	h.withStats(c, out)
	c.JSON(http.StatusOK, out)
}

// WhatsApp receives message webhooks from the WhatsApp gateway.
func (h *WebhookHandler) WhatsApp(c *gin.Context) {
	raw, ok := h.readBody(c)
	if !ok {
		return
	}

	res, err := h.svc.HandleMessage(c.Request.Context(), raw)
	if err != nil {
		h.fail(c, "whatsapp", err)
		return
	}
	if res.Duplicated {
		c.JSON(http.StatusOK, gin.H{"success": true, "duplicated": true})
		return
	}

	out := gin.H{
		"success":          true,
		"message":          "Webhook WhatsApp processado",
		"phone":            nullable(res.Phone),
		"normalized_phone": nullable(res.NormalizedPhone),
		"has_message":      res.HasMessage,
		"has_purchase":     res.HasPurchase,
		"partial":          res.Partial,
	}
	if res.Forwarded != nil {
		out["forwarded"] = res.Forwarded
	}
	h.withStats(c, out)
	c.JSON(http.StatusOK, out)
}

func (h *WebhookHandler) readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.log.Warn("[http] webhook body too large", "limit", tooLarge.Limit, "request_id", middlewares.RequestIDFrom(c))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"success": false,
			"error":   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return nil, false
	}
	if err != nil {
		h.fail(c, "read", err)
		return nil, false
	}
	return raw, true
}

func (h *WebhookHandler) fail(c *gin.Context, hook string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, service.ErrBadPayload) {
		status = http.StatusBadRequest
	}
	h.log.Error("[http] webhook failed", "hook", hook, "request_id", middlewares.RequestIDFrom(c), "err", err)
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func (h *WebhookHandler) withStats(c *gin.Context, out gin.H) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.log.Warn("[http] stats unavailable", "err", err)
		return
	}
	out["store_backend"] = st.Backend
	out["stats"] = st
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
