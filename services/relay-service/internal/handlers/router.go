package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/you/pix-relay/pkg/auth"
	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/middlewares"
	"github.com/you/pix-relay/services/relay-service/internal/service"
)

const RoleAdmin = "ADMIN"

type Deps struct {
	Service *service.RelaySvc
	Clock   clock.Clock
	Config  ConfigSummary
	Log     *slog.Logger
	// Limiter throttles the webhook routes; nil disables throttling.
	Limiter *rate.Limiter
	// Signer guards /debug; nil leaves it open.
	Signer *auth.Signer
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.RequestID(), middlewares.RequestLogger(d.Log), middlewares.Recovery(d.Log))

	wh := NewWebhookHandler(d.Service, d.Log)
	hooks := r.Group("/webhook")
	if d.Limiter != nil {
		hooks.Use(middlewares.Throttle(d.Limiter))
	}
	hooks.POST("/perfect", wh.Perfect)
	hooks.POST("/whatsapp-response", wh.WhatsApp)

	sh := NewStatusHandler(d.Service, d.Clock, d.Config, d.Log)
	r.GET("/health", sh.Health)
	r.GET("/status", sh.Status)
	if d.Signer != nil {
		r.GET("/debug", middlewares.JWTAuth(d.Signer), middlewares.RequireRole(RoleAdmin), sh.Debug)
	} else {
		r.GET("/debug", sh.Debug)
	}
	r.GET("/", Dashboard)

	return r
}
