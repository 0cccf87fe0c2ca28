package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/pix-relay/pkg/auth"
	"github.com/you/pix-relay/pkg/config"
	"github.com/you/pix-relay/pkg/db"
	"github.com/you/pix-relay/pkg/mq"
	"github.com/you/pix-relay/pkg/obs"
	"github.com/you/pix-relay/services/relay-service/internal/clock"
	"github.com/you/pix-relay/services/relay-service/internal/handlers"
	"github.com/you/pix-relay/services/relay-service/internal/journal"
	"github.com/you/pix-relay/services/relay-service/internal/notifier"
	"github.com/you/pix-relay/services/relay-service/internal/service"
	"github.com/you/pix-relay/services/relay-service/internal/store"
)

const (
	serviceName = "pix-relay"
	version     = "3.0.0"
	purgeEvery  = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		shutdown, err := obs.InitTracer(ctx, serviceName, version, cfg.Env, cfg.OTelEndpoint)
		if err != nil {
			logger.Warn("[relay] tracing disabled", "err", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	clk := clock.NewSystem()
	st := openStore(ctx, cfg, clk, logger)
	defer st.Close()

	var sink journal.Sink = journal.NewMemorySink(cfg.JournalSize)
	if rs, ok := st.(*store.Redis); ok {
		sink = journal.NewRedisSink(rs.Client(), int64(cfg.JournalSize), cfg.JournalTTL)
	}
	j := journal.New(sink, clk, logger)

	info := notifier.SystemInfo{Source: serviceName, Version: version, Store: st.Backend()}
	var n notifier.Notifier = notifier.NewHTTP(cfg.N8NWebhookURL, cfg.N8NWhatsAppURL, cfg.ForwardTimeout, info, clk, logger)
	if cfg.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.RabbitURL, cfg.RelayExchange, serviceName)
		if err != nil {
			logger.Warn("[relay] delivery mirror disabled", "err", err)
		} else {
			defer pub.Close()
			n = notifier.NewMirror(n, pub, clk, logger)
		}
	}

	svc := service.NewRelaySvc(st, n, j, clk, service.Settings{
		PIXTimeout:      cfg.PIXTimeout,
		PendingPixTTL:   cfg.PendingPixTTL,
		LeadPurchaseTTL: cfg.LeadPurchaseTTL,
		LeadResponseTTL: cfg.LeadResponseTTL,
		DedupTTL:        cfg.DedupTTL,
	}, logger)
	defer svc.Close()

	var signer *auth.Signer
	if cfg.AdminJWTSecret != "" {
		signer = auth.NewSigner(cfg.AdminJWTSecret)
	}

	router := handlers.NewRouter(handlers.Deps{
		Service: svc,
		Clock:   clk,
		Log:     logger,
		Limiter: rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst),
		Signer:  signer,
		Config: handlers.ConfigSummary{
			Version:         version,
			PaymentsURL:     cfg.N8NWebhookURL,
			WhatsAppURL:     cfg.N8NWhatsAppURL,
			PIXTimeout:      cfg.PIXTimeout.String(),
			ForwardTimeout:  cfg.ForwardTimeout.String(),
			StoreBackend:    st.Backend(),
			MirrorEnabled:   cfg.RabbitURL != "",
			TracingEnabled:  cfg.OTelEnabled,
			AdminAuthActive: signer != nil,
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	j.Add(ctx, journal.TypeSuccess, "Sistema iniciado - backend "+st.Backend(), nil)
	logger.Info("[relay] listening", "addr", srv.Addr, "store", st.Backend(), "pix_timeout", cfg.PIXTimeout)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("[relay] shutting down")
	case err := <-errCh:
		logger.Error("[relay] server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("[relay] http shutdown", "err", err)
	}
}

// openStore connects the configured backend and falls back to memory when a
// remote backend is unreachable.
func openStore(ctx context.Context, cfg config.App, clk clock.Clock, logger *slog.Logger) store.Store {
	switch cfg.StoreBackend {
	case "redis":
		rs, err := store.NewRedis(ctx, cfg.RedisURL)
		if err == nil {
			return rs
		}
		logger.Error("[relay] redis unavailable, using memory", "err", err)

	case "sql":
		gdb, err := db.Open(cfg.PGRelayDSN)
		if err == nil {
			s := store.NewSQL(gdb, clk)
			if err = s.Migrate(); err == nil {
				go purgeLoop(ctx, s, logger)
				return s
			}
			_ = s.Close()
		}
		logger.Error("[relay] sql store unavailable, using memory", "err", err)
	}
	return store.NewMemory(clk)
}

func purgeLoop(ctx context.Context, s *store.SQL, logger *slog.Logger) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				logger.Warn("[relay] purge expired rows", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("[relay] purged expired rows", "rows", n)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
