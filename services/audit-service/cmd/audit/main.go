package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/pix-relay/pkg/config"
	"github.com/you/pix-relay/pkg/mq"
	"github.com/you/pix-relay/services/audit-service/internal/notifier"
	"github.com/you/pix-relay/services/audit-service/internal/worker"
)

func main() {
	cfg, err := config.LoadAudit()
	if err != nil {
		log.Fatal(err)
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cons *mq.Consumer
	for {
		cons, err = mq.NewConsumer(mq.ConsumerConfig{
			URL:      cfg.RabbitURL,
			Exchange: cfg.RelayExchange,
			Queue:    cfg.Queue,
			Bindings: cfg.Bindings,
			Prefetch: cfg.Prefetch,
			DLX:      cfg.DLX,
			DLXQueue: cfg.DLQ,
			Tag:      "audit-service",
		})
		if err == nil {
			break
		}
		logger.Warn("[audit] connect failed; retry in 2s", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	defer cons.Close()

	msgs, err := cons.Deliveries(ctx)
	if err != nil {
		logger.Error("[audit] consume failed", "err", err)
		return
	}

	logger.Info("[audit] started", "queue", cfg.Queue, "exchange", cfg.RelayExchange, "bindings", cfg.Bindings)
	w := worker.New(notifier.NewConsole(logger), logger)
	if err := w.Run(ctx, msgs); err != nil {
		logger.Error("[audit] run error", "err", err)
	}
}
