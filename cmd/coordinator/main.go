package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"receipt-ocr-pipeline/internal/blob"
	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/coordinator"
	"receipt-ocr-pipeline/internal/logger"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/store"
	"receipt-ocr-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat, "coordinator")

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("open record store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	links, err := blob.Open(ctx, cfg)
	if err != nil {
		slog.Error("open object storage", "err", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Warn("metrics server stopped", "err", err)
		}
	}()

	slog.Info("coordinator started",
		"stage_queue", cfg.StageQueue,
		"ocr_queue", cfg.OCRQueue,
		"read_link_ttl", cfg.ReadLinkTTL)

	c := coordinator.New(cfg, q, st, links)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("coordinator stopped", "err", err)
		os.Exit(1)
	}
}
