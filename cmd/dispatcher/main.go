package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/dispatcher"
	"receipt-ocr-pipeline/internal/logger"
	"receipt-ocr-pipeline/internal/ocr"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/ratelimit"
	"receipt-ocr-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat, "dispatcher")

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

	q := queue.NewRedisQueue(cfg)

	var engine ocr.Engine
	switch cfg.OCREngine {
	case "tesseract":
		engine = ocr.NewTesseractEngine()
	default:
		engine = ocr.NewRemoteEngine(cfg.OCREndpoint, cfg.OCRKey, cfg.OCRTimeout)
	}

	var throttle dispatcher.Throttle
	if cfg.ThrottleCapacity > 0 {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		throttle = ratelimit.NewTokenBucket(client, cfg.ThrottleCapacity, cfg.ThrottleRefill, time.Hour)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Warn("metrics server stopped", "err", err)
		}
	}()

	slog.Info("dispatcher started",
		"engine", cfg.OCREngine,
		"retry_threshold", cfg.OCRRetryThreshold,
		"max_deliveries", cfg.MaxDeliveries)

	d := dispatcher.New(cfg, q, engine, throttle)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatcher stopped", "err", err)
		os.Exit(1)
	}
}
