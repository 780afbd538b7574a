package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/logger"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/relay"
	"receipt-ocr-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat, "relay")

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

	q := queue.NewRedisQueue(cfg)

	server, err := relay.New(cfg, st, q)
	if err != nil {
		slog.Error("init relay", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	slog.Info("relay listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
