package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/wechatbot/internal/app"
	"github.com/ent0n29/wechatbot/internal/config"
	"github.com/ent0n29/wechatbot/internal/logging"
	"github.com/ent0n29/wechatbot/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx := context.Background()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	built, err := app.Build(ctx, cfg, nil, metrics, logger)
	if err != nil {
		logger.Error("build failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"webhook_path", cfg.WebhookPath,
			"store_mode", built.Store.Mode(),
			"voice", built.Voice.Detail,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("listen error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := built.Webhook.Wait(shutdownCtx); err != nil {
		logger.Warn("webhook events still running at shutdown", "err", err)
	}
	if err := built.API.Wait(shutdownCtx); err != nil {
		logger.Warn("background dialogs still running at shutdown", "err", err)
	}
	if err := built.Dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("queued replies still sending at shutdown", "err", err)
	}

	logger.Info("shutdown complete")
}
