// Package main runs the LMS progress dev server: the realtime websocket
// endpoint, the dashboard summary API, and Prometheus metrics on one
// listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/clock/system"
	"github.com/BalakrishnaCE/LMS-sub001/internal/config"
	"github.com/BalakrishnaCE/LMS-sub001/internal/devserver"
	"github.com/BalakrishnaCE/LMS-sub001/internal/logging"
	"github.com/BalakrishnaCE/LMS-sub001/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lms-progress: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best effort on exit
	zap.ReplaceGlobals(logger)

	registry := prometheus.NewRegistry()
	if _, err := metrics.New(registry); err != nil {
		return err
	}

	server := devserver.New(devserver.Config{
		Logger:   logger,
		Registry: registry,
		Now:      system.New().Now,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dev server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
