// Package main is the entry point for the Gantry gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantry-llm/gantry"
	"github.com/gantry-llm/gantry/internal/config"
	"github.com/gantry-llm/gantry/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/gantry.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting gantry gateway", "version", gantry.Version)

	gw, err := gantry.NewFromConfig(cfg, gantry.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Plugin configuration reloads on file change; provider changes need a
	// restart.
	cfgManager.OnChange(func(next *config.Config) {
		if err := gw.Reload(next); err != nil {
			logger.Error("config reload rejected", "error", err)
		}
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	cfgManager.Close()
	logger.Info("server stopped")
}
