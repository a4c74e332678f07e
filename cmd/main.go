package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/api"
	"github.com/taskinen/wrm-systems/internal/config"
	"github.com/taskinen/wrm-systems/internal/coordinator"
	"github.com/taskinen/wrm-systems/internal/scheduler"
	"github.com/taskinen/wrm-systems/internal/server"
	"github.com/taskinen/wrm-systems/internal/storage"
	"github.com/taskinen/wrm-systems/internal/usage"
	"github.com/taskinen/wrm-systems/internal/validation"
)

// Command wrm-systems syncs cumulative readings from a WRM-Systems water
// meter into a local historical dataset and serves derived usage metrics
// over HTTP.
//
// The service supports:
//   - Delta sync of new readings on a configurable poll interval
//   - Full-history bootstrap on first run (30-day backward windows)
//   - Retention-bounded storage (file or PostgreSQL backed)
//   - Rolling hourly/daily/weekly/monthly usage metrics
//   - Operator-triggered backfill and force refresh
//   - Prometheus metrics
//
// Usage:
//
//	wrm-systems [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"port":    cfg.Server.Port,
		"backend": cfg.Storage.Backend,
	}).Info("Starting wrm-systems")

	tz, err := time.LoadLocation(cfg.Sync.Timezone)
	if err != nil {
		logger.Fatalf("Invalid timezone %q: %v", cfg.Sync.Timezone, err)
	}

	backend, err := newBackend(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create storage backend: %v", err)
	}
	defer backend.Close()

	validator := validation.New(logger)
	client := api.NewClient(api.ClientConfig{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		RequestTimeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	}, validator, logger)

	store := storage.NewStore(backend, validator, cfg.Sync.HistoricalDays, logger)
	aggregator := usage.NewAggregator(validator, cfg.Sync.MaxDataAgeHours)
	coord := coordinator.New(client, store, aggregator, coordinator.Config{
		HistoricalDays: cfg.Sync.HistoricalDays,
		BackfillDays:   cfg.Sync.BackfillDays,
		Timezone:       tz,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollInterval := time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second
	sched := scheduler.NewScheduler(ctx, coord, pollInterval, 10*time.Minute, logger)

	handler, err := server.SetupServer(coord, server.ServerConfig{
		CacheSize:      cfg.Server.CacheSize,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to setup server: %v", err)
	}

	errChan := make(chan error, 1)

	// Run the first cycle immediately rather than waiting a full poll
	// interval; a first run may walk the entire history, so give it a
	// generous timeout.
	go func() {
		cycleCtx, cycleCancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cycleCancel()
		if _, err := coord.RunCycle(cycleCtx); err != nil {
			logger.WithError(err).Error("Initial sync cycle failed")
		}
	}()

	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler,
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal %v, shutting down", sig)
	case err := <-errChan:
		logger.WithError(err).Error("Service error, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func newBackend(cfg *config.Config, logger *logrus.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPostgresBackend(cfg.Storage.Postgres.ConnString(), cfg.Storage.SourceID, logger)
	default:
		return storage.NewFileBackend(cfg.Storage.Path, logger)
	}
}
