package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/recoverylab/validator/internal/broadcast"
	"github.com/recoverylab/validator/internal/config"
	"github.com/recoverylab/validator/internal/controller"
	"github.com/recoverylab/validator/internal/generator"
	"github.com/recoverylab/validator/internal/metrics"
	"github.com/recoverylab/validator/internal/monitor"
	"github.com/recoverylab/validator/internal/pipeline"
	"github.com/recoverylab/validator/internal/server"
	"github.com/recoverylab/validator/internal/state"
	"github.com/recoverylab/validator/internal/target"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := broadcast.NewHub(m)

	store := state.New(hub, target.NewClient(cfg.DemoAppURL, target.DefaultMaxAttempts), state.Options{
		Service:      cfg.Datadog.Service,
		DashboardURL: cfg.Datadog.DashboardURL,
	})

	var mon monitor.Monitor
	if cfg.Datadog.UseMock {
		slog.Info("Using MOCK monitor (USE_MOCK_MONITOR=true)")
		mon = monitor.NewMockClient()
	} else {
		mon = monitor.New(monitor.DatadogConfig{
			APIKey: cfg.Datadog.APIKey,
			AppKey: cfg.Datadog.AppKey,
			Site:   cfg.Datadog.Site,
			Env:    cfg.Datadog.Env,
		})
	}

	gen := generator.New(generator.Config{
		APIKey:      cfg.MiniMax.APIKey,
		Model:       cfg.MiniMax.Model,
		BaseURL:     cfg.MiniMax.BaseURL,
		TargetURL:   cfg.DemoAppURL,
		DatadogSite: cfg.Datadog.Site,
		Service:     cfg.Datadog.Service,
		Env:         cfg.Datadog.Env,
	})

	pipe := pipeline.New(store, pipeline.Options{Metrics: m})

	ctrl := controller.New(store, mon, gen, pipe, hub, controller.Options{
		DetectionInterval: cfg.DetectionInterval,
		IngestionLag:      cfg.IngestionLag,
		Metrics:           m,
	})

	srv := server.NewServer(store, ctrl, hub, reg)

	addr := fmt.Sprintf(":%d", cfg.OrchPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctrl.Start()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("Received signal, shutting down", "signal", sig.String())

		ctrl.Stop()
		pipe.Shutdown()
		hub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting Recovery Validation Orchestrator", "addr", addr, "target", cfg.DemoAppURL)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
