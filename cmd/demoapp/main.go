package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recoverylab/validator/internal/config"
	"github.com/recoverylab/validator/internal/demoapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	svc := demoapp.NewService()
	if os.Getenv("DEMO_BUG_ENABLED") == "true" {
		svc.SetBug(true)
	}

	addr := fmt.Sprintf(":%d", cfg.DemoPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	slog.Info("Starting demo checkout service", "addr", addr, "bug_enabled", svc.BugEnabled())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
