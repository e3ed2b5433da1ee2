// The receipt-store service: hash-chained receipts, trace aggregation,
// stream fan-out and long-term archival.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pathwell/fabric/pkg/archive"
	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/observability"
	"github.com/pathwell/fabric/pkg/receipts"
	"github.com/pathwell/fabric/pkg/stream"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load()
	if err := config.ApplyProfile(); err != nil {
		slog.Error("apply config profile", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadReceipt()
	observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.Init(ctx, "receipt-store", buildVersion)
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	// Without DATABASE_URL the service still starts and answers 503 on
	// data routes, so probes can tell "degraded" from "gone".
	var store *receipts.Store
	var writer *receipts.Writer
	if cfg.DatabaseURL != "" {
		store, err = receipts.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Error("open receipt database", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		publisher, err := stream.New(ctx, cfg)
		if err != nil {
			slog.Error("init stream backend", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		archiver, err := archive.New(ctx, cfg)
		if err != nil {
			slog.Error("init archive backend", "error", err)
			os.Exit(1)
		}

		writer = receipts.NewWriter(store, publisher, archiver, buildVersion)
		go receipts.NewFinalizer(store, cfg.TraceIdleTimeout).Run(ctx)
	} else {
		slog.Warn("DATABASE_URL not set; receipt store running without persistence")
	}

	svc := receipts.NewService(store, writer, buildVersion)
	mux := http.NewServeMux()
	mux.Handle("/", svc.Routes())
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := net.JoinHostPort(cfg.ListenHost, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("receipt store listening", "addr", addr, "version", buildVersion)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
