// The identity-registry service: developer and agent registration,
// certificate issuance, tenants and trust scores.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/identity"
	"github.com/pathwell/fabric/pkg/observability"
	"github.com/pathwell/fabric/pkg/pki"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load()
	if err := config.ApplyProfile(); err != nil {
		slog.Error("apply config profile", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadIdentity()
	observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.Init(ctx, "identity-registry", buildVersion)
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)

	ca, err := pki.New()
	if err != nil {
		slog.Error("initialise certificate authority", "error", err)
		os.Exit(1)
	}

	svc := identity.NewService(identity.NewStore(db), ca, buildVersion)
	mux := http.NewServeMux()
	mux.Handle("/", svc.Routes())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", api.HealthHandler("identity-registry", buildVersion, db))

	addr := net.JoinHostPort(cfg.ListenHost, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("identity registry listening", "addr", addr, "version", buildVersion)
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
