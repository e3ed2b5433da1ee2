// The policy-engine service: request evaluation against OPA or an
// embedded CEL expression.
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

	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/observability"
	"github.com/pathwell/fabric/pkg/policy"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load()
	if err := config.ApplyProfile(); err != nil {
		slog.Error("apply config profile", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadPolicy()
	observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.Init(ctx, "policy-engine", buildVersion)
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	var engine policy.Engine
	switch cfg.Backend {
	case "cel":
		engine, err = policy.NewCELEngine(cfg.CELExpr)
		if err != nil {
			slog.Error("compile CEL policy", "error", err)
			os.Exit(1)
		}
	default:
		engine = policy.NewOPAEngine(policy.OPAConfig{
			URL:           cfg.OPAURL,
			PolicyVersion: cfg.PolicyVersion,
		})
	}
	slog.Info("policy backend ready", "backend", engine.Backend(), "policy_hash", engine.PolicyHash())

	svc := policy.NewService(engine, buildVersion)
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
		slog.Info("policy engine listening", "addr", addr, "version", buildVersion)
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
