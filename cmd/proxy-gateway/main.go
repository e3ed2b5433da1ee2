// The proxy-gateway service: the enforcement point agents call through.
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
	"github.com/pathwell/fabric/pkg/gateway"
	"github.com/pathwell/fabric/pkg/observability"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load()
	if err := config.ApplyProfile(); err != nil {
		slog.Error("apply config profile", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}
	observability.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.Init(ctx, "proxy-gateway", buildVersion)
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	cache, err := gateway.NewIdentityCache(cfg.RedisURL, cfg.IdentityCacheTTL)
	if err != nil {
		slog.Error("connect identity cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()

	proxy, err := gateway.NewProxy(cfg,
		gateway.NewIdentityClient(cfg.IdentityRegistryURL, cache),
		gateway.NewPolicyClient(cfg.PolicyEngineURL),
		gateway.NewReceiptClient(cfg.ReceiptStoreURL),
		buildVersion)
	if err != nil {
		slog.Error("build proxy", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", proxy.Routes())
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := net.JoinHostPort(cfg.ListenHost, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("proxy gateway listening", "addr", addr, "target", cfg.TargetBackendURL, "version", buildVersion)
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
