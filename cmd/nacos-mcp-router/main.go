// Command nacos-mcp-router is the entry point for the router/proxy facade
// between an MCP-speaking agent and the pool of tool servers registered in
// Nacos.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nacos-mcp-router/router/internal/config"
	"github.com/nacos-mcp-router/router/internal/health"
	"github.com/nacos-mcp-router/router/internal/mirror"
	"github.com/nacos-mcp-router/router/internal/observe"
	"github.com/nacos-mcp-router/router/internal/registry"
	"github.com/nacos-mcp-router/router/internal/router"
	"github.com/nacos-mcp-router/router/internal/vectorindex"
)

const embeddingDimensions = 256

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nacos-mcp-router: invalid configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.DebugMode)
	slog.SetDefault(logger)

	slog.Info("nacos-mcp-router starting",
		"mode", cfg.Mode,
		"transport", cfg.TransportType,
		"nacos_addr", cfg.NacosAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "nacos-mcp-router",
		ServiceVersion: "1.0.0",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())

	metrics := observe.DefaultMetrics()
	registryClient := registry.NewClient(cfg.NacosServerSchema, cfg.NacosAddr, cfg.NacosUsername, cfg.NacosPassword)

	index, err := buildIndex(ctx, cfg)
	if err != nil {
		slog.Warn("vector index unavailable, using in-memory index without persistence", "err", err)
	}

	mir := mirror.New(registryClient, index, metrics)
	rtr := router.New(router.Mode(cfg.Mode), cfg.ProxiedMCPName, mir, registryClient, metrics)

	if cfg.Mode == config.ModeProxy {
		if err := mir.RefreshOne(ctx, cfg.ProxiedMCPName); err != nil {
			slog.Error("failed to fetch proxied mcp server descriptor", "server", cfg.ProxiedMCPName, "err", err)
			return 1
		}
		if err := rtr.EnsureProxiedSession(ctx); err != nil {
			slog.Error("failed to install proxied mcp server session", "server", cfg.ProxiedMCPName, "err", err)
			return 1
		}
	} else {
		if err := mir.RefreshAll(ctx); err != nil {
			slog.Error("failed initial registry mirror refresh", "err", err)
			return 1
		}
		go mir.RunLoop(ctx, cfg.UpdateInterval, cfg.DebugMode)
	}

	server, err := router.BuildServer(ctx, rtr)
	if err != nil {
		slog.Error("failed to build upstream mcp server", "err", err)
		return 1
	}

	if cfg.TransportType != config.TransportStdio {
		go serveAdminHTTP(ctx, registryClient, cfg)
	}

	slog.Info("serving", "transport", cfg.TransportType, "port", cfg.Port)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- router.Serve(ctx, server, router.TransportType(cfg.TransportType), strconv.Itoa(cfg.Port), metrics)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("serve error", "err", err)
			rtr.Shutdown()
			return 1
		}
	}

	rtr.Shutdown()
	if p, ok := index.(*vectorindex.PostgresIndex); ok {
		p.Close()
	}

	slog.Info("goodbye")
	return 0
}

// buildIndex constructs the Postgres-backed vector index wrapped in an
// in-memory fallback: once Postgres's circuit breaker trips, semantic search
// keeps working against the in-process index instead of going dark. If
// Postgres cannot even be reached at startup, the in-memory index is used
// directly and the mirror runs without persistence across restarts.
func buildIndex(ctx context.Context, cfg *config.Config) (vectorindex.Index, error) {
	embedder := vectorindex.NewHashEmbedder(embeddingDimensions)

	pg, err := vectorindex.NewPostgresIndex(ctx, cfg.PostgresDSN, embedder)
	if err != nil {
		return vectorindex.NewMemoryIndex(embedder), err
	}
	return vectorindex.NewFallbackIndex(pg, vectorindex.NewMemoryIndex(embedder)), nil
}

// serveAdminHTTP runs /healthz, /readyz and /metrics on their own mux. The
// configured port is already owned by the upstream mcp transport's handler,
// so the admin surface binds port+1 instead.
func serveAdminHTTP(ctx context.Context, registryClient *registry.Client, cfg *config.Config) {
	mux := http.NewServeMux()
	h := health.New(health.Checker{
		Name: "nacos",
		Check: func(ctx context.Context) error {
			_, _, ok := registryClient.ListPage(ctx, 1, 1)
			if !ok {
				return errors.New("nacos registry unreachable")
			}
			return nil
		},
	})
	h.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + strconv.Itoa(cfg.Port+1)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("admin http server stopped", "err", err)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
