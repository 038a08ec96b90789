// Command voicelink-gateway is the authenticating reverse proxy between
// browser clients and the voice orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsan99/voicelink/internal/config"
	"github.com/dharsan99/voicelink/internal/gateway"
	"github.com/dharsan99/voicelink/internal/logbuf"
	"github.com/dharsan99/voicelink/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration, with hot reload ────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config) {
		slog.Info("configuration changed; listen address and JWT settings apply on restart")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicelink-gateway: %v\n", err)
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	if cfg.Gateway.UpstreamURL == "" {
		fmt.Fprintln(os.Stderr, "voicelink-gateway: gateway.upstream_url is required")
		return 1
	}
	listenAddr := cfg.Gateway.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logs := newLogBuffer(cfg)
	slog.SetDefault(slog.New(logs))

	slog.Info("voicelink-gateway starting",
		"config", *configPath,
		"listen_addr", listenAddr,
		"upstream_url", cfg.Gateway.UpstreamURL,
		"auth", cfg.Gateway.JWT != nil,
	)
	if cfg.Gateway.JWT == nil {
		slog.Warn("no gateway.jwt configured; requests pass through unauthenticated")
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicelink-gateway"})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		UpstreamURL: cfg.Gateway.UpstreamURL,
		JWT:         cfg.Gateway.JWT,
		Logs:        logs,
	})
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		return 1
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("gateway ready: press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("serve error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogBuffer builds the ring-buffered logger from config.
func newLogBuffer(cfg *config.Config) *logbuf.Buffer {
	var lvl slog.Level
	switch cfg.Logging.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return logbuf.New(inner, cfg.Logging.BufferSize)
}
