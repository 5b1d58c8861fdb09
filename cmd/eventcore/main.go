// Package main implements the entry point for the eventcore daemon:
// an event-stream monitoring engine with an in-memory latest-event index,
// TTL-based expiry, live pubsub feeds, and hot configuration reloads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/eventcore/config"
	"github.com/c360/eventcore/core"
	"github.com/c360/eventcore/event"
	"github.com/c360/eventcore/metric"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "eventcore"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewMetricsRegistry()

	// The one shared mutable reference: every listener, the reaper and the
	// sampler read the current core through their own Reload-delivered
	// pointer, while this one drives reloads and shutdown.
	var current atomic.Pointer[core.Core]

	pipeline := []core.Stream{indexStream(&current)}

	c, err := config.Build(cfg, registry, logger, pipeline...)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	metricsSrv := startMetricsServer(cliCfg.MetricsPort, registry, logger)

	// The core must be visible to the pipeline before any listener starts,
	// or events ingested during startup would find no index.
	current.Store(c)

	ctx := context.Background()
	if err := core.StartCore(ctx, c); err != nil {
		// Partial startup is survivable; the failed services are logged and
		// the rest of the system serves.
		logger.Error("core started with failures", "error", err)
	}
	logger.Info("eventcore started", "version", Version, "config", cliCfg.ConfigPath)

	return handleSignals(ctx, cliCfg, &current, registry, logger, pipeline, metricsSrv)
}

// indexStream returns the default pipeline stage: every event lands in
// the index of whatever core is current when it arrives. Events seen
// before a core is published are dropped.
func indexStream(current *atomic.Pointer[core.Core]) core.Stream {
	return func(e *event.Event) error {
		c := current.Load()
		if c == nil {
			return nil
		}
		return c.UpdateIndex(e)
	}
}

// handleSignals blocks on the signal loop: SIGHUP reloads the
// configuration through a core transition, SIGINT and SIGTERM shut down.
func handleSignals(
	ctx context.Context,
	cliCfg *CLIConfig,
	current *atomic.Pointer[core.Core],
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	pipeline []core.Stream,
	metricsSrv *http.Server,
) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload(ctx, cliCfg.ConfigPath, current, registry, logger, pipeline)
			continue
		}

		logger.Info("Received shutdown signal", "signal", sig.String())
		if err := core.StopCore(current.Load()); err != nil {
			logger.Error("Error stopping services", "error", err)
		}
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		logger.Info("eventcore shutdown complete")
		return nil
	}
	return nil
}

// reload builds a core from the configuration file and transitions the
// running one to it. A config that fails to load or build leaves the
// running core untouched.
func reload(
	ctx context.Context,
	path string,
	current *atomic.Pointer[core.Core],
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	streams []core.Stream,
) {
	logger.Info("reloading configuration", "config", path)

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("reload aborted, config invalid", "error", err)
		return
	}
	next, err := config.Build(cfg, registry, logger, streams...)
	if err != nil {
		logger.Error("reload aborted, build failed", "error", err)
		return
	}

	merged, err := core.Transition(ctx, current.Load(), next)
	current.Store(merged)
	if err != nil {
		// The merged core is live regardless; the failures are per-service.
		logger.Error("transition completed with failures", "error", err)
		return
	}
	logger.Info("configuration reloaded")
}

// startMetricsServer exposes the Prometheus registry over HTTP, or returns
// nil when disabled.
func startMetricsServer(port int, registry *metric.MetricsRegistry, logger *slog.Logger) *http.Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry.PrometheusRegistry(),
		promhttp.HandlerOpts{},
	))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server started", "port", port)
	return srv
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg)
	slog.SetDefault(logger)

	return cliCfg, logger, false, nil
}
