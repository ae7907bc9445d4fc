// Package main — cmd/eskkad/main.go
//
// eskka discovery daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/eskka/config.yaml.
//  2. Initialise structured logger (zap; JSON or console format per config).
//  3. Open the BoltDB operational journal.
//  4. Start Prometheus metrics server.
//  5. Start the discovery node (join, elect, monitor).
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Restart loop: the abdicator reacts to sustained quorum loss by
// stopping the node and invoking the restart hook; this entrypoint
// rebuilds the whole discovery instance from scratch with a fresh
// NodeId. A node that cannot join within its startup window is retried
// the same way.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Graceful cluster leave (4s budget).
//  2. Substrate termination (1s budget).
//  3. Close journal, flush logger, exit 0.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cgvarela/eskka/internal/config"
	"github.com/cgvarela/eskka/internal/discovery"
	"github.com/cgvarela/eskka/internal/observability"
	"github.com/cgvarela/eskka/internal/storage"
)

const restartRetryDelay = 5 * time.Second

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/eskka/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("eskkad %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("eskka starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Strings("seeds", cfg.Discovery.SeedNodes),
		zap.String("config", *configPath),
	)

	// ── Root context with cancellation ────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open journal ──────────────────────────────────────────────────
	journal, err := storage.Open(cfg.Storage.JournalPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("journal open failed", zap.Error(err),
			zap.String("path", cfg.Storage.JournalPath))
	}
	defer journal.Close() //nolint:errcheck
	log.Info("journal opened", zap.String("path", cfg.Storage.JournalPath))

	// ── Step 4: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Discovery node with restart loop ──────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	restartCh := make(chan string, 1)
	hook := func(reason string) {
		select {
		case restartCh <- reason:
		default:
		}
	}

	for {
		node := discovery.NewNode(discovery.Options{
			Discovery:   cfg.Discovery,
			Journal:     journal,
			Metrics:     metrics,
			Log:         log,
			RestartHook: hook,
		})

		if err := node.Start(ctx); err != nil {
			log.Error("discovery start failed, retrying", zap.Error(err),
				zap.Duration("delay", restartRetryDelay))
			select {
			case <-time.After(restartRetryDelay):
				continue
			case sig := <-sigCh:
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
				return
			}
		}

		// ── Step 6: Wait for restart or shutdown ──────────────────────────────
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := node.Stop(stopCtx); err != nil {
				log.Warn("node stop incomplete", zap.Error(err))
			}
			stopCancel()
			log.Info("eskka shutdown complete")
			return
		case reason := <-restartCh:
			// The node already stopped itself before invoking the hook.
			log.Warn("rebuilding discovery instance", zap.String("reason", reason))
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
