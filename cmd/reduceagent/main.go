// Reduce Agent — an automated reduce-only execution agent for hedge-mode
// perpetual futures. It watches top-of-book and trade-by-trade data, exits
// existing positions in small reduce-only slices at favorable microstructure
// moments, and keeps one venue-side protective stop per position side so the
// account is never undefended.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts agent, waits for SIGINT/SIGTERM
//	agent/agent.go          — orchestrator: wires streams → signal → execution → venue, owns goroutines
//	signal/engine.go        — per-instrument exit-condition evaluation with accel/ROI multipliers
//	execution/runner.go     — per-(instrument, side) order state machine, maker→taker escalation
//	risk/manager.go         — order/cancel admission buckets + liquidation-distance guard
//	protectivestop/         — venue-side close-position stop reconciliation, tighten-only
//	exchange/binancefutures — Binance USDT-M futures adapter (REST + Algo Service)
//	exchange/stream         — market and user-data WebSocket feeds with auto-reconnect
//	store/store.go          — in-memory position snapshot shared across subsystems
//
// The agent never opens positions. Every order it emits is reduce-only
// except the protective stops, which are close-position conditional orders.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"reduceagent/internal/agent"
	"reduceagent/internal/config"
	"reduceagent/internal/obs"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("REDUCEAGENT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ag, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	// Start health/metrics server if enabled
	var obsSrv *obs.Server
	if cfg.Obs.Enabled {
		obsSrv = obs.New(cfg.Obs.Port, logger)
		go func() {
			if err := obsSrv.Run(ctx); err != nil {
				logger.Error("obs server failed", "error", err)
			}
		}()
	}

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}
	if obsSrv != nil {
		obsSrv.SetReady(true)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("reduce agent started",
		"symbols", len(cfg.Symbols),
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	ag.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
