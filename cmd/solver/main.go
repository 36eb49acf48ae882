// Command solver runs the BTC/USD RFQ market-making solver: it prices
// quote requests off an RFQ relay bus against a perpetual venue's order
// book, publishes signed quotes, and hedges settled quotes on the venue
// to stay delta-neutral.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine       — orchestrator: wires venue/chain/risk/quoter/hedger/relay, runs the quote pipeline
//	internal/quoter       — synchronous, I/O-free quote pricing (§4.4)
//	internal/hedger       — settlement detection + IOC hedge execution (§4.6)
//	internal/risk         — periodic RiskSnapshot refresh + quote-direction policy (§4.3)
//	internal/venue        — perpetual venue L2 stream, account state, order placement (§4.1)
//	internal/chain        — settlement-chain balance/nonce views + Ed25519 signing (§4.2)
//	internal/relay        — RFQ bus session with reconnect + request/ack correlation (§4.5)
//	internal/watchdog     — drift alerting + periodic status/rejection-histogram logging (§4.7)
//	internal/audit        — JSONL trade/position/trace streams (out of core, §6)
//	internal/api          — read-only dashboard (out of core, §1)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"solver/internal/api"
	"solver/internal/config"
	"solver/internal/engine"
)

func main() {
	// Optional local-dev convenience: load a .env file into the process
	// environment before config.Load reads SOLVER_* overrides. Absence is
	// not an error — production deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SOLVER_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng.Provider(), *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real hedge orders will be placed")
	}

	logger.Info("solver started",
		"venue_ws", cfg.Venue.WSURL,
		"relay", cfg.Relay.URL,
		"max_btc_inventory", cfg.Risk.MaxBTCInventory,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
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
