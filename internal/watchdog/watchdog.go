// Package watchdog implements the drift watchdog (§4.7): a slow
// background ticker that cross-checks on-chain spot BTC against the
// perpetual position, alerts on divergence, and periodically logs a
// status summary plus the quoter's rejection histogram.
package watchdog

import (
	"context"
	"log/slog"
	"math"
	"time"

	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/quoter"
	"solver/internal/risk"
	"solver/pkg/tokens"
	"solver/pkg/types"
)

// Watchdog periodically reconciles spot and perpetual BTC exposure and
// reports solver health.
type Watchdog struct {
	cfg     config.WatchdogConfig
	riskCfg config.RiskConfig
	chain   *chain.Client
	risk    *risk.Manager
	quoter  *quoter.Quoter
	tokens  *tokens.Table
	logger  *slog.Logger
}

// New builds a Watchdog over the shared chain, risk, and quoter components.
// riskCfg is the same config the InventoryManager was built with, reused
// here only to read its freshness/margin thresholds for the status label.
func New(cfg config.WatchdogConfig, riskCfg config.RiskConfig, chainClient *chain.Client, riskMgr *risk.Manager, q *quoter.Quoter, tbl *tokens.Table, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		cfg:     cfg,
		riskCfg: riskCfg,
		chain:   chainClient,
		risk:    riskMgr,
		quoter:  q,
		tokens:  tbl,
		logger:  logger.With("component", "watchdog"),
	}
}

// Run starts the periodic check loop. Blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check computes net_delta = spot_btc + perp and alerts when it exceeds
// DriftThresholdBTC in absolute value, then logs a status summary and
// the quoter's rejection histogram before resetting it.
func (w *Watchdog) check(ctx context.Context) {
	var spotBTC float64
	for _, id := range w.tokens.BTCIDs() {
		spotBTC += w.chain.GetBalance(ctx, id)
	}

	snap := w.risk.Snapshot()
	var perp float64
	if snap != nil {
		perp = snap.PerpBTC
	}

	netDelta := spotBTC + perp
	threshold := w.cfg.DriftThresholdBTC
	if threshold <= 0 {
		threshold = 0.01
	}
	if math.Abs(netDelta) > threshold {
		w.logger.Warn("DELTA_DRIFT_ALERT", "spot_btc", spotBTC, "perp_btc", perp, "net_delta", netDelta, "threshold", threshold)
	}

	w.logger.Info("watchdog status", "status", w.status(snap), "spot_btc", spotBTC, "perp_btc", perp, "net_delta", netDelta)

	stats := w.quoter.Stats()
	w.logger.Info("quoter stats",
		"received", stats.Received,
		"generated", stats.Generated,
		"rejections", stats.RejectionCounts,
	)
	w.quoter.ResetStats()
}

// status derives the READY/IDLE/LOW-MARGIN summary label from the
// current risk snapshot, mirroring the InventoryManager's own gates
// (§4.3) without duplicating its I/O.
func (w *Watchdog) status(snap *types.RiskSnapshot) string {
	maxAge := w.riskCfg.SnapshotMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if snap == nil || !snap.IsFresh(time.Now(), maxAge) {
		return "IDLE"
	}
	if snap.MarginUSD < w.riskCfg.MinMarginThreshold {
		return "LOW-MARGIN"
	}
	if w.risk.GetQuoteDirection() == types.DirectionNone {
		return "IDLE"
	}
	return "READY"
}
