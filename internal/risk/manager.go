// Package risk implements the InventoryManager (§4.3): a background
// refresher that composes venue and chain state into one atomic
// RiskSnapshot, plus the synchronous policy functions the quoter and
// hedger consult on every call — get_quote_direction, position-capacity
// checks, and the emergency-mode flag.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/venue"
	"solver/pkg/tokens"
	"solver/pkg/types"
)

// Manager aggregates VenueClient and ChainClient state into a
// periodically refreshed RiskSnapshot and derives quote-direction policy
// from it. All public methods are safe for concurrent use; the hot path
// (GetQuoteDirection, CheckPositionCapacity, GetFundingRate) never blocks
// on I/O.
type Manager struct {
	cfg    config.RiskConfig
	venue  *venue.VenueClient
	chain  *chain.Client
	tokens *tokens.Table
	logger *slog.Logger

	refreshing atomic.Bool // single-flight guard for refresh_snapshot

	mu       sync.RWMutex
	snapshot *types.RiskSnapshot

	emergencyMu sync.Mutex
	emergency   bool
}

// NewManager builds an InventoryManager. cfg.RefreshInterval defaults to
// 5s if unset, matching the reference refresh cadence.
func NewManager(cfg config.RiskConfig, venueClient *venue.VenueClient, chainClient *chain.Client, tbl *tokens.Table, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		venue:  venueClient,
		chain:  chainClient,
		tokens: tbl,
		logger: logger.With("component", "risk"),
	}
}

// Run starts the periodic background refresher. It blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshSnapshot(ctx); err != nil {
				// Swallowed: the cached snapshot simply ages out, which
				// naturally forces the quote direction to NONE.
				m.logger.Warn("risk snapshot refresh failed", "error", err)
			}
		}
	}
}

// RefreshSnapshot fetches venue clearinghouse state, funding rate, and
// on-chain balances for every distinguished BTC/USD token, then writes a
// new RiskSnapshot atomically (replace, not mutate). A single-flight
// flag prevents overlapping refreshes; a refresh already in progress is
// a no-op that returns nil. Exported so startup can obtain the initial
// snapshot synchronously before the background loop takes over.
func (m *Manager) RefreshSnapshot(ctx context.Context) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer m.refreshing.Store(false)

	state, err := m.venue.RefreshClearinghouseState(ctx)
	if err != nil {
		return err
	}
	funding, err := m.venue.FundingRate(ctx)
	if err != nil {
		return err
	}

	var btcOnChain float64
	for _, id := range m.tokens.BTCIDs() {
		btcOnChain += m.chain.GetBalance(ctx, id)
	}
	var usdOnChain float64
	for _, id := range m.tokens.USDIDs() {
		usdOnChain += m.chain.GetBalance(ctx, id)
	}

	snap := &types.RiskSnapshot{
		UpdatedAtMs:       time.Now().UnixMilli(),
		MarginUSD:         state.AccountValueUSD - state.UsedMarginUSD,
		PerpBTC:           state.PerpBTC,
		FundingRateHourly: funding,
		BTCOnChain:        btcOnChain,
		USDOnChain:        usdOnChain,
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return nil
}

// Seed installs a snapshot directly, bypassing the refresh cycle. Used by
// tests that need a deterministic snapshot without live venue/chain I/O.
func (m *Manager) Seed(snap types.RiskSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = &snap
}

// Snapshot returns the most recently written RiskSnapshot, or nil if no
// refresh has ever succeeded.
func (m *Manager) Snapshot() *types.RiskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// GetQuoteDirection is the synchronous policy function the quoter's
// direction gate consults on every call (§4.3):
//
//  1. emergency mode on           -> SELL_ONLY
//  2. snapshot missing or stale   -> NONE
//  3. margin < MinMarginThreshold -> NONE
//  4. otherwise derived from on-chain balances vs configured reserves
func (m *Manager) GetQuoteDirection() types.QuoteDirection {
	if m.IsEmergency() {
		return types.DirectionSellOnly
	}

	snap := m.Snapshot()
	maxAge := m.cfg.SnapshotMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if !snap.IsFresh(time.Now(), maxAge) {
		return types.DirectionNone
	}
	if snap.MarginUSD < m.cfg.MinMarginThreshold {
		return types.DirectionNone
	}

	canBuy := snap.USDOnChain > m.cfg.MinUSDReserve && snap.BTCOnChain < m.cfg.MaxBTCInventory
	canSell := snap.BTCOnChain > m.cfg.MinTradeSizeBTC

	switch {
	case canBuy && canSell:
		return types.DirectionBoth
	case canBuy:
		return types.DirectionBuyOnly
	case canSell:
		return types.DirectionSellOnly
	default:
		return types.DirectionNone
	}
}

// CheckPositionCapacity returns true iff the projected perpetual
// position after the hedge (perp_btc minus size for SHORT, plus size
// for LONG) would stay within MaxBTCInventory in absolute value. A
// missing or stale snapshot fails closed.
func (m *Manager) CheckPositionCapacity(direction types.HedgeDirection, size float64) bool {
	snap := m.Snapshot()
	maxAge := m.cfg.SnapshotMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if !snap.IsFresh(time.Now(), maxAge) {
		return false
	}

	projected := snap.PerpBTC
	if direction == types.HedgeShort {
		projected -= size
	} else {
		projected += size
	}
	if projected < 0 {
		projected = -projected
	}
	return projected <= m.cfg.MaxBTCInventory
}

// GetFundingRate returns the snapshot's cached hourly funding rate, or 0
// if no snapshot has ever been produced (the funding gate then falls
// back to the freshness/direction gates to block quoting).
func (m *Manager) GetFundingRate() float64 {
	snap := m.Snapshot()
	if snap == nil {
		return 0
	}
	return snap.FundingRateHourly
}

// SetEmergency sets or clears the process-wide emergency flag. The
// hedger calls this with true on any hedge failure or a prolonged RPC
// failure streak, and with false after the next successful hedge.
func (m *Manager) SetEmergency(on bool) {
	m.emergencyMu.Lock()
	defer m.emergencyMu.Unlock()
	if on != m.emergency {
		m.logger.Warn("emergency mode changed", "emergency", on)
	}
	m.emergency = on
}

// IsEmergency reports whether the emergency flag is currently set.
func (m *Manager) IsEmergency() bool {
	m.emergencyMu.Lock()
	defer m.emergencyMu.Unlock()
	return m.emergency
}
