// Package hedger implements the settlement-detection and hedge-execution
// pipeline (§4.6): every accepted quote is tracked until one of two
// independent settlement paths confirms it on-chain, at which point the
// solver fires an offsetting IOC order on the perpetual venue to return
// to delta-neutral.
package hedger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/risk"
	"solver/internal/venue"
	"solver/pkg/types"
)

// Hedger tracks quotes from publish-ack to settlement and executes the
// offsetting perpetual hedge. All exported methods are safe for
// concurrent use.
type Hedger struct {
	cfg    config.HedgerConfig
	venue  *venue.VenueClient
	chain  *chain.Client
	risk   *risk.Manager
	logger *slog.Logger

	mu          sync.Mutex
	byNonce     map[string]*types.PendingQuote
	byQuoteHash map[string]*types.PendingQuote

	hedgedMu  sync.Mutex
	hedgedSet *boundedSet

	dedupMu sync.Mutex
	dedup   *boundedSet

	rpcFailMu  sync.Mutex
	rpcFailure int

	trades chan<- types.TradeEvent
}

// New builds a Hedger over the shared venue, chain, and risk components.
func New(cfg config.HedgerConfig, venueClient *venue.VenueClient, chainClient *chain.Client, riskMgr *risk.Manager, logger *slog.Logger) *Hedger {
	hedgedCap := cfg.HedgedSetCapacity
	if hedgedCap <= 0 {
		hedgedCap = 500
	}
	dedupCap := cfg.DedupCacheSize
	if dedupCap <= 0 {
		dedupCap = 200
	}
	return &Hedger{
		cfg:         cfg,
		venue:       venueClient,
		chain:       chainClient,
		risk:        riskMgr,
		logger:      logger.With("component", "hedger"),
		byNonce:     make(map[string]*types.PendingQuote),
		byQuoteHash: make(map[string]*types.PendingQuote),
		hedgedSet:   newBoundedSet(hedgedCap),
		dedup:       newBoundedSet(dedupCap),
	}
}

// SetTradeSink wires an optional channel the hedger reports terminal
// settlement outcomes to, for audit persistence. Sends are non-blocking;
// a full channel drops the event rather than stall the hedge path.
func (h *Hedger) SetTradeSink(ch chan<- types.TradeEvent) {
	h.trades = ch
}

func (h *Hedger) emitTrade(evt types.TradeEvent) {
	if h.trades == nil {
		return
	}
	select {
	case h.trades <- evt:
	default:
		h.logger.Warn("trade audit channel full, dropping event", "nonce", evt.Nonce)
	}
}

// TrackQuote registers a quote for settlement tracking. Called only
// after a successful publish ack (§4.6). Inserts into both the by-nonce
// and by-quote-hash indexes under one lock.
func (h *Hedger) TrackQuote(nonce, quoteHash string, direction types.HedgeDirection, btcSize float64, deadlineMs int64, quotedPrice, spreadBps float64) {
	pq := &types.PendingQuote{
		Nonce:          nonce,
		QuoteHash:      quoteHash,
		HedgeDirection: direction,
		BTCSize:        btcSize,
		DeadlineMs:     deadlineMs,
		FirstSeenMs:    time.Now().UnixMilli(),
		QuotedPrice:    quotedPrice,
		SpreadBps:      spreadBps,
	}

	h.mu.Lock()
	h.byNonce[nonce] = pq
	h.byQuoteHash[quoteHash] = pq
	h.mu.Unlock()
}

// OnSettlementEvent is the event-driven settlement path (§4.6a). It
// matches by quote_hash; if the quote_hash is not ours, the notification
// belongs to a competing solver and is logged once per intent hash via
// the dedup cache.
func (h *Hedger) OnSettlementEvent(ctx context.Context, quoteHash, intentHash string) {
	h.mu.Lock()
	pq, ok := h.byQuoteHash[quoteHash]
	if ok {
		delete(h.byNonce, pq.Nonce)
		delete(h.byQuoteHash, quoteHash)
	}
	h.mu.Unlock()

	if !ok {
		h.dedupMu.Lock()
		alreadyLogged := h.dedup.Contains(intentHash)
		if !alreadyLogged {
			h.dedup.Add(intentHash)
		}
		h.dedupMu.Unlock()
		if !alreadyLogged {
			h.logger.Info("settlement for unknown quote_hash, competing solver won", "quote_hash", quoteHash, "intent_hash", intentHash)
		}
		return
	}

	if !h.markHedged(pq.Nonce) {
		return // already hedged by the polling path
	}
	h.hedge(ctx, pq)
}

// Run starts the polling fallback loop (§4.6b): every PollInterval, sweep
// expired records, then walk pending nonces in small batches querying
// was_nonce_used, pausing between batches to respect the chain RPC's
// rate limit. Blocks until ctx is cancelled.
func (h *Hedger) Run(ctx context.Context) {
	interval := h.cfg.PollInterval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepExpired()
			h.pollBatch(ctx)
		}
	}
}

// sweepExpired removes records past deadline_ms + ExpirySafetyWindow and
// logs a QUOTE_EXPIRED event for each.
func (h *Hedger) sweepExpired() {
	safety := h.cfg.ExpirySafetyWindow
	if safety <= 0 {
		safety = 30 * time.Second
	}
	now := time.Now().UnixMilli()

	h.mu.Lock()
	var expired []*types.PendingQuote
	for nonce, pq := range h.byNonce {
		if now > pq.DeadlineMs+safety.Milliseconds() {
			expired = append(expired, pq)
			delete(h.byNonce, nonce)
			delete(h.byQuoteHash, pq.QuoteHash)
		}
	}
	h.mu.Unlock()

	for _, pq := range expired {
		h.logger.Warn("QUOTE_EXPIRED", "nonce", pq.Nonce, "quote_hash", pq.QuoteHash)
	}
}

// pollBatch walks up to PollBatchSize pending nonces per batch, pausing
// PollBatchPause between batches. Consecutive failed batches trip
// emergency mode after MaxRPCFailures (§4.6 "RPC health").
func (h *Hedger) pollBatch(ctx context.Context) {
	batchSize := h.cfg.PollBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	pause := h.cfg.PollBatchPause
	if pause <= 0 {
		pause = 50 * time.Millisecond
	}
	maxFailures := h.cfg.MaxRPCFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}

	h.mu.Lock()
	pending := make([]*types.PendingQuote, 0, len(h.byNonce))
	for _, pq := range h.byNonce {
		pending = append(pending, pq)
	}
	h.mu.Unlock()

	batchFailed := false
	for i := 0; i < len(pending); i += batchSize {
		end := i + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		for _, pq := range pending[i:end] {
			used, err := h.chain.WasNonceUsed(ctx, pq.Nonce)
			if err != nil {
				h.logger.Warn("was_nonce_used failed", "nonce", pq.Nonce, "error", err)
				batchFailed = true
				continue
			}
			if used && h.markHedged(pq.Nonce) {
				h.mu.Lock()
				delete(h.byNonce, pq.Nonce)
				delete(h.byQuoteHash, pq.QuoteHash)
				h.mu.Unlock()
				h.hedge(ctx, pq)
			}
		}
		if end < len(pending) {
			time.Sleep(pause)
		}
	}

	h.rpcFailMu.Lock()
	if batchFailed {
		h.rpcFailure++
		if h.rpcFailure >= maxFailures {
			h.risk.SetEmergency(true)
		}
	} else {
		h.rpcFailure = 0
	}
	h.rpcFailMu.Unlock()
}

// PendingCount returns the number of quotes currently tracked awaiting
// settlement, for the dashboard's read-only snapshot.
func (h *Hedger) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byNonce)
}

// markHedged inserts nonce into the idempotency set and reports whether
// this call was the one that first marked it — callers must only execute
// the hedge when this returns true.
func (h *Hedger) markHedged(nonce string) bool {
	h.hedgedMu.Lock()
	defer h.hedgedMu.Unlock()
	if h.hedgedSet.Contains(nonce) {
		return false
	}
	h.hedgedSet.Add(nonce)
	return true
}

// hedge executes the offsetting perpetual order for a settled quote. On
// failure it trips emergency mode and leaves the venue position as-is —
// manual-intervention territory. On success it clears emergency mode and
// logs a realized-PnL estimate.
func (h *Hedger) hedge(ctx context.Context, pq *types.PendingQuote) {
	if !h.cfg.HedgingEnabled {
		h.logger.Info("SETTLEMENT_DETECTED", "nonce", pq.Nonce, "reason", "hedging_disabled")
		h.emitTrade(types.TradeEvent{Nonce: pq.Nonce, QuoteHash: pq.QuoteHash, BTCSize: pq.BTCSize, QuotedPrice: pq.QuotedPrice})
		return
	}

	maxBookAge := 2 * time.Second
	fillQty, avgPrice, err := h.venue.ExecuteHedge(ctx, pq.HedgeDirection, pq.BTCSize, maxBookAge)
	if err != nil {
		h.risk.SetEmergency(true)
		h.logger.Error("HEDGE_FAILED", "nonce", pq.Nonce, "direction", pq.HedgeDirection, "size", pq.BTCSize, "error", err)
		return
	}

	sign := 1.0
	if pq.HedgeDirection == types.HedgeLong {
		sign = -1.0
	}
	var pnlEstimate float64
	if pq.QuotedPrice > 0 {
		pnlEstimate = sign * (avgPrice - pq.QuotedPrice) * pq.BTCSize
	}

	h.risk.SetEmergency(false)
	h.logger.Info("HEDGE_EXECUTED",
		"nonce", pq.Nonce,
		"direction", pq.HedgeDirection,
		"filled_qty", fillQty,
		"avg_price", avgPrice,
		"pnl_estimate", pnlEstimate,
	)
	h.emitTrade(types.TradeEvent{
		Nonce:       pq.Nonce,
		QuoteHash:   pq.QuoteHash,
		BTCSize:     pq.BTCSize,
		QuotedPrice: pq.QuotedPrice,
		HedgePrice:  avgPrice,
		PnLEstimate: pnlEstimate,
	})
}

// boundedSet is a FIFO-eviction membership set: once it reaches capacity,
// the oldest fifth of entries are evicted to make room. Used for both
// the hedged-nonce idempotency guard and the settlement-notification
// dedup cache.
type boundedSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{
		capacity: capacity,
		members:  make(map[string]struct{}),
	}
}

func (s *boundedSet) Contains(key string) bool {
	_, ok := s.members[key]
	return ok
}

func (s *boundedSet) Add(key string) {
	if s.Contains(key) {
		return
	}
	if len(s.order) >= s.capacity {
		evict := s.capacity / 5
		if evict < 1 {
			evict = 1
		}
		for i := 0; i < evict && i < len(s.order); i++ {
			delete(s.members, s.order[i])
		}
		s.order = s.order[evict:]
	}
	s.order = append(s.order, key)
	s.members[key] = struct{}{}
}
