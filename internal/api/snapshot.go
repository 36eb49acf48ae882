package api

import (
	"time"

	"solver/internal/book"
	"solver/internal/config"
	"solver/internal/hedger"
	"solver/internal/quoter"
	"solver/internal/risk"
)

// SnapshotProvider is the set of solver components the dashboard reads
// from. It never mutates any of them.
type SnapshotProvider struct {
	Book    *book.Book
	Risk    *risk.Manager
	Hedger  *hedger.Hedger
	Quoter  *quoter.Quoter
}

// BuildSnapshot aggregates the current state of every read-only
// component into one DashboardSnapshot.
func BuildSnapshot(p SnapshotProvider, cfg config.Config) DashboardSnapshot {
	bestBid, bestAsk, _ := p.Book.BestBidAsk()
	mid, _ := p.Book.MidPrice()

	snap := DashboardSnapshot{
		Timestamp: time.Now(),
		Book: BookStatus{
			BestBid:     bestBid,
			BestAsk:     bestAsk,
			MidPrice:    mid,
			LastUpdated: p.Book.LastUpdated(),
			IsStale:     p.Book.IsStale(cfg.Quoter.MaxOrderbookAge),
		},
		Risk:         buildRiskStatus(p.Risk),
		PendingQuote: PendingStatus{Count: p.Hedger.PendingCount()},
		Quoter:       buildQuoterStatus(p.Quoter),
		Config:       NewConfigSummary(cfg),
	}
	return snap
}

func buildRiskStatus(rm *risk.Manager) RiskStatus {
	status := RiskStatus{
		Direction: string(rm.GetQuoteDirection()),
		Emergency: rm.IsEmergency(),
	}
	snap := rm.Snapshot()
	if snap == nil {
		return status
	}
	status.Present = true
	status.UpdatedAt = time.UnixMilli(snap.UpdatedAtMs)
	status.MarginUSD = snap.MarginUSD
	status.PerpBTC = snap.PerpBTC
	status.FundingRateHourly = snap.FundingRateHourly
	status.BTCOnChain = snap.BTCOnChain
	status.USDOnChain = snap.USDOnChain
	return status
}

func buildQuoterStatus(q *quoter.Quoter) QuoterStatus {
	stats := q.Stats()
	return QuoterStatus{
		Received:        stats.Received,
		Generated:       stats.Generated,
		RejectionCounts: stats.RejectionCounts,
	}
}
