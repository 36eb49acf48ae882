package api

import (
	"time"

	"solver/internal/config"
	"solver/pkg/types"
)

// DashboardSnapshot is the complete read-only state returned by /api/snapshot.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Book         BookStatus    `json:"book"`
	Risk         RiskStatus    `json:"risk"`
	PendingQuote PendingStatus `json:"pending_quotes"`
	Quoter       QuoterStatus  `json:"quoter"`
	Config       ConfigSummary `json:"config"`
}

// BookStatus is the order book's current top-of-book and freshness.
type BookStatus struct {
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	MidPrice    float64 `json:"mid_price"`
	LastUpdated time.Time `json:"last_updated"`
	IsStale     bool    `json:"is_stale"`
}

// RiskStatus summarizes the InventoryManager's most recent RiskSnapshot.
type RiskStatus struct {
	Present           bool    `json:"present"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
	MarginUSD         float64 `json:"margin_usd"`
	PerpBTC           float64 `json:"perp_btc"`
	FundingRateHourly float64 `json:"funding_rate_hourly"`
	BTCOnChain        float64 `json:"btc_on_chain"`
	USDOnChain        float64 `json:"usd_on_chain"`
	Direction         string  `json:"quote_direction"`
	Emergency         bool    `json:"emergency"`
}

// PendingStatus is the hedger's in-flight settlement-tracking count.
type PendingStatus struct {
	Count int `json:"count"`
}

// QuoterStatus mirrors quoter.Stats for dashboard consumption.
type QuoterStatus struct {
	Received        int64                             `json:"received"`
	Generated       int64                             `json:"generated"`
	RejectionCounts map[types.RejectionReason]int64 `json:"rejection_counts"`
}

// ConfigSummary surfaces the operationally relevant config fields, never
// the chain private key path or relay credentials.
type ConfigSummary struct {
	DryRun           bool    `json:"dry_run"`
	TargetSpreadBips float64 `json:"target_spread_bips"`
	MinTradeSizeBTC  float64 `json:"min_trade_size_btc"`
	MaxTradeSizeBTC  float64 `json:"max_trade_size_btc"`
	MaxBTCInventory  float64 `json:"max_btc_inventory"`
	HedgingEnabled   bool    `json:"hedging_enabled"`
}

// NewConfigSummary extracts the dashboard-safe subset of the full config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun:           cfg.DryRun,
		TargetSpreadBips: cfg.Quoter.TargetSpreadBips,
		MinTradeSizeBTC:  cfg.Quoter.MinTradeSizeBTC,
		MaxTradeSizeBTC:  cfg.Quoter.MaxTradeSizeBTC,
		MaxBTCInventory:  cfg.Risk.MaxBTCInventory,
		HedgingEnabled:   cfg.Hedger.HedgingEnabled,
	}
}
