package watchdog

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"solver/internal/book"
	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/quoter"
	"solver/internal/risk"
	"solver/internal/venue"
	"solver/pkg/tokens"
	"solver/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

func writeTestKey(t *testing.T, path string) {
	t.Helper()
	const sampleKeyJSON = `{"ed25519_secret_key_base64":"o6rEFi7x5yHjy+rKZ8RY/XhH7sL+1fQF+H2Nn3rM8n4g8mHSVP5BTXZy8Ldz1iL+sV71scaKt7C7sF++hHIbKg=="}`
	if err := os.WriteFile(path, []byte(sampleKeyJSON), 0o600); err != nil {
		t.Fatal(err)
	}
}

func writeTestTokenTable(t *testing.T, dir string) *tokens.Table {
	t.Helper()
	path := dir + "/tokens.yaml"
	content := `
btc:
  nep141:btc.omft.near:
    symbol: BTC
    decimals: 8
usd:
  nep141:usdt.tether-token.near:
    symbol: USDT
    decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl, err := tokens.Load(path)
	if err != nil {
		t.Fatalf("tokens.Load: %v", err)
	}
	return tbl
}

func setupWatchdog(t *testing.T) (*Watchdog, *risk.Manager, *quoter.Quoter) {
	t.Helper()
	dir := t.TempDir()
	keyPath := dir + "/key.json"
	writeTestKey(t, keyPath)
	tbl := writeTestTokenTable(t, dir)
	c, err := chain.NewClient(config.ChainConfig{RPCBaseURL: "http://127.0.0.1:1", PrivateKeyPath: keyPath, AccountID: "solver.near"}, tbl, testLogger())
	if err != nil {
		t.Fatalf("chain.NewClient: %v", err)
	}

	v := venue.New(config.VenueConfig{RESTBaseURL: "https://venue.example.com", WSURL: "wss://venue.example.com/ws", BTCCoin: "BTC", DryRun: true}, testLogger())

	riskCfg := config.RiskConfig{
		MaxBTCInventory:    5.0,
		MinUSDReserve:      100,
		MinMarginThreshold: 50,
		SnapshotMaxAge:     30 * time.Second,
		MinTradeSizeBTC:    0.001,
	}
	rm := risk.NewManager(riskCfg, v, c, tbl, testLogger())

	b := book.New()
	b.Apply([]types.PriceLevel{{Price: 100000, Size: 10}}, []types.PriceLevel{{Price: 100100, Size: 10}})
	q := quoter.New(config.QuoterConfig{MinTradeSizeBTC: 0.001, MaxTradeSizeBTC: 1, TargetSpreadBips: 30, MaxOrderbookAge: 2 * time.Second}, riskCfg, config.SpreadConfig{}, b, rm, tbl)

	wdCfg := config.WatchdogConfig{CheckInterval: time.Hour, DriftThresholdBTC: 0.01}
	w := New(wdCfg, riskCfg, c, rm, q, tbl, testLogger())
	return w, rm, q
}

func TestStatusIdleWithoutSnapshot(t *testing.T) {
	t.Parallel()
	w, _, _ := setupWatchdog(t)
	if got := w.status(nil); got != "IDLE" {
		t.Errorf("status = %q, want IDLE", got)
	}
}

func TestStatusLowMarginBelowThreshold(t *testing.T) {
	t.Parallel()
	w, rm, _ := setupWatchdog(t)
	rm.Seed(types.RiskSnapshot{UpdatedAtMs: time.Now().UnixMilli(), MarginUSD: 10, BTCOnChain: 1, USDOnChain: 1000})
	if got := w.status(rm.Snapshot()); got != "LOW-MARGIN" {
		t.Errorf("status = %q, want LOW-MARGIN", got)
	}
}

func TestStatusReadyWhenQuotingAllowed(t *testing.T) {
	t.Parallel()
	w, rm, _ := setupWatchdog(t)
	rm.Seed(types.RiskSnapshot{UpdatedAtMs: time.Now().UnixMilli(), MarginUSD: 1000, BTCOnChain: 1, USDOnChain: 1000})
	if got := w.status(rm.Snapshot()); got != "READY" {
		t.Errorf("status = %q, want READY", got)
	}
}

func TestCheckResetsQuoterStats(t *testing.T) {
	t.Parallel()
	w, rm, q := setupWatchdog(t)
	rm.Seed(types.RiskSnapshot{UpdatedAtMs: time.Now().UnixMilli(), MarginUSD: 1000, BTCOnChain: 1, USDOnChain: 1000})

	q.GetQuote(types.QuoteRequest{TokenIn: "nep141:btc.omft.near", TokenOut: "nep141:unknown.near", AmountIn: "1"})
	if q.Stats().Received != 1 {
		t.Fatal("expected one received quote request before check")
	}

	w.check(context.Background())

	if q.Stats().Received != 0 {
		t.Error("expected watchdog check to reset quoter stats")
	}
}

func TestCheckAlertsOnDrift(t *testing.T) {
	t.Parallel()
	w, rm, _ := setupWatchdog(t)
	// BTCOnChain counted via chain.GetBalance, which returns 0 here because
	// the test's chain RPC is unreachable; PerpBTC alone exceeds the drift
	// threshold.
	rm.Seed(types.RiskSnapshot{UpdatedAtMs: time.Now().UnixMilli(), MarginUSD: 1000, PerpBTC: 1.0})
	w.check(context.Background()) // exercised for coverage of the alert branch; log output is discarded
}
