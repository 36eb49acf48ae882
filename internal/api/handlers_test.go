package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"solver/internal/book"
	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/hedger"
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

func setupServer(t *testing.T) *Server {
	t.Helper()
	b := book.New()
	b.Apply([]types.PriceLevel{{Price: 100000, Size: 10}}, []types.PriceLevel{{Price: 100100, Size: 10}})

	dir := t.TempDir()
	keyPath := dir + "/key.json"
	writeTestKey(t, keyPath)
	tbl := writeTestTokenTable(t, dir)
	c, err := chain.NewClient(config.ChainConfig{RPCBaseURL: "http://127.0.0.1:1", PrivateKeyPath: keyPath, AccountID: "solver.near"}, tbl, testLogger())
	if err != nil {
		t.Fatalf("chain.NewClient: %v", err)
	}

	v := venue.New(config.VenueConfig{RESTBaseURL: "https://venue.example.com", WSURL: "wss://venue.example.com/ws", BTCCoin: "BTC", DryRun: true}, testLogger())
	riskCfg := config.RiskConfig{MaxBTCInventory: 5, MinUSDReserve: 100, MinMarginThreshold: 50, SnapshotMaxAge: 30 * time.Second, MinTradeSizeBTC: 0.001}
	rm := risk.NewManager(riskCfg, v, c, tbl, testLogger())
	rm.Seed(types.RiskSnapshot{UpdatedAtMs: time.Now().UnixMilli(), MarginUSD: 1000, BTCOnChain: 1, USDOnChain: 1000})

	hCfg := config.HedgerConfig{HedgingEnabled: true, HedgedSetCapacity: 10, DedupCacheSize: 10}
	h := hedger.New(hCfg, v, c, rm, testLogger())

	qCfg := config.QuoterConfig{MinTradeSizeBTC: 0.001, MaxTradeSizeBTC: 1, TargetSpreadBips: 30, MaxOrderbookAge: 2 * time.Second}
	q := quoter.New(qCfg, riskCfg, config.SpreadConfig{}, b, rm, tbl)

	provider := SnapshotProvider{Book: b, Risk: rm, Hedger: h, Quoter: q}
	fullCfg := config.Config{DryRun: true, Risk: riskCfg, Quoter: qCfg, Hedger: hCfg}
	return NewServer(config.DashboardConfig{Port: 0}, provider, fullCfg, testLogger())
}

func TestHandleHealthReturnsOK(t *testing.T) {
	t.Parallel()
	srv := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handlers.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSnapshotReturnsState(t *testing.T) {
	t.Parallel()
	srv := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	srv.handlers.HandleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Book.BestBid != 100000 {
		t.Errorf("best_bid = %v, want 100000", snap.Book.BestBid)
	}
	if !snap.Risk.Present || snap.Risk.MarginUSD != 1000 {
		t.Errorf("unexpected risk status: %+v", snap.Risk)
	}
	if snap.Risk.Direction != string(types.DirectionBoth) {
		t.Errorf("direction = %q, want %q", snap.Risk.Direction, types.DirectionBoth)
	}
}
