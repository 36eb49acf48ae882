package hedger

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"solver/internal/chain"
	"solver/internal/config"
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

func setupHedger(t *testing.T, hedgingEnabled bool) (*Hedger, *venue.VenueClient) {
	t.Helper()
	v := venue.New(config.VenueConfig{RESTBaseURL: "https://venue.example.com", WSURL: "wss://venue.example.com/ws", BTCCoin: "BTC", DryRun: true}, testLogger())
	v.Book().Apply(
		[]types.PriceLevel{{Price: 100000, Size: 10}},
		[]types.PriceLevel{{Price: 100100, Size: 10}},
	)

	dir := t.TempDir()
	keyPath := dir + "/key.json"
	writeTestKey(t, keyPath)
	tbl := writeTestTokenTable(t, dir)
	c, err := chain.NewClient(config.ChainConfig{RPCBaseURL: "http://127.0.0.1:1", PrivateKeyPath: keyPath, AccountID: "solver.near"}, tbl, testLogger())
	if err != nil {
		t.Fatalf("chain.NewClient: %v", err)
	}

	rm := risk.NewManager(config.RiskConfig{MaxBTCInventory: 5.0, SnapshotMaxAge: 30 * time.Second}, v, c, tbl, testLogger())

	cfg := config.HedgerConfig{
		HedgingEnabled:     hedgingEnabled,
		PollInterval:       50 * time.Millisecond,
		PollBatchSize:      5,
		PollBatchPause:     time.Millisecond,
		MaxRPCFailures:     2,
		ExpirySafetyWindow: 30 * time.Second,
		HedgedSetCapacity:  10,
		DedupCacheSize:     10,
	}
	return New(cfg, v, c, rm, testLogger()), v
}

func TestTrackQuoteIndexesBothMaps(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)
	h.TrackQuote("nonce-1", "hash-1", types.HedgeShort, 0.01, time.Now().Add(time.Minute).UnixMilli(), 100000, 30)

	h.mu.Lock()
	_, byNonceOK := h.byNonce["nonce-1"]
	_, byHashOK := h.byQuoteHash["hash-1"]
	h.mu.Unlock()

	if !byNonceOK || !byHashOK {
		t.Error("expected TrackQuote to populate both indexes")
	}
}

func TestOnSettlementEventExecutesHedgeAndRemovesFromIndexes(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)
	h.TrackQuote("nonce-1", "hash-1", types.HedgeShort, 0.01, time.Now().Add(time.Minute).UnixMilli(), 100000, 30)

	h.OnSettlementEvent(context.Background(), "hash-1", "intent-1")

	h.mu.Lock()
	_, stillPresent := h.byNonce["nonce-1"]
	h.mu.Unlock()
	if stillPresent {
		t.Error("expected settled quote to be removed from indexes")
	}
	if h.markHedged("nonce-1") {
		t.Error("expected nonce to already be marked hedged (idempotent)")
	}
}

func TestOnSettlementEventForUnknownQuoteHashIsIgnored(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)

	h.OnSettlementEvent(context.Background(), "unknown-hash", "intent-2")

	h.dedupMu.Lock()
	logged := h.dedup.Contains("intent-2")
	h.dedupMu.Unlock()
	if !logged {
		t.Error("expected unknown settlement's intent hash to be recorded in the dedup cache")
	}
}

func TestHedgeDisabledMarksHedgedWithoutVenueCall(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, false)
	h.TrackQuote("nonce-1", "hash-1", types.HedgeShort, 0.01, time.Now().Add(time.Minute).UnixMilli(), 100000, 30)

	h.OnSettlementEvent(context.Background(), "hash-1", "intent-1")

	if h.markHedged("nonce-1") {
		t.Error("expected nonce to already be marked hedged under the hedging_disabled circuit breaker")
	}
}

func TestOnSettlementEventEmitsTradeEvent(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)
	trades := make(chan types.TradeEvent, 1)
	h.SetTradeSink(trades)
	h.TrackQuote("nonce-1", "hash-1", types.HedgeShort, 0.01, time.Now().Add(time.Minute).UnixMilli(), 100000, 30)

	h.OnSettlementEvent(context.Background(), "hash-1", "intent-1")

	select {
	case evt := <-trades:
		if evt.Nonce != "nonce-1" || evt.QuoteHash != "hash-1" {
			t.Errorf("unexpected trade event: %+v", evt)
		}
		if evt.HedgePrice <= 0 {
			t.Error("expected a non-zero hedge price on a successful hedge")
		}
	default:
		t.Fatal("expected a trade event to be emitted")
	}
}

func TestHedgeDisabledEmitsZeroPriceTradeEvent(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, false)
	trades := make(chan types.TradeEvent, 1)
	h.SetTradeSink(trades)
	h.TrackQuote("nonce-1", "hash-1", types.HedgeShort, 0.01, time.Now().Add(time.Minute).UnixMilli(), 100000, 30)

	h.OnSettlementEvent(context.Background(), "hash-1", "intent-1")

	select {
	case evt := <-trades:
		if evt.HedgePrice != 0 || evt.PnLEstimate != 0 {
			t.Errorf("expected zero hedge economics when hedging disabled, got %+v", evt)
		}
	default:
		t.Fatal("expected a trade event to be emitted even with hedging disabled")
	}
}

func TestSweepExpiredRemovesStaleRecords(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)
	pastDeadline := time.Now().Add(-time.Hour).UnixMilli()
	h.TrackQuote("nonce-old", "hash-old", types.HedgeShort, 0.01, pastDeadline, 100000, 30)

	h.sweepExpired()

	h.mu.Lock()
	_, present := h.byNonce["nonce-old"]
	h.mu.Unlock()
	if present {
		t.Error("expected expired record to be swept")
	}
}

func TestBoundedSetEvictsOldestFifthAtCapacity(t *testing.T) {
	t.Parallel()
	s := newBoundedSet(10)
	for i := 0; i < 10; i++ {
		s.Add(string(rune('a' + i)))
	}
	s.Add("k") // 11th insert triggers eviction of the oldest fifth (2 entries)

	if s.Contains("a") || s.Contains("b") {
		t.Error("expected the two oldest entries to be evicted")
	}
	if !s.Contains("k") {
		t.Error("expected the newly added entry to be present")
	}
}

func TestMarkHedgedIsIdempotent(t *testing.T) {
	t.Parallel()
	h, _ := setupHedger(t, true)

	if !h.markHedged("n1") {
		t.Fatal("expected first markHedged to return true")
	}
	if h.markHedged("n1") {
		t.Error("expected second markHedged on the same nonce to return false")
	}
}
