package types

import (
	"testing"
	"time"
)

func TestQuoteRequestIsExactOut(t *testing.T) {
	t.Parallel()

	in := QuoteRequest{AmountIn: "1000000"}
	if in.IsExactOut() {
		t.Error("request with AmountIn set should not be exact-out")
	}

	out := QuoteRequest{AmountOut: "1000000"}
	if !out.IsExactOut() {
		t.Error("request with AmountOut set should be exact-out")
	}
}

func TestQuoteResultHedgeDirection(t *testing.T) {
	t.Parallel()

	buying := QuoteResult{WeAreBuyingBTC: true}
	if buying.HedgeDirection() != HedgeShort {
		t.Errorf("buying BTC should hedge SHORT, got %s", buying.HedgeDirection())
	}

	selling := QuoteResult{WeAreBuyingBTC: false}
	if selling.HedgeDirection() != HedgeLong {
		t.Errorf("selling BTC should hedge LONG, got %s", selling.HedgeDirection())
	}
}

func TestRiskSnapshotIsFresh(t *testing.T) {
	t.Parallel()

	var nilSnap *RiskSnapshot
	if nilSnap.IsFresh(time.Now(), time.Second) {
		t.Error("nil snapshot should never be fresh")
	}

	now := time.Now()
	snap := &RiskSnapshot{UpdatedAtMs: now.UnixMilli()}
	if !snap.IsFresh(now, 30*time.Second) {
		t.Error("just-updated snapshot should be fresh")
	}

	stale := &RiskSnapshot{UpdatedAtMs: now.Add(-60 * time.Second).UnixMilli()}
	if stale.IsFresh(now, 30*time.Second) {
		t.Error("60s-old snapshot should not be fresh under a 30s max age")
	}
}
