// Package quoter implements the RFQ hot path: GetQuote turns a quote
// request into a priced QuoteResult or an exhaustive RejectionReason.
//
// GetQuote is synchronous and performs no I/O — every input it touches
// (the order book, the risk snapshot, the token table) is already cached
// in memory by the time a request arrives. The flow mirrors a single
// decision sequence: freshness, token-pair validation, size discovery,
// size/direction/capacity/funding gates, spread, and conservative
// rounding.
package quoter

import (
	"sync"
	"time"

	"solver/internal/book"
	"solver/internal/config"
	"solver/internal/risk"
	"solver/pkg/tokens"
	"solver/pkg/types"
)

// defaultProbeSizeBTC is the tiny size used to bootstrap a VWAP estimate
// when the caller specifies the non-BTC side of the trade and btc_size is
// not yet known (§4.4 step 3).
const defaultProbeSizeBTC = 0.001

// Stats holds the quoter's per-process counters (§4.4 "Statistics").
type Stats struct {
	Received        int64
	Generated       int64
	RejectionCounts map[types.RejectionReason]int64
}

// Quoter prices RFQ requests against the live order book and risk state.
type Quoter struct {
	cfg                    config.QuoterConfig
	spread                 config.SpreadConfig
	maxNegativeFundingRate float64
	book                   *book.Book
	risk                   *risk.Manager
	tokens                 *tokens.Table

	statsMu sync.Mutex
	stats   Stats
}

// New builds a Quoter over the shared book, risk manager, and token table.
func New(cfg config.QuoterConfig, riskCfg config.RiskConfig, spreadCfg config.SpreadConfig, b *book.Book, riskMgr *risk.Manager, tbl *tokens.Table) *Quoter {
	return &Quoter{
		cfg:                    cfg,
		spread:                 spreadCfg,
		maxNegativeFundingRate: riskCfg.MaxNegativeFundingRate,
		book:                   b,
		risk:                   riskMgr,
		tokens:                 tbl,
		stats:                  Stats{RejectionCounts: make(map[types.RejectionReason]int64)},
	}
}

// GetQuote is the hot path's single entry point. On success it returns a
// populated QuoteResult and an empty RejectionReason; on decline it
// returns a zero QuoteResult and one of the exhaustive rejection reasons.
func (q *Quoter) GetQuote(req types.QuoteRequest) (types.QuoteResult, types.RejectionReason) {
	q.statsMu.Lock()
	q.stats.Received++
	q.statsMu.Unlock()

	result, reason := q.getQuote(req)

	q.statsMu.Lock()
	if reason == "" {
		q.stats.Generated++
	} else {
		q.stats.RejectionCounts[reason]++
	}
	q.statsMu.Unlock()
	return result, reason
}

func (q *Quoter) getQuote(req types.QuoteRequest) (types.QuoteResult, types.RejectionReason) {
	maxAge := q.cfg.MaxOrderbookAge
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}

	// 1. Orderbook freshness.
	if q.book.IsStale(maxAge) {
		return types.QuoteResult{}, types.RejectOrderbookStale
	}

	// 2. Token-pair validation.
	btcEntry, usdEntry, weAreBuyingBTC, btcTokenID, usdTokenID, ok := q.classifyPair(req)
	if !ok {
		return types.QuoteResult{}, types.RejectInvalidTokenPair
	}
	isExactOut := req.IsExactOut()

	// 3. Compute btc_size and reference_price.
	btcSize, refPrice, reason := q.resolveSizeAndPrice(req, btcEntry, usdEntry, weAreBuyingBTC, isExactOut, maxAge)
	if reason != "" {
		return types.QuoteResult{}, reason
	}

	// 4. Size validation on the final btc_size.
	if btcSize < q.cfg.MinTradeSizeBTC || btcSize > q.cfg.MaxTradeSizeBTC {
		return types.QuoteResult{}, types.RejectSizeOutOfBounds
	}

	// 5. Direction gate.
	direction := q.risk.GetQuoteDirection()
	if weAreBuyingBTC && direction != types.DirectionBuyOnly && direction != types.DirectionBoth {
		return types.QuoteResult{}, types.RejectDirectionNotAllowed
	}
	if !weAreBuyingBTC && direction != types.DirectionSellOnly && direction != types.DirectionBoth {
		return types.QuoteResult{}, types.RejectDirectionNotAllowed
	}

	// 6. Capacity gate.
	hedgeDir := types.HedgeLong
	if weAreBuyingBTC {
		hedgeDir = types.HedgeShort
	}
	if !q.risk.CheckPositionCapacity(hedgeDir, btcSize) {
		return types.QuoteResult{}, types.RejectPositionCapacity
	}

	// 7. Funding gate — only when buying BTC (shorting the perp).
	if weAreBuyingBTC && q.risk.GetFundingRate() < q.maxNegativeFundingRate {
		return types.QuoteResult{}, types.RejectFundingTooNegative
	}

	// 8. Spread.
	spreadBps := q.effectiveSpread()
	spread := spreadBps / 10000

	// 9. Final price.
	var finalPrice float64
	if weAreBuyingBTC {
		finalPrice = refPrice * (1 - spread)
	} else {
		finalPrice = refPrice * (1 + spread)
	}

	// 10. Compute the unknown amount, rounding in the solver's favor.
	amountIn, amountOut := q.settle(req, isExactOut, weAreBuyingBTC, btcSize, finalPrice, btcEntry, usdEntry)

	return types.QuoteResult{
		QuoteID:        req.QuoteID,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		BTCSize:        btcSize,
		WeAreBuyingBTC: weAreBuyingBTC,
		BTCTokenID:     btcTokenID,
		USDTokenID:     usdTokenID,
		IsExactOut:     isExactOut,
		QuotedPrice:    finalPrice,
		SpreadBps:      spreadBps,
		Deadline:       time.UnixMilli(req.MinDeadlineMs),
	}, ""
}

// classifyPair validates that exactly one side of the pair is BTC and the
// other USD, and derives we_are_buying_btc ⇔ BTC is token_in.
func (q *Quoter) classifyPair(req types.QuoteRequest) (btc, usd tokens.Entry, weAreBuyingBTC bool, btcTokenID, usdTokenID string, ok bool) {
	inBTC, inIsBTC := q.tokens.IsBTC(req.TokenIn)
	outBTC, outIsBTC := q.tokens.IsBTC(req.TokenOut)
	inUSD, inIsUSD := q.tokens.IsUSD(req.TokenIn)
	outUSD, outIsUSD := q.tokens.IsUSD(req.TokenOut)

	switch {
	case inIsBTC && outIsUSD:
		return inBTC, outUSD, true, req.TokenIn, req.TokenOut, true
	case inIsUSD && outIsBTC:
		return outBTC, inUSD, false, req.TokenOut, req.TokenIn, true
	default:
		return tokens.Entry{}, tokens.Entry{}, false, "", "", false
	}
}

// resolveSizeAndPrice computes btc_size and the reference price per the
// four-mode table in §4.4 step 3. The two non-BTC-specified modes refine
// a probe-size estimate with a second VWAP call at the estimated size.
func (q *Quoter) resolveSizeAndPrice(req types.QuoteRequest, btc, usd tokens.Entry, weAreBuyingBTC, isExactOut bool, maxAge time.Duration) (btcSize, refPrice float64, reason types.RejectionReason) {
	switch {
	case !isExactOut && weAreBuyingBTC:
		// exact-in, buying BTC: amount_in is already BTC base units.
		size, err := toDisplay(btc, req.AmountIn)
		if err != nil {
			return 0, 0, types.RejectNoReferencePrice
		}
		price, err := q.book.VWAP(types.SideBid, size, maxAge)
		if err != nil {
			return 0, 0, vwapRejection(err)
		}
		return size, price, ""

	case isExactOut && !weAreBuyingBTC:
		// exact-out, selling BTC: amount_out is already BTC base units.
		size, err := toDisplay(btc, req.AmountOut)
		if err != nil {
			return 0, 0, types.RejectNoReferencePrice
		}
		price, err := q.book.VWAP(types.SideAsk, size, maxAge)
		if err != nil {
			return 0, 0, vwapRejection(err)
		}
		return size, price, ""

	case !isExactOut && !weAreBuyingBTC:
		// exact-in, selling BTC: amount_in is USD; refine via ask VWAP.
		return q.refineBySide(usd, req.AmountIn, types.SideAsk, maxAge)

	default:
		// exact-out, buying BTC: amount_out is USD; refine via bid VWAP.
		return q.refineBySide(usd, req.AmountOut, types.SideBid, maxAge)
	}
}

// refineBySide implements the two-step size refinement: probe with a
// tiny size to approximate a price, divide to estimate size, clamp, then
// re-query VWAP at the estimated size for a refined reference price.
func (q *Quoter) refineBySide(usd tokens.Entry, usdBaseUnits string, side types.Side, maxAge time.Duration) (btcSize, refPrice float64, reason types.RejectionReason) {
	usdAmount, err := toDisplay(usd, usdBaseUnits)
	if err != nil {
		return 0, 0, types.RejectNoReferencePrice
	}

	probeSize := q.cfg.ProbeSizeBTC
	if probeSize <= 0 {
		probeSize = defaultProbeSizeBTC
	}
	probePrice, err := q.book.VWAP(side, probeSize, maxAge)
	if err != nil {
		return 0, 0, vwapRejection(err)
	}
	if probePrice <= 0 {
		return 0, 0, types.RejectNoReferencePrice
	}

	estimatedSize := usdAmount / probePrice
	if estimatedSize < q.cfg.MinTradeSizeBTC || estimatedSize > q.cfg.MaxTradeSizeBTC {
		return 0, 0, types.RejectSizeOutOfBounds
	}

	refinedPrice, err := q.book.VWAP(side, estimatedSize, maxAge)
	if err != nil {
		return 0, 0, vwapRejection(err)
	}
	return estimatedSize, refinedPrice, ""
}

// effectiveSpread returns the spread, in bips, applied to this quote.
// Static mode returns the configured constant. Dynamic mode (§4.8) clamps
// the configured cfg.TargetSpreadBips into [BaseSpreadBips, MaxSpreadBips],
// so it can return a value above the base spread. Nothing in the process
// updates cfg.TargetSpreadBips at runtime, and no spot/perp basis
// adjustment is applied.
func (q *Quoter) effectiveSpread() float64 {
	if !q.spread.DynamicEnabled {
		return q.cfg.TargetSpreadBips
	}
	bips := q.cfg.TargetSpreadBips
	if bips < q.spread.BaseSpreadBips {
		bips = q.spread.BaseSpreadBips
	}
	if bips > q.spread.MaxSpreadBips {
		bips = q.spread.MaxSpreadBips
	}
	return bips
}

// settle computes the unknown amount, rounding in the solver's favor:
// floor when returning amount_out (the user receives slightly less),
// ceil when returning amount_in (the user pays slightly more).
func (q *Quoter) settle(req types.QuoteRequest, isExactOut, weAreBuyingBTC bool, btcSize, finalPrice float64, btc, usd tokens.Entry) (amountIn, amountOut string) {
	usdNotional := btcSize * finalPrice

	switch {
	case !isExactOut && weAreBuyingBTC:
		// amount_in (BTC) given; compute amount_out (USD), floor.
		return req.AmountIn, usd.FloorBaseUnits(usdNotional)
	case isExactOut && !weAreBuyingBTC:
		// amount_out (BTC) given; compute amount_in (USD), ceil.
		return usd.CeilBaseUnits(usdNotional), req.AmountOut
	case !isExactOut && !weAreBuyingBTC:
		// amount_in (USD) given; compute amount_out (BTC) at the final price, floor.
		usdAmount, _ := toDisplay(usd, req.AmountIn)
		return req.AmountIn, btc.FloorBaseUnits(usdAmount / finalPrice)
	default:
		// amount_out (USD) given; compute amount_in (BTC) at the final price, ceil.
		usdAmount, _ := toDisplay(usd, req.AmountOut)
		return btc.CeilBaseUnits(usdAmount / finalPrice), req.AmountOut
	}
}

// Stats returns a copy of the current per-process counters.
func (q *Quoter) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	cp := Stats{
		Received:        q.stats.Received,
		Generated:       q.stats.Generated,
		RejectionCounts: make(map[types.RejectionReason]int64, len(q.stats.RejectionCounts)),
	}
	for k, v := range q.stats.RejectionCounts {
		cp.RejectionCounts[k] = v
	}
	return cp
}

// ResetStats zeroes the counters, called by the drift watchdog after
// logging a rejection histogram (§4.7).
func (q *Quoter) ResetStats() {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	q.stats = Stats{RejectionCounts: make(map[types.RejectionReason]int64)}
}

func vwapRejection(err error) types.RejectionReason {
	switch err {
	case book.ErrInsufficientLiquidity:
		return types.RejectInsufficientLiquidity
	case book.ErrBookStale:
		return types.RejectOrderbookStale
	default:
		return types.RejectNoReferencePrice
	}
}

// toDisplay converts a base-unit integer string to a display-unit float
// using the entry's decimal precision.
func toDisplay(e tokens.Entry, baseUnits string) (float64, error) {
	d, err := e.ToDecimal(baseUnits)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
