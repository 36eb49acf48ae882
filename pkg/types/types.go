// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the solver — quote shapes, risk
// snapshots, order-book levels, and relay wire payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// HedgeDirection is the direction of an offsetting order on the perpetual
// venue: SHORT when the solver bought BTC from the user, LONG when it sold.
type HedgeDirection string

const (
	HedgeShort HedgeDirection = "SHORT"
	HedgeLong  HedgeDirection = "LONG"
)

// QuoteDirection is the risk-derived policy for which side of the market
// the solver is currently permitted to quote.
type QuoteDirection string

const (
	DirectionBuyOnly  QuoteDirection = "BUY_ONLY"
	DirectionSellOnly QuoteDirection = "SELL_ONLY"
	DirectionBoth     QuoteDirection = "BOTH"
	DirectionNone     QuoteDirection = "NONE"
)

// RejectionReason enumerates every way Quoter.GetQuote can decline a
// request. The set is exhaustive; GetQuote never returns any other value.
type RejectionReason string

const (
	RejectOrderbookStale        RejectionReason = "orderbook_stale"
	RejectInvalidTokenPair      RejectionReason = "invalid_token_pair"
	RejectSizeOutOfBounds       RejectionReason = "size_out_of_bounds"
	RejectInsufficientLiquidity RejectionReason = "insufficient_liquidity"
	RejectDirectionNotAllowed   RejectionReason = "direction_not_allowed"
	RejectPositionCapacity      RejectionReason = "position_capacity_exceeded"
	RejectFundingTooNegative    RejectionReason = "funding_rate_too_negative"
	RejectNoReferencePrice      RejectionReason = "no_reference_price"
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// Side selects which side of the order book a VWAP walk consumes.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// PriceLevel is a single bid or ask level in the perpetual venue's book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a point-in-time view of the BTC perpetual order book.
// Bids are sorted descending by price, asks ascending. Maintained by
// internal/book and updated from the venue's L2 WebSocket stream.
type BookSnapshot struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// L2Update is a full order-book replacement frame from the venue's L2
// stream. The venue in this domain republishes complete snapshots rather
// than incremental diffs, so there is no separate price-change shape.
type L2Update struct {
	Coin      string       `json:"coin"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"time"`
}

// ————————————————————————————————————————————————————————————————————————
// Quoting
// ————————————————————————————————————————————————————————————————————————

// QuoteRequest is the inbound RFQ. Exactly one of AmountIn / AmountOut is
// populated; amounts are base-unit integer strings (per the token's pow10).
type QuoteRequest struct {
	QuoteID       string
	TokenIn       string
	TokenOut      string
	AmountIn      string
	AmountOut     string
	MinDeadlineMs int64
}

// IsExactOut reports whether the caller fixed the output amount rather
// than the input amount.
func (r QuoteRequest) IsExactOut() bool {
	return r.AmountOut != ""
}

// QuoteResult is the internal, pre-publish outcome of a successful quote.
// BTCSize carries through to the hedger without recomputation.
type QuoteResult struct {
	QuoteID        string
	AmountIn       string
	AmountOut      string
	BTCSize        float64
	WeAreBuyingBTC bool
	BTCTokenID     string
	USDTokenID     string
	IsExactOut     bool
	QuotedPrice    float64
	SpreadBps      float64
	Deadline       time.Time
}

// HedgeDirection returns the hedge direction implied by the solver's own
// side of the trade: if the solver is buying BTC from the user it must go
// short on the perp to stay flat, and vice versa.
func (r QuoteResult) HedgeDirection() HedgeDirection {
	if r.WeAreBuyingBTC {
		return HedgeShort
	}
	return HedgeLong
}

// PendingQuote is tracked from publish-ack until settlement or expiry.
// Both by-nonce and by-quote-hash indexes point at the same record.
type PendingQuote struct {
	Nonce          string
	QuoteHash      string
	HedgeDirection HedgeDirection
	BTCSize        float64
	DeadlineMs     int64
	FirstSeenMs    int64
	QuotedPrice    float64
	SpreadBps      float64
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskSnapshot is the atomic, periodically refreshed tuple of all
// risk-relevant venue and chain state consumed by the quoting hot path.
// Produced whole-object: every field comes from the same refresh cycle.
type RiskSnapshot struct {
	UpdatedAtMs       int64
	MarginUSD         float64
	PerpBTC           float64
	FundingRateHourly float64
	BTCOnChain        float64
	USDOnChain        float64
}

// IsFresh reports whether the snapshot is within maxAge of now.
func (s *RiskSnapshot) IsFresh(now time.Time, maxAge time.Duration) bool {
	if s == nil {
		return false
	}
	age := now.Sub(time.UnixMilli(s.UpdatedAtMs))
	return age <= maxAge
}

// ClearinghouseState is the venue account snapshot fetched in one REST call.
type ClearinghouseState struct {
	AccountValueUSD float64
	UsedMarginUSD   float64
	PerpBTC         float64
	FetchedAt       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Relay wire protocol
// ————————————————————————————————————————————————————————————————————————

// RelayMessage is the generic JSON-RPC-shaped envelope exchanged with the
// RFQ relay bus. Outbound requests set ID/Method/Params; inbound acks
// populate ID/Result; inbound events populate Method/Params.
type RelayMessage struct {
	JSONRPC string      `json:"jsonrpc,omitempty"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  any         `json:"params,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *RelayError `json:"error,omitempty"`
}

// RelayError is the relay's JSON-RPC-shaped error object. Code -32098
// ("not found or already finished") means a competing solver won.
type RelayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

const RelayErrCodeSolverLost = -32098

// EventParams is the params shape of an inbound subscription event.
type EventParams struct {
	Subscription string `json:"subscription"`
	Data         any    `json:"data"`
}

// WireQuoteRequest is the relay's on-wire quote-request payload shape.
// Token identifiers carry a "nepNNN:" prefix and are used with it intact;
// the token table is keyed by the full prefixed identifier.
type WireQuoteRequest struct {
	QuoteID                  string `json:"quote_id"`
	DefuseAssetIdentifierIn  string `json:"defuse_asset_identifier_in"`
	DefuseAssetIdentifierOut string `json:"defuse_asset_identifier_out"`
	ExactAmountIn            string `json:"exact_amount_in,omitempty"`
	ExactAmountOut           string `json:"exact_amount_out,omitempty"`
	MinDeadlineMs            int64  `json:"min_deadline_ms"`
}

// WireSettlementEvent is the relay's settlement-notification payload shape.
type WireSettlementEvent struct {
	QuoteHash  string `json:"quote_hash"`
	IntentHash string `json:"intent_hash"`
	TxHash     string `json:"tx_hash"`
}

// SignedIntentPayload is the inner JSON structure carried as the "message"
// string of a signed intent: one token_diff per leg of the trade.
type SignedIntentPayload struct {
	SignerID string            `json:"signer_id"`
	Deadline string            `json:"deadline"`
	Intents  []TokenDiffIntent `json:"intents"`
}

// TokenDiffIntent is one entry of a signed intent's diff list: positive
// delta for the token the solver receives, negative for the token it sends.
type TokenDiffIntent struct {
	Diff map[string]string `json:"diff"`
}

// SignedData is the wire shape of a published quote's signature block.
type SignedData struct {
	Standard  string        `json:"standard"`
	Payload   IntentPayload `json:"payload"`
	Signature string        `json:"signature"`
	PublicKey string        `json:"public_key"`
}

// IntentPayload is the payload field of SignedData.
type IntentPayload struct {
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Recipient string `json:"recipient"`
}

// QuoteOutput is the amount_in/amount_out half of a publish payload —
// exactly one field is populated, mirroring which side was requested.
type QuoteOutput struct {
	AmountOut string `json:"amount_out,omitempty"`
	AmountIn  string `json:"amount_in,omitempty"`
}

// WirePublishedQuote is the full outbound quote_response payload.
type WirePublishedQuote struct {
	QuoteID     string      `json:"quote_id"`
	QuoteOutput QuoteOutput `json:"quote_output"`
	SignedData  SignedData  `json:"signed_data"`
}

// ————————————————————————————————————————————————————————————————————————
// Audit trace
// ————————————————————————————————————————————————————————————————————————

// TracePhase tags a lifecycle phase recorded to the quote trace stream.
type TracePhase string

const (
	PhaseReceived           TracePhase = "received"
	PhaseQuoted             TracePhase = "quoted"
	PhaseRejected           TracePhase = "rejected"
	PhasePublished          TracePhase = "published"
	PhaseSettlementDetected TracePhase = "settlement_detected"
	PhaseHedgeExecuted      TracePhase = "hedge_executed"
	PhaseHedgeFailed        TracePhase = "hedge_failed"
	PhaseQuoteExpired       TracePhase = "quote_expired"
)

// TradeEvent is emitted once a tracked quote reaches a terminal hedge
// outcome (hedge executed, or hedging disabled), for the engine to
// persist to the trade audit stream. HedgePrice and PnLEstimate are zero
// when hedging was disabled for this settlement.
type TradeEvent struct {
	Nonce       string
	QuoteHash   string
	BTCSize     float64
	QuotedPrice float64
	HedgePrice  float64
	PnLEstimate float64
}
