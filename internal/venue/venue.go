// venue.go wires the L2 stream, REST client, and local order book into a
// single VenueClient facade: the component §2 calls "VenueClient (perp)".
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"solver/internal/book"
	"solver/internal/config"
	"solver/pkg/types"
)

const (
	accountStateTTL = 10 * time.Second
	fundingTTL      = 60 * time.Second
	venueTickSize   = 0.1 // BTC price precision is 1 decimal (§6)
)

// VenueClient streams L2 updates into an OrderBook, fetches account state
// with small per-field caches, and places IOC hedge orders (§4.1).
type VenueClient struct {
	cfg    config.VenueConfig
	client *Client
	stream *L2Stream
	book   *book.Book
	logger *slog.Logger

	stateMu       sync.Mutex
	state         types.ClearinghouseState
	stateCachedAt time.Time

	fundingMu       sync.Mutex
	fundingRate     float64
	fundingCachedAt time.Time
}

// New creates a VenueClient for the given config.
func New(cfg config.VenueConfig, logger *slog.Logger) *VenueClient {
	return &VenueClient{
		cfg:    cfg,
		client: NewClient(cfg, logger),
		stream: NewL2Stream(cfg.WSURL, cfg.BTCCoin, logger),
		book:   book.New(),
		logger: logger.With("component", "venue"),
	}
}

// Book returns the live order book, safe for concurrent reads (§5: book
// reads are never blocked by an in-flight HTTP call).
func (v *VenueClient) Book() *book.Book { return v.book }

// Run starts the L2 stream and applies every incoming snapshot to the
// local book. Blocks until ctx is cancelled.
func (v *VenueClient) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-v.stream.Updates():
				if !ok {
					return
				}
				v.book.Apply(upd.Bids, upd.Asks)
			}
		}
	}()
	return v.stream.Run(ctx)
}

// Init blocks until the first L2 frame has arrived.
func (v *VenueClient) Init(ctx context.Context) error {
	return v.stream.Init(ctx)
}

// RefreshClearinghouseState returns the cached account state, refetching
// it if older than accountStateTTL.
func (v *VenueClient) RefreshClearinghouseState(ctx context.Context) (types.ClearinghouseState, error) {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()

	if !v.stateCachedAt.IsZero() && time.Since(v.stateCachedAt) < accountStateTTL {
		return v.state, nil
	}

	accountValue, usedMargin, perpBTC, err := v.client.FetchClearinghouseState(ctx)
	if err != nil {
		return types.ClearinghouseState{}, fmt.Errorf("refresh clearinghouse state: %w", err)
	}

	v.state = types.ClearinghouseState{
		AccountValueUSD: accountValue,
		UsedMarginUSD:   usedMargin,
		PerpBTC:         perpBTC,
		FetchedAt:       time.Now(),
	}
	v.stateCachedAt = time.Now()
	return v.state, nil
}

// invalidateStateCache forces the next RefreshClearinghouseState call to
// hit the network (called after a hedge mutates the perp position).
func (v *VenueClient) invalidateStateCache() {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	v.stateCachedAt = time.Time{}
}

// FundingRate returns the cached hourly funding rate, refetching if older
// than fundingTTL.
func (v *VenueClient) FundingRate(ctx context.Context) (float64, error) {
	v.fundingMu.Lock()
	defer v.fundingMu.Unlock()

	if !v.fundingCachedAt.IsZero() && time.Since(v.fundingCachedAt) < fundingTTL {
		return v.fundingRate, nil
	}

	rate, err := v.client.FetchFundingRate(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh funding rate: %w", err)
	}
	v.fundingRate = rate
	v.fundingCachedAt = time.Now()
	return rate, nil
}

// ExecuteHedge computes a protective limit price from the current book
// VWAP on the taker side, adjusts by HedgeSlippageBps in the hostile
// direction, rounds to the venue tick, and submits an IOC limit order.
// On success, invalidates the account cache (§4.1, §4.6). Fails if the
// book is stale.
func (v *VenueClient) ExecuteHedge(ctx context.Context, direction types.HedgeDirection, size float64, maxBookAge time.Duration) (filledQty, avgPrice float64, err error) {
	takerSide := types.SideAsk // LONG: we buy, hit asks
	isBuy := true
	if direction == types.HedgeShort {
		takerSide = types.SideBid // SHORT: we sell, hit bids
		isBuy = false
	}

	vwap, err := v.book.VWAP(takerSide, size, maxBookAge)
	if err != nil {
		return 0, 0, fmt.Errorf("execute hedge: %w", err)
	}

	slippage := v.cfg.HedgeSlippageBps / 10000
	limitPrice := vwap
	if isBuy {
		limitPrice = vwap * (1 + slippage)
	} else {
		limitPrice = vwap * (1 - slippage)
	}
	limitPrice = math.Round(limitPrice/venueTickSize) * venueTickSize

	filledQty, avgPrice, err = v.client.SubmitIOCOrder(ctx, isBuy, limitPrice, size)
	if err != nil {
		return 0, 0, fmt.Errorf("execute hedge: %w", err)
	}

	v.invalidateStateCache()
	return filledQty, avgPrice, nil
}
