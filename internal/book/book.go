// Package book maintains the local mirror of the BTC perpetual order book.
//
// Book is updated from a single source: full-snapshot L2 frames from the
// venue's WebSocket stream (see internal/venue). It is concurrency-safe
// (mutex protected) and exposes the VWAP and best-bid/ask derived values
// the Quoter and Hedger read on their hot paths. Writes are whole-object
// replacements so readers always observe a coherent snapshot (§5).
package book

import (
	"errors"
	"sync"
	"time"

	"solver/pkg/types"
)

// Errors returned by VWAP, matching the exhaustive outcomes of §4.1's
// public contract: vwap(side, size) -> price | InsufficientLiquidity |
// BookStale | BookEmpty.
var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for requested size")
	ErrBookStale             = errors.New("order book is stale")
	ErrBookEmpty             = errors.New("order book is empty on requested side")
)

// residualTolerance is the acceptable leftover size (in BTC) when walking
// the book; below this the walk is considered to have fully consumed the
// requested size (§4.1).
const residualTolerance = 1e-6

// Book holds the current BTC perpetual order book snapshot.
type Book struct {
	mu      sync.RWMutex
	bids    []types.PriceLevel // sorted descending by price
	asks    []types.PriceLevel // sorted ascending by price
	updated time.Time
}

// New creates an empty book.
func New() *Book {
	return &Book{}
}

// Apply replaces the book with a full L2 snapshot. This is the only
// writer of book state (owned by the venue client's L2 callback, §5).
func (b *Book) Apply(bids, asks []types.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = bids
	b.asks = asks
	b.updated = time.Now()
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// BestBidAsk returns the best bid and the best ask. ok is false
// if either side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// VWAP walks the levels of the requested side in price order, consuming
// min(level_size, remaining) at each step and accumulating notional.
// Returns notional/size once the requested size is exhausted (within
// residualTolerance), or ErrInsufficientLiquidity if the book cannot cover
// it. Returns ErrBookStale if the book's age exceeds maxAge, or
// ErrBookEmpty if the requested side has no levels at all.
func (b *Book) VWAP(side types.Side, size float64, maxAge time.Duration) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() || time.Since(b.updated) > maxAge {
		return 0, ErrBookStale
	}

	levels := b.bids
	if side == types.SideAsk {
		levels = b.asks
	}
	if len(levels) == 0 {
		return 0, ErrBookEmpty
	}

	remaining := size
	notional := 0.0
	taken := 0.0
	for _, lvl := range levels {
		if remaining <= residualTolerance {
			break
		}
		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		notional += take * lvl.Price
		taken += take
		remaining -= take
	}

	if remaining > residualTolerance {
		return 0, ErrInsufficientLiquidity
	}
	if taken == 0 {
		return 0, ErrBookEmpty
	}
	return notional / taken, nil
}
