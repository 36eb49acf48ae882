// Package venue implements the perpetual exchange client: the L2
// order-book stream, account-state polling, funding-rate reads, and IOC
// hedge order submission (§4.1).
//
// The REST client (Client) talks to the venue for account and order
// endpoints:
//   - ClearinghouseState: GET account value, used margin, BTC perp position
//   - FundingRate:        GET the current hourly funding rate
//   - SubmitIOCOrder:     POST an immediate-or-cancel limit order
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 5xx errors, matching the reference exchange client's resty setup.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"solver/internal/config"
)

// Client is the perpetual venue's REST API client.
type Client struct {
	http    *resty.Client
	rl      *RateLimiter
	dryRun  bool
	logger  *slog.Logger
	btcCoin string
}

// clearinghouseResponse is the venue's raw account-state payload.
type clearinghouseResponse struct {
	AccountValueUSD string `json:"account_value"`
	UsedMarginUSD   string `json:"used_margin"`
	PerpBTC         string `json:"btc_position"`
}

// fundingResponse is the venue's raw funding-rate payload.
type fundingResponse struct {
	HourlyRate string `json:"funding_rate_hourly"`
}

// orderRequest is the venue's IOC order submission payload (§6): asset
// index, side, price, size, reduce_only=false, tif=IOC.
type orderRequest struct {
	AssetIndex int     `json:"asset_index"`
	IsBuy      bool    `json:"is_buy"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	ReduceOnly bool    `json:"reduce_only"`
	TIF        string  `json:"tif"`
}

// orderResponse is the venue's order submission result.
type orderResponse struct {
	Filled    bool    `json:"filled"`
	AvgPrice  float64 `json:"avg_price"`
	FilledQty float64 `json:"filled_qty"`
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.VenueConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		rl:      NewRateLimiter(),
		dryRun:  cfg.DryRun,
		logger:  logger,
		btcCoin: cfg.BTCCoin,
	}
}

// FetchClearinghouseState fetches account value, used margin, and BTC
// perpetual position in one call (§4.1).
func (c *Client) FetchClearinghouseState(ctx context.Context) (accountValueUSD, usedMarginUSD, perpBTC float64, err error) {
	if err := c.rl.AccountState.Wait(ctx); err != nil {
		return 0, 0, 0, err
	}

	var result clearinghouseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/clearinghouseState")
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fetch clearinghouse state: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("fetch clearinghouse state: status %d: %s", resp.StatusCode(), resp.String())
	}

	accountValueUSD = parseFloat(result.AccountValueUSD)
	usedMarginUSD = parseFloat(result.UsedMarginUSD)
	perpBTC = parseFloat(result.PerpBTC)
	return accountValueUSD, usedMarginUSD, perpBTC, nil
}

// FetchFundingRate fetches the current hourly funding rate for the BTC perp.
func (c *Client) FetchFundingRate(ctx context.Context) (float64, error) {
	if err := c.rl.AccountState.Wait(ctx); err != nil {
		return 0, err
	}

	var result fundingResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("coin", c.btcCoin).
		SetResult(&result).
		Get("/fundingRate")
	if err != nil {
		return 0, fmt.Errorf("fetch funding rate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("fetch funding rate: status %d: %s", resp.StatusCode(), resp.String())
	}
	return parseFloat(result.HourlyRate), nil
}

// SubmitIOCOrder submits an immediate-or-cancel limit order at the given
// price and size. Returns the filled quantity and average fill price.
func (c *Client) SubmitIOCOrder(ctx context.Context, isBuy bool, price, size float64) (filledQty, avgPrice float64, err error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit IOC order", "is_buy", isBuy, "price", price, "size", size)
		return size, price, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return 0, 0, err
	}

	req := orderRequest{IsBuy: isBuy, Price: price, Size: size, ReduceOnly: false, TIF: "Ioc"}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return 0, 0, fmt.Errorf("submit ioc order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, 0, fmt.Errorf("submit ioc order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Filled {
		return 0, 0, fmt.Errorf("submit ioc order: venue rejected order")
	}
	return result.FilledQty, result.AvgPrice, nil
}

func parseFloat(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%f", &v)
	return v
}
