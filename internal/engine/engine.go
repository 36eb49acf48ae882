// Package engine is the central orchestrator of the solver process.
//
// It wires together every subsystem:
//
//  1. VenueClient streams the BTC perpetual order book and executes hedges.
//  2. ChainClient signs intents and answers on-chain balance/nonce queries.
//  3. Risk manager periodically refreshes the risk snapshot all gates read.
//  4. Quoter prices inbound RFQ requests against book + risk state.
//  5. Hedger tracks published quotes to settlement and fires offsetting orders.
//  6. Relay driver carries quote requests in and publishes responses out.
//  7. Watchdog and audit logger provide drift detection and durable records.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"solver/internal/api"
	"solver/internal/audit"
	"solver/internal/chain"
	"solver/internal/config"
	"solver/internal/hedger"
	"solver/internal/quoter"
	"solver/internal/relay"
	"solver/internal/risk"
	"solver/internal/venue"
	"solver/internal/watchdog"
	"solver/pkg/intent"
	"solver/pkg/tokens"
	"solver/pkg/types"
)

const (
	startupTimeout            = 30 * time.Second
	publishTimeout             = 10 * time.Second
	positionCheckpointInterval = time.Minute
	tradeEventBuffer           = 64
)

// Engine owns the lifecycle of every solver goroutine and the quote
// request/publish pipeline that ties the relay to the quoter and hedger.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	chain    *chain.Client
	venue    *venue.VenueClient
	risk     *risk.Manager
	quoter   *quoter.Quoter
	hedger   *hedger.Hedger
	watchdog *watchdog.Watchdog
	relay    *relay.Driver
	audit    *audit.Logger
	tokens   *tokens.Table

	tradeCh chan types.TradeEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all components. The chain client, token table, and audit
// streams are opened synchronously since every other component depends
// on at least one of them.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	tbl, err := tokens.Load(cfg.Tokens.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load token table: %w", err)
	}

	chainClient, err := chain.NewClient(cfg.Chain, tbl, logger)
	if err != nil {
		return nil, fmt.Errorf("build chain client: %w", err)
	}

	venueClient := venue.New(cfg.Venue, logger)
	riskMgr := risk.NewManager(cfg.Risk, venueClient, chainClient, tbl, logger)
	q := quoter.New(cfg.Quoter, cfg.Risk, cfg.Spread, venueClient.Book(), riskMgr, tbl)
	h := hedger.New(cfg.Hedger, venueClient, chainClient, riskMgr, logger)
	wd := watchdog.New(cfg.Watchdog, cfg.Risk, chainClient, riskMgr, q, tbl, logger)
	relayDriver := relay.New(cfg.Relay, logger)

	auditLogger, err := audit.Open(cfg.Audit.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open audit streams: %w", err)
	}

	tradeCh := make(chan types.TradeEvent, tradeEventBuffer)
	h.SetTradeSink(tradeCh)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		chain:    chainClient,
		venue:    venueClient,
		risk:     riskMgr,
		quoter:   q,
		hedger:   h,
		watchdog: wd,
		relay:    relayDriver,
		audit:    auditLogger,
		tokens:   tbl,
		tradeCh:  tradeCh,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Provider exposes the read-only state the dashboard snapshots.
func (e *Engine) Provider() api.SnapshotProvider {
	return api.SnapshotProvider{Book: e.venue.Book(), Risk: e.risk, Hedger: e.hedger, Quoter: e.quoter}
}

// Start blocks only long enough to obtain the first order book and risk
// snapshot, then launches every background goroutine and returns.
func (e *Engine) Start() error {
	initCtx, cancel := context.WithTimeout(e.ctx, startupTimeout)
	defer cancel()

	if err := e.venue.Init(initCtx); err != nil {
		return fmt.Errorf("wait for initial order book: %w", err)
	}
	if err := e.risk.RefreshSnapshot(initCtx); err != nil {
		return fmt.Errorf("fetch initial risk snapshot: %w", err)
	}

	if prior, err := e.audit.LoadPositionSnapshot(); err != nil {
		e.logger.Warn("failed to read prior position checkpoint", "error", err)
	} else if prior != nil {
		e.logger.Info("resuming", "prior_perp_btc", prior.PerpBTC, "prior_checkpoint", prior.Timestamp)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.venue.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("venue stream stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.risk.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hedger.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchdog.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.relay.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("relay session stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchQuoteRequests()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchSettlementEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchTrades()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.checkpointPositionLoop()
	}()

	e.logger.Info("engine started")
	return nil
}

// Stop cancels every goroutine's context, waits for them to exit, then
// checkpoints the final position and closes the audit streams.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.relay.Close()
	e.wg.Wait()

	e.checkpointPosition()
	if err := e.audit.Close(); err != nil {
		e.logger.Error("failed to close audit streams", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// dispatchQuoteRequests consumes inbound RFQ requests from the relay and
// drives each through quote → sign → publish → track.
func (e *Engine) dispatchQuoteRequests() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case wireReq, ok := <-e.relay.QuoteRequests():
			if !ok {
				return
			}
			e.handleQuoteRequest(wireReq)
		}
	}
}

func (e *Engine) handleQuoteRequest(wireReq types.WireQuoteRequest) {
	traceID, _ := e.audit.LogTrace("", types.PhaseReceived, map[string]string{"quote_id": wireReq.QuoteID})

	req := types.QuoteRequest{
		QuoteID:       wireReq.QuoteID,
		TokenIn:       wireReq.DefuseAssetIdentifierIn,
		TokenOut:      wireReq.DefuseAssetIdentifierOut,
		AmountIn:      wireReq.ExactAmountIn,
		AmountOut:     wireReq.ExactAmountOut,
		MinDeadlineMs: wireReq.MinDeadlineMs,
	}

	result, reason := e.quoter.GetQuote(req)
	if reason != "" {
		e.logger.Debug("quote rejected", "quote_id", wireReq.QuoteID, "reason", reason)
		e.audit.LogTrace(traceID, types.PhaseRejected, map[string]string{"quote_id": wireReq.QuoteID, "reason": string(reason)})
		return
	}
	e.audit.LogTrace(traceID, types.PhaseQuoted, map[string]string{"quote_id": wireReq.QuoteID, "btc_size": fmt.Sprintf("%v", result.BTCSize)})

	published, nonceB64, err := e.signQuote(wireReq, result)
	if err != nil {
		e.logger.Error("failed to sign quote", "quote_id", wireReq.QuoteID, "error", err)
		return
	}

	publishCtx, cancel := context.WithTimeout(e.ctx, publishTimeout)
	raw, err := e.relay.Publish(publishCtx, published)
	cancel()
	if err != nil {
		var relayErr *types.RelayError
		if errors.As(err, &relayErr) && relayErr.Code == types.RelayErrCodeSolverLost {
			e.logger.Info("quote lost to a competing solver", "quote_id", wireReq.QuoteID)
		} else {
			e.logger.Error("failed to publish quote", "quote_id", wireReq.QuoteID, "error", err)
		}
		return
	}

	var ack struct {
		QuoteHash string `json:"quote_hash"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil || ack.QuoteHash == "" {
		e.logger.Error("publish ack missing quote_hash", "quote_id", wireReq.QuoteID, "error", err)
		return
	}

	e.hedger.TrackQuote(nonceB64, ack.QuoteHash, result.HedgeDirection(), result.BTCSize, wireReq.MinDeadlineMs, result.QuotedPrice, result.SpreadBps)
	e.audit.LogTrace(traceID, types.PhasePublished, map[string]string{"quote_id": wireReq.QuoteID, "quote_hash": ack.QuoteHash, "nonce": nonceB64})
}

// signQuote builds the NEP-413-style signed intent for a priced quote and
// returns the full publish payload plus the nonce used, for tracking.
func (e *Engine) signQuote(wireReq types.WireQuoteRequest, result types.QuoteResult) (types.WirePublishedQuote, string, error) {
	var nonce [intent.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return types.WirePublishedQuote{}, "", fmt.Errorf("generate nonce: %w", err)
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce[:])

	deadline := result.Deadline.UTC().Format(time.RFC3339)
	message := types.SignedIntentPayload{
		SignerID: e.cfg.Chain.AccountID,
		Deadline: deadline,
		Intents: []types.TokenDiffIntent{{
			Diff: map[string]string{
				wireReq.DefuseAssetIdentifierIn:  "+" + result.AmountIn,
				wireReq.DefuseAssetIdentifierOut: "-" + result.AmountOut,
			},
		}},
	}
	messageJSON, err := json.Marshal(message)
	if err != nil {
		return types.WirePublishedQuote{}, "", fmt.Errorf("marshal intent message: %w", err)
	}

	recipient := e.cfg.Chain.VerifyingRecipient
	digest, err := intent.BuildDigest(intent.Payload{Message: string(messageJSON), Recipient: recipient, NonceB64: nonceB64})
	if err != nil {
		return types.WirePublishedQuote{}, "", fmt.Errorf("build digest: %w", err)
	}
	signature := base64.StdEncoding.EncodeToString(e.chain.Sign(digest))

	var output types.QuoteOutput
	if result.IsExactOut {
		output.AmountIn = result.AmountIn
	} else {
		output.AmountOut = result.AmountOut
	}

	published := types.WirePublishedQuote{
		QuoteID:     result.QuoteID,
		QuoteOutput: output,
		SignedData: types.SignedData{
			Standard: "nep413",
			Payload: types.IntentPayload{
				Message:   string(messageJSON),
				Nonce:     nonceB64,
				Recipient: recipient,
			},
			Signature: signature,
			PublicKey: e.chain.PublicKeyString(),
		},
	}
	return published, nonceB64, nil
}

// dispatchSettlementEvents forwards relay settlement notifications to the
// hedger's event-driven detection path.
func (e *Engine) dispatchSettlementEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-e.relay.SettlementEvents():
			if !ok {
				return
			}
			e.audit.LogTrace("", types.PhaseSettlementDetected, map[string]string{
				"quote_hash":  evt.QuoteHash,
				"intent_hash": evt.IntentHash,
				"tx_hash":     evt.TxHash,
			})
			e.hedger.OnSettlementEvent(e.ctx, evt.QuoteHash, evt.IntentHash)
		}
	}
}

// dispatchTrades persists each terminal hedge outcome the hedger reports.
func (e *Engine) dispatchTrades() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-e.tradeCh:
			if !ok {
				return
			}
			rec := audit.TradeRecord{
				Nonce:       evt.Nonce,
				QuoteHash:   evt.QuoteHash,
				BTCSize:     evt.BTCSize,
				QuotedPrice: evt.QuotedPrice,
				HedgePrice:  evt.HedgePrice,
				PnLEstimate: evt.PnLEstimate,
			}
			if err := e.audit.LogTrade(rec); err != nil {
				e.logger.Error("failed to log trade", "nonce", evt.Nonce, "error", err)
			}
		}
	}
}

// checkpointPositionLoop periodically persists the current risk snapshot
// so a restart has a recent checkpoint to log against.
func (e *Engine) checkpointPositionLoop() {
	ticker := time.NewTicker(positionCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkpointPosition()
		}
	}
}

func (e *Engine) checkpointPosition() {
	snap := e.risk.Snapshot()
	if snap == nil {
		return
	}
	err := e.audit.SavePositionSnapshot(audit.PositionSnapshot{
		PerpBTC:    snap.PerpBTC,
		BTCOnChain: snap.BTCOnChain,
		USDOnChain: snap.USDOnChain,
		MarginUSD:  snap.MarginUSD,
	})
	if err != nil {
		e.logger.Error("failed to checkpoint position", "error", err)
	}
}
