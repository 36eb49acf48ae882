// Package relay implements the bidirectional session with the RFQ relay
// bus (§4.5): a long-lived WebSocket connection subscribed to a
// quote-request channel and a settlement-notification channel, with
// request/reply correlation for publish acknowledgements and automatic
// reconnection with exponential backoff.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"solver/internal/config"
	"solver/pkg/types"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 128
)

// pendingResult is what a publish waiter receives once its id's reply
// arrives, or a connection-closed error on reconnect/shutdown.
type pendingResult struct {
	result json.RawMessage
	err    error
}

// Driver owns the single WebSocket session with the relay bus. Quote
// requests and settlement events are delivered on their own channels;
// QuoteRequests/SettlementEvents return the read-only ends.
type Driver struct {
	cfg    config.RelayConfig
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan pendingResult

	subMu           sync.Mutex
	subs            map[string]string // subscription_id -> "quote" | "settlement"
	quoteSubID      string            // current ack'd quote-channel subscription id, read by the live read loop
	settlementSubID string            // current ack'd settlement-channel subscription id, read by the live read loop

	quoteCh      chan types.WireQuoteRequest
	settlementCh chan types.WireSettlementEvent
}

// New builds a relay Driver, not yet connected.
func New(cfg config.RelayConfig, logger *slog.Logger) *Driver {
	return &Driver{
		cfg:          cfg,
		logger:       logger.With("component", "relay"),
		pending:      make(map[int64]chan pendingResult),
		subs:         make(map[string]string),
		quoteCh:      make(chan types.WireQuoteRequest, eventBuffer),
		settlementCh: make(chan types.WireSettlementEvent, eventBuffer),
	}
}

// QuoteRequests returns the channel of inbound RFQ requests.
func (d *Driver) QuoteRequests() <-chan types.WireQuoteRequest { return d.quoteCh }

// SettlementEvents returns the channel of inbound settlement notifications.
func (d *Driver) SettlementEvents() <-chan types.WireSettlementEvent { return d.settlementCh }

// Run maintains the relay connection with exponential backoff
// min(5s*2^(n-1), 60s), where n counts reconnect attempts since Run
// started; the count is not reset after a successful connect. Blocks
// until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoffBase()
	b.MaxInterval = d.backoffCap()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // retry forever

	for {
		err := d.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		d.logger.Warn("relay session closed, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (d *Driver) backoffBase() time.Duration {
	if d.cfg.ReconnectBaseDelay > 0 {
		return d.cfg.ReconnectBaseDelay
	}
	return 5 * time.Second
}

func (d *Driver) backoffCap() time.Duration {
	if d.cfg.ReconnectMaxDelay > 0 {
		return d.cfg.ReconnectMaxDelay
	}
	return 60 * time.Second
}

// Close gracefully shuts down the session: resolves every in-flight
// publish waiter with a connection-closed error and closes the socket.
func (d *Driver) Close() {
	d.connMu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.connMu.Unlock()
	d.failAllPending(fmt.Errorf("relay session closed"))
}

func (d *Driver) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()

	defer func() {
		d.connMu.Lock()
		conn.Close()
		d.conn = nil
		d.connMu.Unlock()
		d.subMu.Lock()
		d.subs = make(map[string]string)
		d.quoteSubID = ""
		d.settlementSubID = ""
		d.subMu.Unlock()
		d.failAllPending(fmt.Errorf("connection closed"))
	}()

	// The read loop must run concurrently with the subscribe calls below:
	// call() blocks on a reply that only this loop, reading the socket,
	// can deliver. It dispatches every frame using whichever subscription
	// ids have been ack'd so far — event frames for a channel not yet
	// subscribed are simply unroutable and dropped, same as for an unknown
	// subscription id.
	readErrCh := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			d.subMu.Lock()
			qID, sID := d.quoteSubID, d.settlementSubID
			d.subMu.Unlock()
			d.dispatch(raw, qID, sID)
		}
	}()

	quoteSubID, err := d.subscribe(ctx, d.cfg.QuoteChannel)
	if err != nil {
		return fmt.Errorf("subscribe quote channel: %w", err)
	}
	d.subMu.Lock()
	d.quoteSubID = quoteSubID
	d.subMu.Unlock()

	settlementSubID, err := d.subscribe(ctx, d.cfg.SettlementChannel)
	if err != nil {
		return fmt.Errorf("subscribe settlement channel: %w", err)
	}
	d.subMu.Lock()
	d.settlementSubID = settlementSubID
	d.subMu.Unlock()

	d.logger.Info("relay connected", "url", d.cfg.URL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErrCh:
		return fmt.Errorf("read: %w", err)
	}
}

// subscribe sends a subscribe request for channel and records the
// resulting subscription_id so inbound events can be routed back to it.
func (d *Driver) subscribe(ctx context.Context, channel string) (string, error) {
	result, err := d.call(ctx, "subscribe", map[string]string{"channel": channel})
	if err != nil {
		return "", err
	}
	var ack struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return "", fmt.Errorf("parse subscribe ack: %w", err)
	}
	d.subMu.Lock()
	d.subs[ack.SubscriptionID] = channel
	d.subMu.Unlock()
	return ack.SubscriptionID, nil
}

// Publish submits a quote_response to the relay bus and returns the raw
// result, or an error wrapping the relay's rejection (§6) — most notably
// code -32098, types.RelayErrCodeSolverLost, when another solver's quote
// was accepted first.
func (d *Driver) Publish(ctx context.Context, params any) (json.RawMessage, error) {
	return d.call(ctx, "quote_response", params)
}

// call writes a JSON-RPC-shaped request over whichever connection is
// currently live and blocks until its reply arrives or an 8s timeout
// elapses. Safe to call concurrently with the read loop and with other
// callers of call.
func (d *Driver) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("relay not connected")
	}

	id := d.nextID.Add(1)
	wait := make(chan pendingResult, 1)

	d.pendingMu.Lock()
	d.pending[id] = wait
	d.pendingMu.Unlock()

	msg := types.RelayMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}

	d.connMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(msg)
	d.connMu.Unlock()
	if err != nil {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-time.After(8 * time.Second):
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, fmt.Errorf("%s ack timeout after 8s", method)
	}
}

// dispatch routes an inbound frame by shape: a publish reply resolves a
// pending waiter, an event is routed to the quote or settlement channel
// by its subscription mapping.
func (d *Driver) dispatch(raw []byte, quoteSubID, settlementSubID string) {
	var msg types.RelayMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Debug("ignoring non-json relay frame", "data", string(raw))
		return
	}

	if msg.ID != nil {
		d.resolvePending(*msg.ID, msg)
		return
	}

	if msg.Method != "" {
		var params types.EventParams
		if reencode(msg.Params, &params) {
			d.dispatchEvent(params, quoteSubID, settlementSubID)
		}
	}
}

func (d *Driver) dispatchEvent(params types.EventParams, quoteSubID, settlementSubID string) {
	switch params.Subscription {
	case quoteSubID:
		var req types.WireQuoteRequest
		if !reencode(params.Data, &req) {
			return
		}
		select {
		case d.quoteCh <- req:
		default:
			d.logger.Warn("quote request channel full, dropping request", "quote_id", req.QuoteID)
		}
	case settlementSubID:
		var evt types.WireSettlementEvent
		if !reencode(params.Data, &evt) {
			return
		}
		select {
		case d.settlementCh <- evt:
		default:
			d.logger.Warn("settlement event channel full, dropping event", "quote_hash", evt.QuoteHash)
		}
	}
}

func (d *Driver) resolvePending(id int64, msg types.RelayMessage) {
	d.pendingMu.Lock()
	ch, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		ch <- pendingResult{err: msg.Error}
		return
	}
	raw, _ := json.Marshal(msg.Result)
	ch <- pendingResult{result: raw}
}

func (d *Driver) failAllPending(err error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for id, ch := range d.pending {
		ch <- pendingResult{err: err}
		delete(d.pending, id)
	}
}

// reencode round-trips v through JSON to unmarshal an `any`-typed payload
// into a concrete wire struct. Returns false on a malformed payload.
func reencode(v any, out any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
