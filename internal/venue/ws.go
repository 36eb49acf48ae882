// ws.go implements the venue's L2 order-book WebSocket stream (§4.1).
//
// A single subscription is opened for the target coin. Full-snapshot
// frames are pushed to a channel the caller drains into internal/book.
// Reconnection uses exponential backoff; a separate staleness watchdog
// (every 10s) tears down and resubscribes the stream if no frame has
// arrived in 30s, serialized behind a single in-flight flag so repeated
// stale checks never pile up duplicate resubscribe attempts.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"solver/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	l2BufferSize     = 64
	staleCheckPeriod = 10 * time.Second
	staleThreshold   = 30 * time.Second
)

// L2Stream manages the single WebSocket connection carrying BTC perp L2
// order-book snapshots.
type L2Stream struct {
	url     string
	coin    string
	conn    *websocket.Conn
	connMu  sync.Mutex
	updates chan types.L2Update

	lastFrameMu sync.RWMutex
	lastFrameAt time.Time

	resubscribing atomic.Bool
	initDone      chan struct{}
	initOnce      sync.Once

	logger *slog.Logger
}

// NewL2Stream creates a stream for the given coin, not yet connected.
func NewL2Stream(wsURL, coin string, logger *slog.Logger) *L2Stream {
	return &L2Stream{
		url:      wsURL,
		coin:     coin,
		updates:  make(chan types.L2Update, l2BufferSize),
		initDone: make(chan struct{}),
		logger:   logger.With("component", "venue_l2"),
	}
}

// Updates returns the read-only channel of full L2 snapshots.
func (s *L2Stream) Updates() <-chan types.L2Update { return s.updates }

// Init blocks until the first L2 frame arrives or ctx is cancelled (§4.1:
// "Initial init() completes only after the first L2 frame arrives").
func (s *L2Stream) Init(ctx context.Context) error {
	select {
	case <-s.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect,
// and starts the staleness watchdog. Blocks until ctx is cancelled.
func (s *L2Stream) Run(ctx context.Context) error {
	go s.staleWatchdog(ctx)

	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("l2 stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// staleWatchdog checks every 10s that the last frame is under 30s old; if
// idle, tears the subscription down by closing the connection so Run's
// reconnect loop re-establishes it (§4.1).
func (s *L2Stream) staleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(staleCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.lastFrameMu.RLock()
			last := s.lastFrameAt
			s.lastFrameMu.RUnlock()

			if last.IsZero() || time.Since(last) <= staleThreshold {
				continue
			}
			if !s.resubscribing.CompareAndSwap(false, true) {
				continue // a resubscribe is already in flight
			}
			s.logger.Warn("l2 stream idle, forcing resubscribe", "idle_for", time.Since(last))
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
			}
			s.connMu.Unlock()
			s.resubscribing.Store(false)
		}
	}
}

func (s *L2Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	sub := map[string]any{"method": "subscribe", "subscription": map[string]string{"type": "l2Book", "coin": s.coin}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("l2 stream connected", "coin", s.coin)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *L2Stream) dispatchMessage(data []byte) {
	var frame struct {
		Channel string         `json:"channel"`
		Data    types.L2Update `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring non-json l2 message", "data", string(data))
		return
	}
	if frame.Channel != "l2Book" {
		return
	}

	s.lastFrameMu.Lock()
	s.lastFrameAt = time.Now()
	s.lastFrameMu.Unlock()

	s.initOnce.Do(func() { close(s.initDone) })

	select {
	case s.updates <- frame.Data:
	default:
		s.logger.Warn("l2 update channel full, dropping frame")
	}
}
