// Package audit writes the solver's out-of-core JSONL file outputs
// (§3): an append-only trade stream, an append-only quote-phase trace
// stream, and a periodically checkpointed position snapshot. Every
// record carries an ISO-8601 timestamp and a type tag.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"solver/pkg/types"
)

const (
	tradesFile = "trades.jsonl"
	traceFile  = "trace.jsonl"
	posFile    = "position.json"
)

// TradeRecord is one append to trades.jsonl: the economics of a settled,
// hedged quote.
type TradeRecord struct {
	Timestamp   string  `json:"timestamp"`
	Type        string  `json:"type"`
	Nonce       string  `json:"nonce"`
	QuoteHash   string  `json:"quote_hash"`
	BTCSize     float64 `json:"btc_size"`
	QuotedPrice float64 `json:"quoted_price"`
	HedgePrice  float64 `json:"hedge_price"`
	PnLEstimate float64 `json:"pnl_estimate"`
}

// PositionSnapshot is the whole-state record checkpointed to position.json.
type PositionSnapshot struct {
	Timestamp  string  `json:"timestamp"`
	Type       string  `json:"type"`
	PerpBTC    float64 `json:"perp_btc"`
	BTCOnChain float64 `json:"btc_on_chain"`
	USDOnChain float64 `json:"usd_on_chain"`
	MarginUSD  float64 `json:"margin_usd"`
}

// TraceRecord is one append to trace.jsonl: a single lifecycle phase of
// one quote, tagged with a trace id so operators can correlate that
// quote's phases within trace.jsonl. Trade and position records carry no
// trace id.
type TraceRecord struct {
	Timestamp string            `json:"timestamp"`
	Type      string            `json:"type"`
	TraceID   string            `json:"trace_id"`
	Phase     types.TracePhase  `json:"phase"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Logger owns the three JSONL/checkpoint files for one solver process.
// Trade and trace appends are serialized by tradeMu/traceMu; the
// position checkpoint is serialized separately since it replaces the
// whole file rather than appending.
type Logger struct {
	dir string

	tradeMu sync.Mutex
	tradeFh *os.File

	traceMu sync.Mutex
	traceFh *os.File

	posMu sync.Mutex
}

// Open creates dir if needed and opens the trade and trace streams for
// append. The position checkpoint file is opened fresh on each
// SavePositionSnapshot via atomic rename, so it has no persistent handle.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	tradeFh, err := os.OpenFile(filepath.Join(dir, tradesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trades stream: %w", err)
	}
	traceFh, err := os.OpenFile(filepath.Join(dir, traceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		tradeFh.Close()
		return nil, fmt.Errorf("open trace stream: %w", err)
	}
	return &Logger{dir: dir, tradeFh: tradeFh, traceFh: traceFh}, nil
}

// Close flushes and closes the open append streams.
func (l *Logger) Close() error {
	l.tradeMu.Lock()
	tradeErr := l.tradeFh.Close()
	l.tradeMu.Unlock()

	l.traceMu.Lock()
	traceErr := l.traceFh.Close()
	l.traceMu.Unlock()

	if tradeErr != nil {
		return tradeErr
	}
	return traceErr
}

// LogTrade appends one TradeRecord, once. A write failure is returned for
// the caller to log and is not retried, so a failed append is not written
// again.
func (l *Logger) LogTrade(rec TradeRecord) error {
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	rec.Type = "trade"
	return l.appendJSON(&l.tradeMu, l.tradeFh, rec)
}

// LogTrace appends one quote lifecycle phase. When traceID is empty a
// fresh id is generated; otherwise the given id is reused. The id is
// returned so the caller can thread it through subsequent phases of the
// same quote.
func (l *Logger) LogTrace(traceID string, phase types.TracePhase, fields map[string]string) (string, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	rec := TraceRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "trace",
		TraceID:   traceID,
		Phase:     phase,
		Fields:    fields,
	}
	return traceID, l.appendJSON(&l.traceMu, l.traceFh, rec)
}

func (l *Logger) appendJSON(mu *sync.Mutex, fh *os.File, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	mu.Lock()
	defer mu.Unlock()
	_, err = fh.Write(data)
	return err
}

// SavePositionSnapshot atomically replaces position.json: write to a
// .tmp file, then rename over the target, so a crash mid-write never
// leaves a corrupt checkpoint.
func (l *Logger) SavePositionSnapshot(snap PositionSnapshot) error {
	snap.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	snap.Type = "position"

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position snapshot: %w", err)
	}

	path := filepath.Join(l.dir, posFile)
	tmp := path + ".tmp"

	l.posMu.Lock()
	defer l.posMu.Unlock()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPositionSnapshot restores the last checkpoint, or returns nil, nil
// if none has ever been written.
func (l *Logger) LoadPositionSnapshot() (*PositionSnapshot, error) {
	l.posMu.Lock()
	defer l.posMu.Unlock()

	data, err := os.ReadFile(filepath.Join(l.dir, posFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read position snapshot: %w", err)
	}

	var snap PositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal position snapshot: %w", err)
	}
	return &snap, nil
}
