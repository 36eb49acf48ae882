// Package chain implements the settlement-chain client (§4.2): on-chain
// balance reads (stale-while-revalidate cached), nonce-consumption checks,
// and Ed25519 digest signing with the solver's pre-loaded key.
package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"solver/internal/config"
	"solver/pkg/tokens"
)

const (
	balanceTTL       = 10 * time.Second
	balanceStaleAt   = 7 * time.Second // background refresh kicks in after this age
)

// Client views on-chain balances, checks nonce consumption, and signs
// digests with a pre-loaded Ed25519 key (§4.2).
type Client struct {
	http      *resty.Client
	accountID string
	key       ed25519.PrivateKey
	pubKeyStr string
	tokens    *tokens.Table
	logger    *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]*balanceCacheEntry
}

type balanceCacheEntry struct {
	value      float64
	fetchedAt  time.Time
	refreshing bool
}

// keyFile is the on-disk shape of the pre-loaded signing key.
type keyFile struct {
	Ed25519SecretKeyB64 string `json:"ed25519_secret_key_base64"`
}

// NewClient loads the pre-loaded Ed25519 key from cfg.PrivateKeyPath and
// builds a settlement-chain RPC client. tbl supplies the pow10 scaling
// GetBalance needs to convert mt_balance_of's base-unit integer strings
// into the display units every caller (risk thresholds, the drift
// watchdog) compares against (§3, §4.2).
func NewClient(cfg config.ChainConfig, tbl *tokens.Table, logger *slog.Logger) (*Client, error) {
	raw, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("parse private key file: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(kf.Ed25519SecretKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed private key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(seed))
	}
	key := ed25519.PrivateKey(seed)
	pub := key.Public().(ed25519.PublicKey)

	httpClient := resty.New().
		SetBaseURL(cfg.RPCBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		accountID: cfg.AccountID,
		key:       key,
		pubKeyStr: base64.StdEncoding.EncodeToString(pub),
		tokens:    tbl,
		logger:    logger.With("component", "chain"),
		cache:     make(map[string]*balanceCacheEntry),
	}, nil
}

// PublicKeyString returns the pre-encoded text form of the public key,
// computed once at init.
func (c *Client) PublicKeyString() string { return c.pubKeyStr }

// Sign produces a synchronous Ed25519 signature over a 32-byte digest.
// The input must be exactly 32 bytes; the output is always 64 bytes.
func (c *Client) Sign(digest [32]byte) []byte {
	return ed25519.Sign(c.key, digest[:])
}

type balanceRequest struct {
	AccountID string `json:"account_id"`
	TokenID   string `json:"token_id"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance reads the intents-contract multi-token balance for tokenID
// via a stale-while-revalidate cache: fresh reads under balanceStaleAt
// return immediately, reads between balanceStaleAt and balanceTTL trigger
// a background refresh but still return the cached value, and reads older
// than balanceTTL block on a synchronous refresh. Failures return 0 and
// log a warning (upstream treats 0 as "cannot quote", §4.2).
func (c *Client) GetBalance(ctx context.Context, tokenID string) float64 {
	c.cacheMu.Lock()
	entry, ok := c.cache[tokenID]
	if !ok {
		entry = &balanceCacheEntry{}
		c.cache[tokenID] = entry
	}
	age := time.Since(entry.fetchedAt)
	needSync := !ok || age >= balanceTTL
	needBackground := !needSync && age >= balanceStaleAt && !entry.refreshing
	if needBackground {
		entry.refreshing = true
	}
	value := entry.value
	c.cacheMu.Unlock()

	if needBackground {
		go c.refreshBalance(context.Background(), tokenID, entry)
	}
	if needSync {
		return c.refreshBalanceSync(ctx, tokenID, entry)
	}
	return value
}

func (c *Client) refreshBalance(ctx context.Context, tokenID string, entry *balanceCacheEntry) {
	c.refreshBalanceSync(ctx, tokenID, entry)
	c.cacheMu.Lock()
	entry.refreshing = false
	c.cacheMu.Unlock()
}

func (c *Client) refreshBalanceSync(ctx context.Context, tokenID string, entry *balanceCacheEntry) float64 {
	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(balanceRequest{AccountID: c.accountID, TokenID: tokenID}).
		SetResult(&result).
		Post("/mt_balance_of")
	if err != nil || resp.StatusCode() != http.StatusOK {
		c.logger.Warn("balance read failed, treating as 0", "token", tokenID, "error", err)
		return 0
	}

	var raw float64
	fmt.Sscanf(result.Balance, "%f", &raw)

	pow10, ok := c.tokens.Pow10(tokenID)
	if !ok {
		c.logger.Warn("balance read for unconfigured token, treating as 0", "token", tokenID)
		return 0
	}
	value := raw / pow10

	c.cacheMu.Lock()
	entry.value = value
	entry.fetchedAt = time.Now()
	c.cacheMu.Unlock()
	return value
}

type nonceRequest struct {
	AccountID string `json:"account_id"`
	Nonce     string `json:"nonce"`
}

type nonceResponse struct {
	Used bool `json:"used"`
}

// WasNonceUsed is a view call that may fail transiently; failures
// propagate to the hedger, which counts consecutive failures (§4.2).
func (c *Client) WasNonceUsed(ctx context.Context, nonce string) (bool, error) {
	var result nonceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(nonceRequest{AccountID: c.accountID, Nonce: nonce}).
		SetResult(&result).
		Post("/is_nonce_used")
	if err != nil {
		return false, fmt.Errorf("was nonce used: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("was nonce used: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Used, nil
}
