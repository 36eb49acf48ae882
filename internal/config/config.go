// Package config defines all configuration for the solver.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SOLVER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Quoter    QuoterConfig    `mapstructure:"quoter"`
	Hedger    HedgerConfig    `mapstructure:"hedger"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Spread    SpreadConfig    `mapstructure:"spread"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ChainConfig holds the settlement-chain wallet and RPC endpoint.
// PrivateKeyPath points to a file containing the pre-loaded Ed25519
// signing key (§4.2).
type ChainConfig struct {
	RPCBaseURL     string `mapstructure:"rpc_base_url"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	AccountID      string `mapstructure:"account_id"`
	// VerifyingRecipient is the intents-settlement contract id the signed
	// digest's "recipient" field binds to (§6), preventing a signature
	// minted for this bus from being replayed against a different one.
	VerifyingRecipient string `mapstructure:"verifying_recipient"`
}

// VenueConfig holds the perpetual venue's endpoints and hedge-execution tuning.
type VenueConfig struct {
	RESTBaseURL      string  `mapstructure:"rest_base_url"`
	WSURL            string  `mapstructure:"ws_url"`
	BTCCoin          string  `mapstructure:"btc_coin"`
	DryRun           bool    `mapstructure:"dry_run"`
	HedgeSlippageBps float64 `mapstructure:"hedge_slippage_bps"`
}

// RelayConfig holds the RFQ bus connection and channel names.
type RelayConfig struct {
	URL                string        `mapstructure:"url"`
	QuoteChannel       string        `mapstructure:"quote_channel"`
	SettlementChannel  string        `mapstructure:"settlement_channel"`
	PublishAckTimeout  time.Duration `mapstructure:"publish_ack_timeout"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
}

// RiskConfig sets the thresholds the InventoryManager gates quoting on (§6).
type RiskConfig struct {
	MaxBTCInventory        float64       `mapstructure:"max_btc_inventory"`
	MinUSDReserve          float64       `mapstructure:"min_usd_reserve"`
	MinMarginThreshold     float64       `mapstructure:"min_margin_threshold"`
	MaxNegativeFundingRate float64       `mapstructure:"max_negative_funding_rate"`
	SnapshotMaxAge         time.Duration `mapstructure:"snapshot_max_age"`
	RefreshInterval        time.Duration `mapstructure:"refresh_interval"`
	MinTradeSizeBTC        float64       `mapstructure:"min_trade_size_btc"`
}

// QuoterConfig sets the quoting hot path's size bounds and spread.
type QuoterConfig struct {
	MinTradeSizeBTC  float64       `mapstructure:"min_trade_size_btc"`
	MaxTradeSizeBTC  float64       `mapstructure:"max_trade_size_btc"`
	TargetSpreadBips float64       `mapstructure:"target_spread_bips"`
	MaxOrderbookAge  time.Duration `mapstructure:"max_orderbook_age"`
	ProbeSizeBTC     float64       `mapstructure:"probe_size_btc"`
}

// HedgerConfig tunes the settlement detector and hedge executor.
type HedgerConfig struct {
	HedgingEnabled     bool          `mapstructure:"hedging_enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollBatchSize      int           `mapstructure:"poll_batch_size"`
	PollBatchPause     time.Duration `mapstructure:"poll_batch_pause"`
	MaxRPCFailures     int           `mapstructure:"max_rpc_failures"`
	ExpirySafetyWindow time.Duration `mapstructure:"expiry_safety_window"`
	HedgedSetCapacity  int           `mapstructure:"hedged_set_capacity"`
	DedupCacheSize     int           `mapstructure:"dedup_cache_size"`
}

// WatchdogConfig tunes the drift watchdog's period and alert threshold.
type WatchdogConfig struct {
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	DriftThresholdBTC float64       `mapstructure:"drift_threshold_btc"`
}

// SpreadConfig tunes the optional dynamic-spread adjustment (§4.8).
type SpreadConfig struct {
	DynamicEnabled  bool          `mapstructure:"dynamic_enabled"`
	BaseSpreadBips  float64       `mapstructure:"base_spread_bips"`
	MaxSpreadBips   float64       `mapstructure:"max_spread_bips"`
	SpotPrimaryURL  string        `mapstructure:"spot_primary_url"`
	SpotFallbackURL string        `mapstructure:"spot_fallback_url"`
	SpotRefresh     time.Duration `mapstructure:"spot_refresh"`
}

// TokensConfig points at the static token table file (§3).
type TokensConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// AuditConfig sets where JSONL trade/position/trace streams are written.
type AuditConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SOLVER_CHAIN_PRIVATE_KEY_PATH, SOLVER_RELAY_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if path := os.Getenv("SOLVER_CHAIN_PRIVATE_KEY_PATH"); path != "" {
		cfg.Chain.PrivateKeyPath = path
	}
	if url := os.Getenv("SOLVER_RELAY_URL"); url != "" {
		cfg.Relay.URL = url
	}
	if os.Getenv("SOLVER_DRY_RUN") == "true" || os.Getenv("SOLVER_DRY_RUN") == "1" {
		cfg.DryRun = true
		cfg.Venue.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.PrivateKeyPath == "" {
		return fmt.Errorf("chain.private_key_path is required (set SOLVER_CHAIN_PRIVATE_KEY_PATH)")
	}
	if c.Chain.RPCBaseURL == "" {
		return fmt.Errorf("chain.rpc_base_url is required")
	}
	if c.Chain.VerifyingRecipient == "" {
		return fmt.Errorf("chain.verifying_recipient is required")
	}
	if c.Venue.RESTBaseURL == "" || c.Venue.WSURL == "" {
		return fmt.Errorf("venue.rest_base_url and venue.ws_url are required")
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required (set SOLVER_RELAY_URL)")
	}
	if c.Risk.MaxBTCInventory <= 0 {
		return fmt.Errorf("risk.max_btc_inventory must be > 0")
	}
	if c.Quoter.MinTradeSizeBTC <= 0 || c.Quoter.MaxTradeSizeBTC <= c.Quoter.MinTradeSizeBTC {
		return fmt.Errorf("quoter.min_trade_size_btc must be > 0 and less than max_trade_size_btc")
	}
	if c.Quoter.TargetSpreadBips <= 0 {
		return fmt.Errorf("quoter.target_spread_bips must be > 0")
	}
	if c.Tokens.ConfigPath == "" {
		return fmt.Errorf("tokens.config_path is required")
	}
	if c.Spread.DynamicEnabled {
		if c.Spread.BaseSpreadBips <= 0 || c.Spread.MaxSpreadBips < c.Spread.BaseSpreadBips {
			return fmt.Errorf("spread.base_spread_bips/max_spread_bips misconfigured for dynamic spread")
		}
	}
	return nil
}
