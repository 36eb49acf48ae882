package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
chain:
  rpc_base_url: "https://rpc.example.near.org"
  private_key_path: "/tmp/key.json"
  account_id: "solver.near"
  verifying_recipient: "intents.near"
venue:
  rest_base_url: "https://venue.example.com"
  ws_url: "wss://venue.example.com/ws"
relay:
  url: "wss://relay.example.com"
risk:
  max_btc_inventory: 5.0
quoter:
  min_trade_size_btc: 0.001
  max_trade_size_btc: 1.0
  target_spread_bips: 30
tokens:
  config_path: "/tmp/tokens.yaml"
` + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Risk.MaxBTCInventory != 5.0 {
		t.Errorf("MaxBTCInventory = %v, want 5.0", cfg.Risk.MaxBTCInventory)
	}
}

func TestValidateRejectsMissingPrivateKeyPath(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Chain.PrivateKeyPath = ""

	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject a missing chain.private_key_path")
	}
}

func TestValidateRejectsBadSizeBounds(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Quoter.MaxTradeSizeBTC = cfg.Quoter.MinTradeSizeBTC

	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject max_trade_size_btc <= min_trade_size_btc")
	}
}

func TestEnvOverridesPrivateKeyPath(t *testing.T) {
	path := writeTestConfig(t, "")
	t.Setenv("SOLVER_CHAIN_PRIVATE_KEY_PATH", "/secret/key.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.PrivateKeyPath != "/secret/key.json" {
		t.Errorf("PrivateKeyPath = %q, want env override applied", cfg.Chain.PrivateKeyPath)
	}
}
