package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"solver/internal/config"
	"solver/pkg/tokens"
)

func testTokenTable(t *testing.T) *tokens.Table {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	content := `
btc:
  nep141:wrap.near:
    symbol: BTC
    decimals: 8
usd:
  nep141:usdt.tether-token.near:
    symbol: USDT
    decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write test token config: %v", err)
	}
	tbl, err := tokens.Load(path)
	if err != nil {
		t.Fatalf("load test token config: %v", err)
	}
	return tbl
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")
	data, _ := json.Marshal(keyFile{Ed25519SecretKeyB64: base64.StdEncoding.EncodeToString(priv)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestNewClientLoadsKeyAndDerivesPublicKeyString(t *testing.T) {
	t.Parallel()
	keyPath := writeTestKey(t)

	c, err := NewClient(config.ChainConfig{RPCBaseURL: "https://rpc.example.com", PrivateKeyPath: keyPath, AccountID: "solver.near"}, testTokenTable(t), testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.PublicKeyString() == "" {
		t.Error("expected a non-empty public key string")
	}
}

func TestSignProducesValidSignature(t *testing.T) {
	t.Parallel()
	keyPath := writeTestKey(t)

	c, err := NewClient(config.ChainConfig{RPCBaseURL: "https://rpc.example.com", PrivateKeyPath: keyPath, AccountID: "solver.near"}, testTokenTable(t), testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var digest [32]byte
	copy(digest[:], []byte("0123456789abcdef0123456789abcdef"))

	sig := c.Sign(digest)
	if len(sig) != ed25519.SignatureSize {
		t.Fatalf("signature length = %d, want %d", len(sig), ed25519.SignatureSize)
	}

	pubBytes, err := base64.StdEncoding.DecodeString(c.PublicKeyString())
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), digest[:], sig) {
		t.Error("signature did not verify against the derived public key")
	}
}

func TestNewClientRejectsMalformedKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	data, _ := json.Marshal(keyFile{Ed25519SecretKeyB64: base64.StdEncoding.EncodeToString([]byte("too-short"))})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewClient(config.ChainConfig{RPCBaseURL: "https://rpc.example.com", PrivateKeyPath: path}, testTokenTable(t), testLogger())
	if err == nil {
		t.Error("expected NewClient to reject a malformed private key")
	}
}

func TestGetBalanceReturnsZeroOnFailure(t *testing.T) {
	t.Parallel()
	keyPath := writeTestKey(t)

	c, err := NewClient(config.ChainConfig{RPCBaseURL: "http://127.0.0.1:1", PrivateKeyPath: keyPath, AccountID: "solver.near"}, testTokenTable(t), testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got := c.GetBalance(context.Background(), "nep141:wrap.near")
	if got != 0 {
		t.Errorf("GetBalance on unreachable RPC = %v, want 0", got)
	}
}
