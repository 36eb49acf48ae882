package intent

import (
	"encoding/base64"
	"testing"
)

func validNonce() string {
	return base64.StdEncoding.EncodeToString(make([]byte, NonceSize))
}

func TestBuildDigestDeterministic(t *testing.T) {
	t.Parallel()

	p := Payload{Message: `{"signer_id":"solver.near"}`, Recipient: "user.near", NonceB64: validNonce()}

	d1, err := BuildDigest(p)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	d2, err := BuildDigest(p)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if d1 != d2 {
		t.Error("BuildDigest should be deterministic for identical input")
	}
}

func TestBuildDigestFieldsNotInterchangeable(t *testing.T) {
	t.Parallel()

	// Swapping message and recipient content must produce a different
	// digest: the fields are bound to their positions, not interchangeable.
	a, err := BuildDigest(Payload{Message: "abcd", Recipient: "wxyz", NonceB64: validNonce()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildDigest(Payload{Message: "wxyz", Recipient: "abcd", NonceB64: validNonce()})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("swapping message/recipient content should change the digest")
	}
}

func TestBuildDigestRejectsBadNonce(t *testing.T) {
	t.Parallel()

	_, err := BuildDigest(Payload{Message: "m", Recipient: "r", NonceB64: "not-base64!!"})
	if err == nil {
		t.Error("expected error for invalid base64 nonce")
	}

	shortNonce := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err = BuildDigest(Payload{Message: "m", Recipient: "r", NonceB64: shortNonce})
	if err == nil {
		t.Error("expected error for nonce shorter than 32 bytes")
	}
}
