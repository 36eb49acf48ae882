// Package intent builds the NEP-413-style signing digest for solver
// intents. Per the external interfaces (§6), this is an opaque pure
// function: a 32-byte digest computed over (message, recipient, a 32-byte
// nonce, a fixed standard tag) using a domain-separated SHA-256 framing.
// It has no dependency on any other internal package.
package intent

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// StandardTag identifies the NEP-413 signing standard. It is framed as a
// fixed 4-byte prefix ahead of the canonical payload serialization so that
// digests for this standard can never collide with a digest computed
// under a different standard over the same bytes.
const StandardTag uint32 = 413

// NonceSize is the required length, in bytes, of a decoded nonce.
const NonceSize = 32

// Payload is the canonical input to BuildDigest.
type Payload struct {
	Message   string // JSON-encoded SignedIntentPayload
	Recipient string
	NonceB64  string // base64-encoded 32-byte nonce
}

// BuildDigest computes the 32-byte domain-separated SHA-256 digest for a
// payload. The canonical serialization is the fixed 4-byte standard-tag
// prefix followed by each field length-prefixed (4-byte big-endian length
// + raw bytes), so no field's content can be reinterpreted as a boundary
// between fields.
func BuildDigest(p Payload) ([32]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(p.NonceB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return [32]byte{}, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	h := sha256.New()

	var tagBuf [4]byte
	binary.BigEndian.PutUint32(tagBuf[:], StandardTag)
	h.Write(tagBuf[:])

	writeField(h, []byte(p.Message))
	writeField(h, []byte(p.Recipient))
	writeField(h, nonce)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

func writeField(h interface{ Write([]byte) (int, error) }, field []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	h.Write(lenBuf[:])
	h.Write(field)
}
