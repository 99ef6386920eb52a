// Package signing adapts the boundary decoding the core needs around a
// consumed SigningService: the core only calls verify(pubkey, bytes,
// signature) -> bool, but inputs arrive from the wire as either hex or a
// bech32 "npub1..." public key, and either hex or base64 signature bytes.
// Decoding follows the same shape as the teacher's nostr channel adapter
// decoding an "nsec1..." private key.
package signing

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Verifier is the consumed SigningService contract.
type Verifier interface {
	Verify(pubkeyHex string, message []byte, signature []byte) bool
}

// ParsePubkey decodes a pubkey that is either hex or a bech32 "npub1..."
// string, returning the normalized hex form Verifier expects. The decoded
// length is not checked here.
func ParsePubkey(input string) (string, error) {
	if len(input) >= 4 && input[:4] == "npub" {
		prefix, data, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("invalid npub: unexpected prefix %q", prefix)
		}
		hexKey, ok := data.(string)
		if !ok {
			return "", fmt.Errorf("invalid npub: unexpected payload type")
		}
		return hexKey, nil
	}
	raw, err := hex.DecodeString(input)
	if err != nil {
		return "", fmt.Errorf("decode hex pubkey: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ParseSignature decodes a signature that is either hex or base64,
// returning raw bytes. Hex is tried first, matching the original runtime's
// decode order.
func ParseSignature(input string) ([]byte, error) {
	if raw, err := hex.DecodeString(input); err == nil {
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("decode signature: not valid hex or base64")
	}
	return raw, nil
}

// Service wraps a Verifier, decoding boundary inputs before delegating.
type Service struct {
	verifier Verifier
}

func New(v Verifier) *Service {
	return &Service{verifier: v}
}

// Verify decodes pubkeyInput and signatureInput at the boundary and asks
// the underlying Verifier to check signature over message under pubkey.
func (s *Service) Verify(pubkeyInput string, message []byte, signatureInput string) (bool, error) {
	pubkeyHex, err := ParsePubkey(pubkeyInput)
	if err != nil {
		return false, err
	}
	sig, err := ParseSignature(signatureInput)
	if err != nil {
		return false, err
	}
	return s.verifier.Verify(pubkeyHex, message, sig), nil
}
