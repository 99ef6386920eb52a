package signing

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// NostrVerifier verifies BIP-340 Schnorr signatures over the curve Nostr
// keys live on, matching the "Signed-with-identity" tunnel auth variant's
// npub-form pubkeys: an npub encodes the same x-only secp256k1 public key
// a Nostr event is signed with, so verification uses the same primitive
// the teacher's nostr channel adapter relies on indirectly through
// github.com/nbd-wtf/go-nostr.
type NostrVerifier struct{}

func NewNostrVerifier() *NostrVerifier { return &NostrVerifier{} }

// Verify checks a 64-byte Schnorr signature over the SHA-256 digest of
// message under the given
// 32-byte x-only public key (as hex).
func (NostrVerifier) Verify(pubkeyHex string, message []byte, signature []byte) bool {
	pubBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubBytes) != 32 {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pub)
}
