package tunnel

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// pskClaims is the PreSharedKey tunnel auth token's claim set: a JWT
// signed with the shared secret, carrying the challenge nonce so a
// replayed token from an earlier challenge is rejected by nonce
// comparison rather than by signature alone.
type pskClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// JWTPreSharedKeyVerifier verifies the PreSharedKey tunnel auth variant:
// the response's signature field is an HMAC-signed JWT whose "nonce"
// claim must equal the live challenge nonce. SecretResolver maps a
// TunnelEndpoint's SecretRef to the shared secret bytes.
type JWTPreSharedKeyVerifier struct {
	SecretResolver func(secretRef string) ([]byte, error)
}

func NewJWTPreSharedKeyVerifier(resolver func(secretRef string) ([]byte, error)) *JWTPreSharedKeyVerifier {
	return &JWTPreSharedKeyVerifier{SecretResolver: resolver}
}

func (v *JWTPreSharedKeyVerifier) Verify(token, secretRef, expectedNonce string) (bool, error) {
	secret, err := v.SecretResolver(secretRef)
	if err != nil {
		return false, fmt.Errorf("resolve pre-shared secret: %w", err)
	}

	claims := &pskClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return false, nil
	}
	if claims.Nonce != expectedNonce {
		return false, nil
	}
	return true, nil
}
