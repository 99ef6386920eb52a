// Package tunnel implements TunnelAuthStore: per-endpoint challenge
// issuance and response verification gating WebSocket-tunnel provider
// admission. Grounded on the original runtime's challenge/response
// lifecycle, with nonce generation via google/uuid (as the teacher's
// session and request identifiers do) and verification split across two
// auth variants: Signed-with-identity (delegates to internal/signing,
// itself backed by the teacher's nostr key-handling idiom) and
// PreSharedKey (delegates to golang-jwt/jwt/v5, matching how the
// teacher's HTTP auth middleware validates bearer tokens).
package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/csr/internal/runtimeerr"
)

// AuthKind is the tunnel endpoint's auth variant.
type AuthKind string

const (
	AuthNone             AuthKind = "none"
	AuthSignedIdentity   AuthKind = "signed_identity"
	AuthPreSharedKey     AuthKind = "pre_shared_key"
)

// Endpoint configures one tunnel endpoint's identity and auth policy.
type Endpoint struct {
	ID            string
	URL           string
	Auth          AuthKind
	Relay         string   // optional, Signed-with-identity only
	SecretRef     string   // PreSharedKey only: key handed to the secret resolver
	AllowedAgents []string // pubkeys (Signed-with-identity) or empty (unrestricted)
	RateLimitRPS  float64
}

// Challenge is the opaque nonce issued for an endpoint, with expiry.
type Challenge struct {
	Nonce      string
	EndpointID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

func (c Challenge) expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Response is a submitted challenge response.
type Response struct {
	Nonce      string
	Signature  string
	Pubkey     string
	EndpointID string
}

// Status is the /auth/status view for one endpoint.
type Status struct {
	EndpointID      string
	AuthKind        AuthKind
	Authorized      bool
	BoundPubkey     string
	ChallengeExpiry time.Time
}

// IdentityVerifier checks a signature over message under a pubkey. Callers
// typically pass *signing.Service.
type IdentityVerifier interface {
	Verify(pubkeyInput string, message []byte, signatureInput string) (bool, error)
}

// PreSharedKeyVerifier checks a PreSharedKey-variant token against an
// expected nonce and secret.
type PreSharedKeyVerifier interface {
	Verify(token, secretRef, expectedNonce string) (bool, error)
}

type state struct {
	endpoint    Endpoint
	challenge   *Challenge
	response    *Response
	boundPubkey string
	authorized  bool
}

// Store is the TunnelAuthStore.
type Store struct {
	mu               sync.Mutex
	endpoints        map[string]*state
	challengeTTL     time.Duration
	identityVerifier IdentityVerifier
	pskVerifier      PreSharedKeyVerifier
	nowFn            func() time.Time
}

func New(identity IdentityVerifier, psk PreSharedKeyVerifier, challengeTTL time.Duration) *Store {
	return &Store{
		endpoints:        make(map[string]*state),
		challengeTTL:     challengeTTL,
		identityVerifier: identity,
		pskVerifier:      psk,
		nowFn:            time.Now,
	}
}

// Register adds or replaces an endpoint's configuration. It does not
// disturb an in-flight challenge/response for an already-registered
// endpoint with the same ID.
func (s *Store) Register(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.endpoints[ep.ID]; ok {
		existing.endpoint = ep
		return
	}
	s.endpoints[ep.ID] = &state{endpoint: ep}
}

// RequiresAuth reports whether an endpoint's auth variant demands a live
// verified response before admission.
func (s *Store) RequiresAuth(endpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.endpoints[endpointID]
	if !ok {
		return false, runtimeerr.New(runtimeerr.KindInvalidRequest, "unknown tunnel endpoint")
	}
	return st.endpoint.Auth != AuthNone, nil
}

// Endpoint returns a copy of the registered endpoint config, for
// transports (e.g. tunnelws) that need its URL/auth to actually connect.
func (s *Store) Endpoint(endpointID string) (Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.endpoints[endpointID]
	if !ok {
		return Endpoint{}, false
	}
	return st.endpoint, true
}

// IsAuthorized reports whether endpointID currently has a live, verified
// response on file -- the gate create_session consults for
// TunnelAuthRequired.
func (s *Store) IsAuthorized(endpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.endpoints[endpointID]
	if !ok {
		return false
	}
	return st.authorized && st.challenge != nil && !st.challenge.expired(s.nowFn())
}

// Challenge auto-issues a fresh challenge if none exists or the stored one
// has expired; rotation invalidates any matching response.
func (s *Store) Challenge(endpointID string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.endpoints[endpointID]
	if !ok {
		return Challenge{}, runtimeerr.New(runtimeerr.KindInvalidRequest, "unknown tunnel endpoint")
	}

	now := s.nowFn()
	if st.challenge == nil || st.challenge.expired(now) {
		st.challenge = &Challenge{
			Nonce:      uuid.NewString(),
			EndpointID: endpointID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(s.challengeTTL),
		}
		st.response = nil
		st.authorized = false
	}
	return *st.challenge, nil
}

// SubmitResponse verifies r against the live challenge and, on success,
// stores it and marks the endpoint authorized.
func (s *Store) SubmitResponse(r Response) error {
	s.mu.Lock()
	st, ok := s.endpoints[r.EndpointID]
	if !ok {
		s.mu.Unlock()
		return tunnelAuthFailure("unknown tunnel")
	}
	if st.challenge == nil {
		s.mu.Unlock()
		return tunnelAuthFailure("no challenge")
	}
	if r.Nonce != st.challenge.Nonce {
		s.mu.Unlock()
		return tunnelAuthFailure("challenge mismatch")
	}
	now := s.nowFn()
	if st.challenge.expired(now) {
		s.mu.Unlock()
		return tunnelAuthFailure("challenge expired")
	}
	auth := st.endpoint.Auth
	allowed := st.endpoint.AllowedAgents
	secretRef := st.endpoint.SecretRef
	nonce := st.challenge.Nonce
	s.mu.Unlock()

	switch auth {
	case AuthNone:
		// Nothing to verify; treat submission as a no-op success.
	case AuthSignedIdentity:
		if len(allowed) > 0 && !containsStr(allowed, r.Pubkey) {
			return tunnelAuthFailure("agent not allowed")
		}
		ok, err := s.identityVerifier.Verify(r.Pubkey, []byte(nonce), r.Signature)
		if err != nil || !ok {
			return tunnelAuthFailure("invalid signature")
		}
	case AuthPreSharedKey:
		ok, err := s.pskVerifier.Verify(r.Signature, secretRef, nonce)
		if err != nil || !ok {
			return tunnelAuthFailure("invalid signature")
		}
	default:
		return tunnelAuthFailure("unsupported auth variant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.response = &r
	st.boundPubkey = r.Pubkey
	st.authorized = true
	return nil
}

// Status enumerates all registered endpoints.
func (s *Store) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.endpoints))
	for id, st := range s.endpoints {
		var expiry time.Time
		if st.challenge != nil {
			expiry = st.challenge.ExpiresAt
		}
		out = append(out, Status{
			EndpointID:      id,
			AuthKind:        st.endpoint.Auth,
			Authorized:      st.authorized,
			BoundPubkey:     st.boundPubkey,
			ChallengeExpiry: expiry,
		})
	}
	return out
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// tunnelAuthFailure wraps a precise internal sub-reason into the single
// externally visible TunnelAuthRequired kind.
func tunnelAuthFailure(reason string) error {
	return runtimeerr.Wrap(runtimeerr.KindTunnelAuthRequired, fmt.Sprintf("tunnel auth failed: %s", reason), nil)
}
