// Package runtimeerr defines the error kinds the Claude Session Runtime
// surfaces to callers, mirroring the coarse/detailed split the agent
// package uses for tool errors: a small exported Kind for callers to
// switch on, and a private message/cause for operators.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind is the externally visible error category. It never carries detail
// that must not leak (e.g. a tunnel verification sub-reason).
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindNoProviderAvailable
	KindProviderError
	KindSessionNotFound
	KindBudgetExceeded
	KindIdempotencyRequired
	KindMaxCostRequired
	KindNotReady
	KindTunnelRequired
	KindTunnelAuthRequired
	KindJournal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindNoProviderAvailable:
		return "no_provider_available"
	case KindProviderError:
		return "provider_error"
	case KindSessionNotFound:
		return "session_not_found"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindIdempotencyRequired:
		return "idempotency_required"
	case KindMaxCostRequired:
		return "max_cost_required"
	case KindNotReady:
		return "not_ready"
	case KindTunnelRequired:
		return "tunnel_required"
	case KindTunnelAuthRequired:
		return "tunnel_auth_required"
	case KindJournal:
		return "journal"
	default:
		return "unknown"
	}
}

// RuntimeError is the typed error the core returns. Message carries operator
// detail (may include a tunnel sub-reason); callers should switch on Kind,
// not parse Message.
type RuntimeError struct {
	Kind    Kind
	Model   string // set for KindNoProviderAvailable
	Reason  string // set for KindNoProviderAvailable
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string {
	switch e.Kind {
	case KindNoProviderAvailable:
		return fmt.Sprintf("no provider available for model %s: %s", e.Model, e.Reason)
	case KindProviderError:
		return fmt.Sprintf("provider error: %s", e.Message)
	case KindJournal:
		return fmt.Sprintf("journal error: %s", e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		return e.Kind.String()
	}
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message, Cause: cause}
}

func NoProviderAvailable(model, reason string) *RuntimeError {
	return &RuntimeError{Kind: KindNoProviderAvailable, Model: model, Reason: reason}
}

func InvalidRequest(message string) *RuntimeError {
	return &RuntimeError{Kind: KindInvalidRequest, Message: message}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) a *RuntimeError.
func KindOf(err error) Kind {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Is reports whether err is a RuntimeError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
