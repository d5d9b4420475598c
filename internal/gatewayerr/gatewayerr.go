// Package gatewayerr defines the gateway's closed error taxonomy (spec.md
// §7) and the single translation from a semantic Kind to an HTTP status.
// Only the ingress handler performs this translation; every other
// component returns a plain *Error and never writes to the response.
package gatewayerr

import "net/http"

// Kind enumerates the gateway's semantic error taxonomy. It intentionally
// does not distinguish AuthMissing from AuthRejected from SessionRevoked at
// the HTTP boundary (spec.md §7: "observationally identical") even though
// components may raise distinct Kinds internally.
type Kind int

const (
	KindAuthMissing Kind = iota
	KindAuthRejected
	KindSessionRevoked
	KindNoEligibleAccount
	KindCredentialMissing
	KindCredentialInvalid
	KindCredentialRefreshTimeout
	KindBackendUnavailable
	KindUpstreamConnect
	KindUpstreamProtocol
	KindUpstreamTimeout
)

// Error is the gateway's internal error type. Reason is a short,
// human-readable string safe to return to the client; it must never embed
// the gateway token or any upstream credential.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Reason + ": " + e.cause.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given Kind with a client-safe reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error of the given Kind, keeping cause for logging via
// errors.Unwrap/%w while never including it in the client-facing Reason.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// HTTPStatus maps a Kind to the HTTP status the ingress handler returns,
// per the table in spec.md §7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthMissing, KindAuthRejected, KindSessionRevoked:
		return http.StatusUnauthorized
	case KindNoEligibleAccount,
		KindCredentialMissing, KindCredentialInvalid, KindCredentialRefreshTimeout,
		KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamConnect, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
