package roles

import "fmt"

// AuthError marks a fetch failure caused by the client credentials: an
// unreadable or invalid certificate/key pair, or a 401/403 from a headnode.
// Retryable; the loop backs off rather than crashing.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError marks a transport-level fetch failure: connection refused,
// timeout, or an unexpected HTTP status. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError marks a malformed response body. Retryable; the headnode may be
// mid-upgrade or proxied through something broken.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
