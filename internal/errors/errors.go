package errors

import "errors"

// Session errors.
var (
	ErrAuthExpired       = errors.New("session authentication expired")
	ErrRefreshConflict   = errors.New("session record changed during refresh")
	ErrMalformedToken    = errors.New("access token has no decodable expiry")
	ErrRefreshRejected   = errors.New("refresh token rejected")
	ErrIncompleteSession = errors.New("session record has token without expiry or expiry without token")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// NetworkFailure wraps a transport-level error. Neither the gateway nor
// the monitor retries these; they are surfaced to the caller.
type NetworkFailure struct {
	Err error
}

func (e *NetworkFailure) Error() string { return "network failure: " + e.Err.Error() }
func (e *NetworkFailure) Unwrap() error { return e.Err }

// IsNetworkFailure reports whether err (or any error in its chain) is a
// NetworkFailure.
func IsNetworkFailure(err error) bool {
	var nf *NetworkFailure
	return errors.As(err, &nf)
}
