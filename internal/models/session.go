// Package models defines types shared across internal packages.
package models

import "time"

// Session is the persisted credential record for the signed-in user.
// AccessToken and ExpiresAt are set together or not at all.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// Display-only fields mirrored from the login response. Never used
	// for authorization decisions.
	Username    string
	DisplayName string
}

// Empty reports whether the record carries no access token.
func (s Session) Empty() bool {
	return s.AccessToken == ""
}

// Complete reports whether the token/expiry invariant holds: either
// both are set or both are zero.
func (s Session) Complete() bool {
	return (s.AccessToken == "") == s.ExpiresAt.IsZero()
}

// Valid reports whether the record holds a token that has not expired
// at now. A record with no known expiry is treated as expired.
func (s Session) Valid(now time.Time) bool {
	if s.AccessToken == "" || s.ExpiresAt.IsZero() {
		return false
	}

	return now.Before(s.ExpiresAt)
}

// TokenPair is the result of a refresh exchange.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginStatus tags the outcome of a login exchange.
type LoginStatus int

const (
	// LoginRejected means the backend did not accept the credentials.
	LoginRejected LoginStatus = iota
	// LoginAuthenticated means Session holds a fresh record.
	LoginAuthenticated
)

func (s LoginStatus) String() string {
	switch s {
	case LoginAuthenticated:
		return "authenticated"
	case LoginRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// LoginResult is the tagged outcome of a login exchange. Session is
// only meaningful when Status is LoginAuthenticated.
type LoginResult struct {
	Status  LoginStatus
	Session Session
}

// Authenticated reports whether the login was accepted.
func (r LoginResult) Authenticated() bool {
	return r.Status == LoginAuthenticated
}
