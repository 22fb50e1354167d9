// Package token decodes the expiry claim carried by backend access
// tokens. Signatures are not verified here: the backend is the only
// party that trusts the token, the client only needs to know when it
// stops working.
package token

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
)

// Expiry returns the absolute instant at which rawToken expires, read
// from its "exp" claim. Any token that cannot be parsed, or that has no
// exp claim, yields ErrMalformedToken.
func Expiry(rawToken string) (time.Time, error) {
	if strings.TrimSpace(rawToken) == "" {
		return time.Time{}, fmt.Errorf("empty token: %w", sessionerr.ErrMalformedToken)
	}

	parsed, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w: %w", sessionerr.ErrMalformedToken, err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading exp claim: %w: %w", sessionerr.ErrMalformedToken, err)
	}

	if exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim: %w", sessionerr.ErrMalformedToken)
	}

	return exp.Time, nil
}
