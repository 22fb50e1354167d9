// Package backend talks to the portal REST API's authentication
// endpoints: login, refresh, and logout notification.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/models"
	"github.com/alexjbarnes/portal-session/internal/token"
)

//go:generate mockgen -source=client.go -destination=mock_exchanger.go -package=backend Exchanger

const (
	loginEndpoint   = "/api/auth/login"
	refreshEndpoint = "/api/auth/refresh"
	logoutEndpoint  = "/api/auth/logout"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Exchanger is the set of backend calls the session layer depends on.
type Exchanger interface {
	Login(ctx context.Context, username, password string) (models.LoginResult, error)
	Refresh(ctx context.Context, pair models.TokenPair) (models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API %s (%d): %s: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

// Client talks to the portal REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so credentials in request bodies
// are never replayed to a third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// DefaultHTTPClient returns a client with the given timeout and the
// same-host redirect policy.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for baseURL. If httpClient is nil,
// DefaultHTTPClient with a 30-second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = DefaultHTTPClient(httpClientTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// post sends a JSON POST request and decodes the response into result.
// Transport failures come back as *NetworkFailure, non-200 responses
// as *StatusError.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshalling request body: %w", sessionerr.ErrAPIRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: creating request for %s: %w", sessionerr.ErrAPIRequest, endpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &sessionerr.NetworkFailure{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &sessionerr.NetworkFailure{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{Endpoint: endpoint, Status: resp.StatusCode}

		parsed := gjson.ParseBytes(respBody)
		if gjson.ValidBytes(respBody) && parsed.IsObject() {
			se.Code = parsed.Get("error").String()
			se.Message = parsed.Get("message").String()
			if se.Message == "" {
				se.Message = parsed.Get("error_description").String()
			}
		}

		if se.Message == "" {
			se.Message = sanitizeResponseBody(respBody)
		}

		return se
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", sessionerr.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
}

type refreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login exchanges user credentials for a session. Wrong credentials
// yield a LoginRejected result with a nil error; only transport and
// protocol failures are errors. The access token's expiry is decoded
// here so the returned session always satisfies the token/expiry
// invariant.
func (c *Client) Login(ctx context.Context, username, password string) (models.LoginResult, error) {
	var resp loginResponse

	err := c.post(ctx, loginEndpoint, loginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return models.LoginResult{Status: models.LoginRejected}, nil
		}

		return models.LoginResult{}, fmt.Errorf("logging in: %w", err)
	}

	// The backend signals rejected credentials with an empty token on
	// some deployments instead of a 401.
	if resp.Token == "" {
		return models.LoginResult{Status: models.LoginRejected}, nil
	}

	exp, err := token.Expiry(resp.Token)
	if err != nil {
		return models.LoginResult{}, fmt.Errorf("logging in: %w", err)
	}

	name := resp.Username
	if name == "" {
		name = username
	}

	return models.LoginResult{
		Status: models.LoginAuthenticated,
		Session: models.Session{
			AccessToken:  resp.Token,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    exp,
			Username:     name,
			DisplayName:  resp.DisplayName,
		},
	}, nil
}

// Refresh exchanges the current pair for a new one. A backend refusal
// wraps ErrRefreshRejected; transport failures wrap *NetworkFailure.
func (c *Client) Refresh(ctx context.Context, pair models.TokenPair) (models.TokenPair, error) {
	var resp refreshResponse

	err := c.post(ctx, refreshEndpoint, refreshRequest{Token: pair.AccessToken, RefreshToken: pair.RefreshToken}, &resp)
	if err != nil {
		if isRejection(err) {
			return models.TokenPair{}, fmt.Errorf("refreshing token: %w: %w", sessionerr.ErrRefreshRejected, err)
		}

		return models.TokenPair{}, fmt.Errorf("refreshing token: %w", err)
	}

	if resp.Token == "" {
		return models.TokenPair{}, fmt.Errorf("refreshing token: %w: empty access token", sessionerr.ErrRefreshRejected)
	}

	// Servers that do not rotate refresh tokens omit the field.
	if resp.RefreshToken == "" {
		resp.RefreshToken = pair.RefreshToken
	}

	return models.TokenPair{AccessToken: resp.Token, RefreshToken: resp.RefreshToken}, nil
}

// Logout tells the backend the refresh token is being discarded.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	if err := c.post(ctx, logoutEndpoint, logoutRequest{RefreshToken: refreshToken}, nil); err != nil {
		return fmt.Errorf("notifying logout: %w", err)
	}

	return nil
}

// isRejection reports whether err is the backend refusing the refresh
// token, as opposed to a transient or server-side failure.
func isRejection(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}

	switch se.Code {
	case "invalid_grant", "invalid_token":
		return true
	}

	return se.Status == http.StatusBadRequest ||
		se.Status == http.StatusUnauthorized ||
		se.Status == http.StatusForbidden
}
