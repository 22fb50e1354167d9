// Package gateway wraps every outgoing API call. It attaches the stored
// access token, and when the backend answers 401 it refreshes the token
// once (shared by every request that failed in the meantime), replays
// the call once, and hands off to forced logout when recovery fails.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/models"
	"github.com/alexjbarnes/portal-session/internal/token"
)

const (
	// defaultRefreshTimeout bounds a single refresh exchange. The
	// exchange is shared, so it runs detached from any one caller's
	// cancellation and needs its own deadline.
	defaultRefreshTimeout = 15 * time.Second

	// maxDrainBytes is how much of a discarded 401 body is read before
	// closing so the connection can be reused.
	maxDrainBytes = 4096

	// RequestIDHeader is stamped on every call that does not carry one.
	RequestIDHeader = "X-Request-ID"
)

// Logout reasons passed to the auth-expired hook.
const (
	ReasonRefreshFailed      = "refresh_failed"
	ReasonMalformedToken     = "malformed_token"
	ReasonRefreshConflict    = "refresh_conflict"
	ReasonReplayUnauthorized = "replay_unauthorized"
)

// Store is the subset of the credential store the gateway needs.
type Store interface {
	Get() (models.Session, error)
	ReplaceIf(refreshToken string, next models.Session) (bool, error)
}

// Refresher performs the backend refresh exchange.
type Refresher interface {
	Refresh(ctx context.Context, pair models.TokenPair) (models.TokenPair, error)
}

// Config holds the gateway's collaborators.
type Config struct {
	Store     Store
	Refresher Refresher

	// Transport sends the actual requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// OnAuthExpired is called once per failed recovery with the refresh
	// token of the session that could not be recovered. The session
	// should only be ended if the store still holds that token; a newer
	// login must survive a late failure from the one before it.
	OnAuthExpired func(reason, refreshToken string)

	RefreshTimeout time.Duration
	Metrics        metrics.Recorder
	Logger         *slog.Logger
}

// Gateway is an http.RoundTripper that manages bearer credentials.
type Gateway struct {
	store          Store
	refresher      Refresher
	transport      http.RoundTripper
	onAuthExpired  func(reason, refreshToken string)
	refreshTimeout time.Duration
	metrics        metrics.Recorder
	logger         *slog.Logger

	// flight holds at most one refresh exchange per refresh token.
	flight singleflight.Group
}

// New creates a Gateway from cfg.
func New(cfg Config) *Gateway {
	g := &Gateway{
		store:          cfg.Store,
		refresher:      cfg.Refresher,
		transport:      cfg.Transport,
		onAuthExpired:  cfg.OnAuthExpired,
		refreshTimeout: cfg.RefreshTimeout,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}

	if g.transport == nil {
		g.transport = http.DefaultTransport
	}

	if g.refreshTimeout <= 0 {
		g.refreshTimeout = defaultRefreshTimeout
	}

	if g.metrics == nil {
		g.metrics = metrics.Nop{}
	}

	if g.logger == nil {
		g.logger = slog.Default()
	}

	return g
}

// Client returns an http.Client whose requests all go through the gateway.
func (g *Gateway) Client() *http.Client {
	return &http.Client{Transport: g}
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	return g.Send(req)
}

// Send dispatches req with the current access token. On a 401 it
// recovers through a shared refresh and replays the request exactly
// once. Errors that are not about authorization are returned as-is;
// transport failures are wrapped in *errors.NetworkFailure. The caller
// owns the returned response body.
func (g *Gateway) Send(req *http.Request) (*http.Response, error) {
	base, err := prepare(req)
	if err != nil {
		return nil, err
	}

	sent, err := g.store.Get()
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	resp, err := g.attempt(base, sent.AccessToken, false)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	drain(resp)

	next, err := g.reauthorize(req.Context(), sent)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}

	g.metrics.RecordReplay()
	g.logger.Debug("replaying request with refreshed token",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("request_id", base.Header.Get(RequestIDHeader)),
	)

	resp, err = g.attempt(base, next.AccessToken, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		g.logger.Warn("request unauthorized after refresh",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		g.expire(ReasonReplayUnauthorized, next.RefreshToken)

		return nil, fmt.Errorf("%s %s: %w: unauthorized after refresh", req.Method, req.URL.Redacted(), sessionerr.ErrAuthExpired)
	}

	return resp, nil
}

// Refresh runs (or joins) the shared refresh exchange for the current
// session. Used when the user asks to stay logged in.
func (g *Gateway) Refresh(ctx context.Context) error {
	cur, err := g.store.Get()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if cur.Empty() || cur.RefreshToken == "" {
		return fmt.Errorf("no session to refresh: %w", sessionerr.ErrAuthExpired)
	}

	_, err = g.join(ctx, cur)

	return err
}

// reauthorize returns the session to replay with after sent was rejected.
func (g *Gateway) reauthorize(ctx context.Context, sent models.Session) (models.Session, error) {
	if sent.Empty() || sent.RefreshToken == "" {
		// Nothing to refresh and no session to end.
		return models.Session{}, fmt.Errorf("unauthenticated request rejected: %w", sessionerr.ErrAuthExpired)
	}

	cur, err := g.store.Get()
	if err != nil {
		return models.Session{}, fmt.Errorf("reading session: %w", err)
	}

	if cur.Empty() {
		return models.Session{}, fmt.Errorf("session ended while request was in flight: %w", sessionerr.ErrAuthExpired)
	}

	// Another caller already refreshed after this request was sent.
	if cur.AccessToken != sent.AccessToken {
		return cur, nil
	}

	return g.join(ctx, cur)
}

// join waits for the refresh exchange keyed on cur's refresh token,
// starting it if none is running. A caller whose ctx ends stops waiting
// but the exchange itself carries on for the others.
func (g *Gateway) join(ctx context.Context, cur models.Session) (models.Session, error) {
	ch := g.flight.DoChan(cur.RefreshToken, func() (any, error) {
		return g.exchange(ctx, cur)
	})

	select {
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Session{}, res.Err
		}

		return res.Val.(models.Session), nil
	}
}

// exchange performs one refresh and commits it. It runs at most once
// per refresh token at a time, so the logout hook fires once per
// failed exchange no matter how many requests are waiting on it.
func (g *Gateway) exchange(ctx context.Context, cur models.Session) (models.Session, error) {
	// cur may have been read just before an earlier exchange for the
	// same token committed and left the group. Presenting the spent
	// token again would be rejected and end a healthy session.
	latest, err := g.store.Get()
	if err != nil {
		return models.Session{}, fmt.Errorf("reading session: %w", err)
	}

	if latest.Empty() {
		return models.Session{}, fmt.Errorf("session ended before refresh: %w", sessionerr.ErrAuthExpired)
	}

	if latest.RefreshToken != cur.RefreshToken {
		g.logger.Debug("session already refreshed, skipping exchange")
		return latest, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refreshTimeout)
	defer cancel()

	start := time.Now()

	pair, err := g.refresher.Refresh(ctx, models.TokenPair{
		AccessToken:  cur.AccessToken,
		RefreshToken: cur.RefreshToken,
	})
	if err != nil {
		outcome := metrics.RefreshError
		if errors.Is(err, sessionerr.ErrRefreshRejected) {
			outcome = metrics.RefreshRejected
		}

		g.metrics.RecordRefresh(outcome, time.Since(start))
		g.logger.Warn("token refresh failed",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		g.expire(ReasonRefreshFailed, cur.RefreshToken)

		return models.Session{}, fmt.Errorf("%w: %w", sessionerr.ErrAuthExpired, err)
	}

	exp, err := token.Expiry(pair.AccessToken)
	if err != nil {
		g.metrics.RecordRefresh(metrics.RefreshError, time.Since(start))
		g.logger.Warn("refreshed token has no usable expiry", slog.String("error", err.Error()))
		g.expire(ReasonMalformedToken, cur.RefreshToken)

		return models.Session{}, fmt.Errorf("%w: %w", sessionerr.ErrAuthExpired, err)
	}

	next := cur
	next.AccessToken = pair.AccessToken
	next.RefreshToken = pair.RefreshToken
	next.ExpiresAt = exp

	swapped, err := g.store.ReplaceIf(cur.RefreshToken, next)
	if err != nil {
		g.metrics.RecordRefresh(metrics.RefreshError, time.Since(start))
		g.logger.Error("storing refreshed session", slog.String("error", err.Error()))
		g.expire(ReasonRefreshFailed, cur.RefreshToken)

		return models.Session{}, fmt.Errorf("%w: storing refreshed session: %w", sessionerr.ErrAuthExpired, err)
	}

	if !swapped {
		g.metrics.RecordRefresh(metrics.RefreshError, time.Since(start))

		latest, _ = g.store.Get()
		if latest.Empty() {
			// Logged out while the exchange was running; nothing left to end.
			return models.Session{}, fmt.Errorf("session ended during refresh: %w", sessionerr.ErrAuthExpired)
		}

		g.metrics.RecordRefreshConflict()
		g.logger.Error("refresh conflict: session record changed while exchange was in flight",
			slog.String("username", cur.Username),
		)
		g.expire(ReasonRefreshConflict, cur.RefreshToken)

		return models.Session{}, fmt.Errorf("%w: %w", sessionerr.ErrAuthExpired, sessionerr.ErrRefreshConflict)
	}

	g.metrics.RecordRefresh(metrics.RefreshSuccess, time.Since(start))
	g.logger.Info("token refreshed", slog.Time("expires_at", exp))

	return next, nil
}

func (g *Gateway) expire(reason, refreshToken string) {
	if g.onAuthExpired != nil {
		g.onAuthExpired(reason, refreshToken)
	}
}

// attempt sends one copy of base carrying accessToken.
func (g *Gateway) attempt(base *http.Request, accessToken string, replay bool) (*http.Response, error) {
	out := base.Clone(base.Context())

	if replay && base.GetBody != nil {
		body, err := base.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}

		out.Body = body
	}

	if accessToken != "" {
		out.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := g.transport.RoundTrip(out)
	if err != nil {
		return nil, &sessionerr.NetworkFailure{Err: fmt.Errorf("%s %s: %w", base.Method, base.URL.Redacted(), err)}
	}

	return resp, nil
}

// prepare clones req and makes its body replayable, buffering it when
// the caller did not provide GetBody.
func prepare(req *http.Request) (*http.Request, error) {
	base := req.Clone(req.Context())
	if base.Header == nil {
		base.Header = make(http.Header)
	}

	if base.Body != nil && base.Body != http.NoBody && base.GetBody == nil {
		data, err := io.ReadAll(base.Body)
		base.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}

		base.Body = io.NopCloser(bytes.NewReader(data))
		base.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	if base.Header.Get(RequestIDHeader) == "" {
		base.Header.Set(RequestIDHeader, uuid.NewString())
	}

	return base, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()
}
