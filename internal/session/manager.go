// Package session composes the credential store, gateway, and idle
// monitor into the surface the rest of the application uses: log in,
// resume after a restart, stay logged in, and log out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/portal-session/internal/backend"
	"github.com/alexjbarnes/portal-session/internal/gateway"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/models"
	"github.com/alexjbarnes/portal-session/internal/monitor"
)

// Logout reasons reported to OnSessionExpired callbacks, in addition to
// the gateway's own reasons.
const (
	ReasonIdleTimeout = "idle_timeout"
	ReasonUserLogout  = "user_logout"
)

// defaultLogoutTimeout bounds the best-effort backend logout notification.
const defaultLogoutTimeout = 5 * time.Second

// ErrNoSession is returned when an operation needs a session and none is stored.
var ErrNoSession = errors.New("no session")

// Store is the credential store contract.
type Store interface {
	Get() (models.Session, error)
	Set(sess models.Session) error
	ReplaceIf(refreshToken string, next models.Session) (bool, error)
	Clear() error
}

// Config holds the manager's collaborators and tunables.
type Config struct {
	Store   Store
	Backend backend.Exchanger

	// Transport carries gateway requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	WarningLead    time.Duration
	RefreshTimeout time.Duration
	LogoutTimeout  time.Duration

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Manager owns the lifecycle of one user's session.
type Manager struct {
	store         Store
	backend       backend.Exchanger
	gw            *gateway.Gateway
	lead          time.Duration
	logoutTimeout time.Duration
	metrics       metrics.Recorder
	logger        *slog.Logger

	mu        sync.Mutex
	active    bool
	mon       *monitor.Monitor
	onExpired []func(reason string)
	onState   []func(monitor.State)

	// notifications tracks in-flight backend logout calls.
	notifications sync.WaitGroup
}

// New creates a Manager. A session already in the store counts as
// active so that a forced logout before Resume still clears it.
func New(cfg Config) *Manager {
	m := &Manager{
		store:         cfg.Store,
		backend:       cfg.Backend,
		lead:          cfg.WarningLead,
		logoutTimeout: cfg.LogoutTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}

	if m.logoutTimeout <= 0 {
		m.logoutTimeout = defaultLogoutTimeout
	}

	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	m.gw = gateway.New(gateway.Config{
		Store:          cfg.Store,
		Refresher:      cfg.Backend,
		Transport:      cfg.Transport,
		OnAuthExpired:  m.authExpired,
		RefreshTimeout: cfg.RefreshTimeout,
		Metrics:        m.metrics,
		Logger:         m.logger.With(slog.String("component", "gateway")),
	})

	if sess, err := cfg.Store.Get(); err == nil && !sess.Empty() {
		m.active = true
	}

	return m
}

// Gateway returns the HTTP gateway bound to this session.
func (m *Manager) Gateway() *gateway.Gateway {
	return m.gw
}

// Monitor returns the current idle monitor, or nil when logged out.
func (m *Manager) Monitor() *monitor.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mon
}

// Login exchanges credentials for a session. Rejected credentials come
// back as a LoginRejected result with a nil error.
func (m *Manager) Login(ctx context.Context, username, password string) (models.LoginResult, error) {
	res, err := m.backend.Login(ctx, username, password)
	if err != nil {
		return models.LoginResult{}, err
	}

	if !res.Authenticated() {
		m.logger.Info("login rejected", slog.String("username", username))
		return res, nil
	}

	m.mu.Lock()
	err = m.store.Set(res.Session)
	m.mu.Unlock()

	if err != nil {
		return models.LoginResult{}, fmt.Errorf("storing session: %w", err)
	}

	m.logger.Info("logged in",
		slog.String("username", res.Session.Username),
		slog.Time("expires_at", res.Session.ExpiresAt),
	)

	m.startMonitor()

	return res, nil
}

// Resume starts monitoring the persisted session after a restart. A
// session that has already expired is logged out immediately.
func (m *Manager) Resume() error {
	sess, err := m.store.Get()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if sess.Empty() {
		return ErrNoSession
	}

	m.startMonitor()

	if !m.IsAuthenticated() {
		return fmt.Errorf("resuming session: %w", ErrNoSession)
	}

	return nil
}

// IsAuthenticated reports whether a stored session exists and has not expired.
func (m *Manager) IsAuthenticated() bool {
	sess, err := m.store.Get()
	if err != nil {
		return false
	}

	return sess.Valid(time.Now())
}

// OnSessionExpired registers fn to run once per ended session.
func (m *Manager) OnSessionExpired(fn func(reason string)) {
	m.mu.Lock()
	m.onExpired = append(m.onExpired, fn)
	m.mu.Unlock()
}

// OnStateChange registers fn to receive idle monitor transitions for
// this and every later session.
func (m *Manager) OnStateChange(fn func(monitor.State)) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

// RequestStayLoggedIn refreshes the session in response to the user
// confirming presence.
func (m *Manager) RequestStayLoggedIn(ctx context.Context) error {
	mon := m.Monitor()
	if mon == nil {
		return ErrNoSession
	}

	return mon.StayLoggedIn(ctx)
}

// Logout ends the session at the user's request.
func (m *Manager) Logout() {
	m.ForceLogout(ReasonUserLogout)
}

// ForceLogout ends the current session. Only the first call per session
// does anything; later calls return immediately.
func (m *Manager) ForceLogout(reason string) {
	m.endSession(reason, nil, "")
}

// authExpired ends the session the gateway failed to recover, unless it
// has already been replaced by a newer login.
func (m *Manager) authExpired(reason, refreshToken string) {
	m.endSession(reason, nil, refreshToken)
}

// Close waits for pending backend logout notifications.
func (m *Manager) Close() {
	if mon := m.Monitor(); mon != nil {
		mon.Stop()
	}

	m.notifications.Wait()
}

// endSession clears the session. When from is non-nil the call only
// counts if from is still the current monitor, and when refreshToken is
// set it only counts if the store still holds that token, so neither a
// superseded monitor nor a late refresh failure can end a newer session.
func (m *Manager) endSession(reason string, from *monitor.Monitor, refreshToken string) {
	m.mu.Lock()
	if !m.active || (from != nil && m.mon != from) {
		m.mu.Unlock()
		return
	}

	sess, err := m.store.Get()
	if refreshToken != "" && err == nil && sess.RefreshToken != refreshToken {
		m.mu.Unlock()
		m.logger.Info("ignoring auth failure from a replaced session", slog.String("reason", reason))

		return
	}

	m.active = false
	mon := m.mon
	m.mon = nil
	callbacks := slices.Clone(m.onExpired)

	if err := m.store.Clear(); err != nil {
		m.logger.Error("clearing session", slog.String("error", err.Error()))
	}
	m.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}

	m.metrics.RecordForcedLogout(reason)
	m.logger.Info("session ended", slog.String("reason", reason))

	if sess.RefreshToken != "" {
		m.notifyBackend(sess.RefreshToken)
	}

	for _, fn := range callbacks {
		fn(reason)
	}
}

// notifyBackend tells the backend the refresh token is gone. It runs in
// the background and never delays the local logout.
func (m *Manager) notifyBackend(refreshToken string) {
	m.notifications.Add(1)

	go func() {
		defer m.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.logoutTimeout)
		defer cancel()

		if err := m.backend.Logout(ctx, refreshToken); err != nil {
			m.logger.Warn("backend logout notification failed", slog.String("error", err.Error()))
		}
	}()
}

// startMonitor replaces any running monitor with one for the stored session.
func (m *Manager) startMonitor() {
	var mon *monitor.Monitor

	mon = monitor.New(monitor.Config{
		Store:     m.store,
		Refresher: m.gw,
		Lead:      m.lead,
		OnLogout:  func() { m.endSession(ReasonIdleTimeout, mon, "") },
		Metrics:   m.metrics,
		Logger:    m.logger.With(slog.String("component", "monitor")),
	})
	mon.OnChange(m.publishState)

	m.mu.Lock()
	old := m.mon
	m.mon = mon
	m.active = true
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	mon.Start()
}

func (m *Manager) publishState(st monitor.State) {
	m.mu.Lock()
	subs := slices.Clone(m.onState)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
