// Package monitor implements the idle session monitor: a timer-driven
// state machine that warns before the stored access token expires and
// ends the session if nobody responds.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/models"
)

// DefaultLead is how long before expiry the warning starts.
const DefaultLead = 60 * time.Second

// ErrExpired is returned by StayLoggedIn when the session expired while
// the refresh was in flight, or had already expired.
var ErrExpired = errors.New("session expired")

// Phase is the monitor's coarse state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWarning
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarning:
		return "warning"
	case PhaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot handed to subscribers.
type State struct {
	Phase Phase

	// SecondsRemaining is only meaningful in PhaseWarning.
	SecondsRemaining int

	// WakeAt is when the next transition is scheduled. Zero once expired.
	WakeAt time.Time
}

func (s State) same(o State) bool {
	return s.Phase == o.Phase && s.SecondsRemaining == o.SecondsRemaining && s.WakeAt.Equal(o.WakeAt)
}

func (s State) String() string {
	if s.Phase == PhaseWarning {
		return fmt.Sprintf("warning(%d)", s.SecondsRemaining)
	}

	return s.Phase.String()
}

// Store is the read side of the credential store.
type Store interface {
	Get() (models.Session, error)
}

// Refresher extends the session. The gateway implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config holds the monitor's collaborators.
type Config struct {
	Store     Store
	Refresher Refresher

	// Lead defaults to DefaultLead.
	Lead time.Duration

	// OnLogout is called exactly once, when the monitor enters PhaseExpired.
	OnLogout func()

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Monitor watches one session. Create a new Monitor per login.
type Monitor struct {
	store     Store
	refresher Refresher
	lead      time.Duration
	onLogout  func()
	metrics   metrics.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	stopped bool

	// gen is bumped whenever the timer is replaced or cancelled. A timer
	// callback whose captured gen no longer matches does nothing.
	gen   uint64
	timer *time.Timer

	subs []func(State)
}

// New creates a Monitor in PhaseIdle. Nothing is scheduled until Start.
func New(cfg Config) *Monitor {
	m := &Monitor{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		lead:      cfg.Lead,
		onLogout:  cfg.OnLogout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		state:     State{Phase: PhaseIdle},
	}

	if m.lead <= 0 {
		m.lead = DefaultLead
	}

	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}

	return m
}

// OnChange registers fn to receive every state transition. fn runs on
// the goroutine that caused the transition, never under the monitor's
// lock, so it may call back into the Monitor.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Start derives the initial state from the persisted expiry and
// schedules the next transition. An expiry already in the past goes
// straight to PhaseExpired. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}

	m.started = true
	changes, expired := m.evaluateLocked(time.Now())
	m.mu.Unlock()

	m.emit(changes, expired)
}

// Activity re-checks the schedule against the stored expiry. It does not
// extend the session; it only picks up an expiry that changed underneath
// the monitor, or a record that was cleared.
func (m *Monitor) Activity() {
	m.mu.Lock()
	if !m.runningLocked() {
		m.mu.Unlock()
		return
	}

	changes, expired := m.evaluateLocked(time.Now())
	m.mu.Unlock()

	m.emit(changes, expired)
}

// StayLoggedIn refreshes the session and reschedules against the new
// expiry. It returns ErrExpired if the monitor expired before the
// refresh committed.
func (m *Monitor) StayLoggedIn(ctx context.Context) error {
	m.mu.Lock()
	running := m.runningLocked()
	m.mu.Unlock()

	if !running {
		return ErrExpired
	}

	if err := m.refresher.Refresh(ctx); err != nil {
		m.logger.Warn("stay logged in: refresh failed", slog.String("error", err.Error()))
		return fmt.Errorf("staying logged in: %w", err)
	}

	m.mu.Lock()
	if !m.runningLocked() {
		m.mu.Unlock()
		return ErrExpired
	}

	// Retire the countdown before anything else can tick.
	m.cancelTimerLocked()
	changes, expired := m.evaluateLocked(time.Now())
	m.mu.Unlock()

	m.emit(changes, expired)

	if expired {
		return ErrExpired
	}

	return nil
}

// LogoutNow ends the session immediately.
func (m *Monitor) LogoutNow() {
	m.mu.Lock()
	if !m.runningLocked() {
		m.mu.Unlock()
		return
	}

	st := m.expireLocked()
	m.mu.Unlock()

	m.emit([]State{st}, true)
}

// Stop cancels the monitor without calling the logout hook.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cancelTimerLocked()
	m.mu.Unlock()
}

func (m *Monitor) runningLocked() bool {
	return m.started && !m.stopped && m.state.Phase != PhaseExpired
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.runningLocked() {
		m.mu.Unlock()
		return
	}

	changes, expired := m.evaluateLocked(time.Now())
	m.mu.Unlock()

	m.emit(changes, expired)
}

// evaluateLocked reads the store and moves to whatever state the stored
// expiry implies at now, arming the timer for the following transition.
// It reports the states entered and whether the monitor expired.
func (m *Monitor) evaluateLocked(now time.Time) ([]State, bool) {
	sess, err := m.store.Get()
	if err != nil {
		m.logger.Error("reading session", slog.String("error", err.Error()))
		sess = models.Session{}
	}

	if sess.Empty() {
		return []State{m.expireLocked()}, true
	}

	remaining := sess.ExpiresAt.Sub(now)

	if remaining <= 0 {
		var out []State

		// A running countdown always shows zero before expiring.
		if m.state.Phase == PhaseWarning && m.state.SecondsRemaining > 0 {
			if st, ok := m.setLocked(State{Phase: PhaseWarning}); ok {
				out = append(out, st)
			}
		}

		return append(out, m.expireLocked()), true
	}

	var next State

	if remaining > m.lead {
		next = State{Phase: PhaseIdle, WakeAt: sess.ExpiresAt.Add(-m.lead)}
	} else {
		secs := int((remaining + time.Second - 1) / time.Second)
		next = State{
			Phase:            PhaseWarning,
			SecondsRemaining: secs,
			WakeAt:           sess.ExpiresAt.Add(-time.Duration(secs-1) * time.Second),
		}
	}

	m.armLocked(next.WakeAt.Sub(now))

	if st, ok := m.setLocked(next); ok {
		return []State{st}, false
	}

	return nil, false
}

func (m *Monitor) setLocked(next State) (State, bool) {
	if m.state.same(next) {
		return next, false
	}

	if next.Phase != m.state.Phase {
		m.metrics.RecordPhase(next.Phase.String())
		m.logger.Debug("session monitor transition",
			slog.String("from", m.state.Phase.String()),
			slog.String("to", next.Phase.String()),
		)
	}

	m.state = next

	return next, true
}

func (m *Monitor) expireLocked() State {
	m.cancelTimerLocked()
	st, _ := m.setLocked(State{Phase: PhaseExpired})
	m.logger.Info("session expired")

	return st
}

func (m *Monitor) armLocked(d time.Duration) {
	m.cancelTimerLocked()

	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.tick(gen) })
}

func (m *Monitor) cancelTimerLocked() {
	m.gen++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// emit delivers changes to subscribers, calling the logout hook just
// before the expired state is published.
func (m *Monitor) emit(changes []State, expired bool) {
	if len(changes) == 0 && !expired {
		return
	}

	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, st := range changes {
		if st.Phase == PhaseExpired && expired {
			m.safely("logout hook", m.onLogout)
		}

		for _, fn := range subs {
			m.safely("subscriber", func() { fn(st) })
		}
	}
}

func (m *Monitor) safely(what string, fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session monitor callback panicked",
				slog.String("callback", what),
				slog.Any("panic", r),
			)
		}
	}()

	fn()
}
