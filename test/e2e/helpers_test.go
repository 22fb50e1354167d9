package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/portal-session/internal/backend"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/alexjbarnes/portal-session/internal/state"
)

const (
	testUsername = "testuser"
	testPassword = "testpass"
	tokenTTL     = time.Hour
)

// portal is a fake portal backend. Refresh tokens are single use: a
// second exchange of the same token is counted as reuse and rejected,
// which is what breaks clients that refresh once per failing request.
type portal struct {
	mu      sync.Mutex
	access  map[string]bool
	refresh map[string]bool // token -> already used

	refreshCalls atomic.Int32
	reuse        atomic.Int32
	logouts      atomic.Int32
	reportHits   atomic.Int32

	// refreshDelay holds refresh responses so concurrent failures pile up.
	refreshDelay atomic.Int64
}

func newPortal() *portal {
	return &portal{access: map[string]bool{}, refresh: map[string]bool{}}
}

func (p *portal) issue() (string, string, error) {
	access, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": testUsername,
		"jti": uuid.NewString(),
		"exp": time.Now().Add(tokenTTL).Unix(),
	}).SignedString([]byte("portal"))
	if err != nil {
		return "", "", err
	}

	refresh := uuid.NewString()

	p.mu.Lock()
	p.access[access] = true
	p.refresh[refresh] = false
	p.mu.Unlock()

	return access, refresh, nil
}

// expireAccessTokens makes every outstanding access token invalid, as if
// they had all reached their expiry on the server side.
func (p *portal) expireAccessTokens() {
	p.mu.Lock()
	p.access = map[string]bool{}
	p.mu.Unlock()
}

// revokeRefreshTokens marks every refresh token as used.
func (p *portal) revokeRefreshTokens() {
	p.mu.Lock()
	for k := range p.refresh {
		p.refresh[k] = true
	}
	p.mu.Unlock()
}

func (p *portal) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Username, Password string }
		json.NewDecoder(r.Body).Decode(&req)

		if req.Username != testUsername || req.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		access, refresh, err := p.issue()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]string{
			"token":        access,
			"refreshToken": refresh,
			"username":     testUsername,
			"displayName":  "Test User",
		})
	})

	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		p.refreshCalls.Add(1)

		var req struct {
			Token        string `json:"token"`
			RefreshToken string `json:"refreshToken"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if d := time.Duration(p.refreshDelay.Load()); d > 0 {
			time.Sleep(d)
		}

		p.mu.Lock()
		used, known := p.refresh[req.RefreshToken]
		if known && !used {
			p.refresh[req.RefreshToken] = true
		}
		p.mu.Unlock()

		if !known || used {
			if used {
				p.reuse.Add(1)
			}
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"error": "invalid_grant", "message": "refresh token already used"})
			return
		}

		access, refresh, err := p.issue()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]string{"token": access, "refreshToken": refresh})
	})

	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		p.logouts.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /api/reports", func(w http.ResponseWriter, r *http.Request) {
		p.reportHits.Add(1)

		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		p.mu.Lock()
		ok := p.access[tok]
		p.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		writeJSON(w, []map[string]string{{"id": "r-1", "name": "Monthly sales"}})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e stack: a fake portal over HTTP, a bbolt
// session store on disk, and a session manager wired to both.
type harness struct {
	Portal    *portal
	URL       string
	StatePath string
	Store     *state.State
	Manager   *session.Manager

	closeCurrent func()

	expiredMu sync.Mutex
	expired   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	p := newPortal()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	h := &harness{
		Portal:    p,
		URL:       srv.URL,
		StatePath: filepath.Join(t.TempDir(), "state.db"),
	}
	h.open(t)

	return h
}

// open (re)creates the store and manager, as a process start would.
func (h *harness) open(t *testing.T) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := state.LoadAt(h.StatePath, logger)
	require.NoError(t, err)

	h.Store = store
	h.Manager = session.New(session.Config{
		Store:          store,
		Backend:        backend.NewClient(h.URL, nil),
		WarningLead:    time.Minute,
		RefreshTimeout: 5 * time.Second,
		Logger:         logger,
	})
	h.Manager.OnSessionExpired(func(reason string) {
		h.expiredMu.Lock()
		h.expired = append(h.expired, reason)
		h.expiredMu.Unlock()
	})

	mgr := h.Manager
	h.closeCurrent = sync.OnceFunc(func() {
		mgr.Close()
		store.Close()
	})
	t.Cleanup(h.closeCurrent)
}

// restart closes the store and manager and opens new ones over the
// same database file.
func (h *harness) restart(t *testing.T) {
	t.Helper()

	h.closeCurrent()
	h.open(t)
}

func (h *harness) expiredReasons() []string {
	h.expiredMu.Lock()
	defer h.expiredMu.Unlock()
	return append([]string(nil), h.expired...)
}

func (h *harness) login(t *testing.T) {
	t.Helper()

	res, err := h.Manager.Login(t.Context(), testUsername, testPassword)
	require.NoError(t, err)
	require.True(t, res.Authenticated())
}

func (h *harness) getReports(t *testing.T) (*http.Response, error) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+"/api/reports", nil)
	require.NoError(t, err)

	return h.Manager.Gateway().Client().Do(req)
}
