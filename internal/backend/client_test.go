package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionerr "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/models"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, srv.Client())
}

func jwtExpiring(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"exp": exp.Unix()}).
		SignedString([]byte("test"))
	require.NoError(t, err)
	return tok
}

// --- post() internals ---

func TestPost_SetsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/test", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"username":"u","password":"p"}`, string(body))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.post(context.Background(), "/test", loginRequest{Username: "u", Password: "p"}, nil))
}

func TestPost_StatusErrorParsesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","message":"refresh token used"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).post(context.Background(), "/x", struct{}{}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "invalid_grant", se.Code)
	assert.Equal(t, "refresh token used", se.Message)
}

func TestPost_StatusErrorSanitizesPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad\x00gateway" + strings.Repeat("x", 400)))
	}))
	defer srv.Close()

	err := newTestClient(srv).post(context.Background(), "/x", struct{}{}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.True(t, strings.HasPrefix(se.Message, "bad?gateway"))
	assert.LessOrEqual(t, len(se.Message), 256)
}

func TestPost_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	err := c.post(context.Background(), "/x", struct{}{}, nil)
	assert.True(t, sessionerr.IsNetworkFailure(err))
}

func TestPost_RequestConstructionError(t *testing.T) {
	c := NewClient("http://bad host", nil)

	err := c.post(context.Background(), "/x", struct{}{}, nil)
	assert.ErrorIs(t, err, sessionerr.ErrAPIRequest)
	assert.False(t, sessionerr.IsNetworkFailure(err), "nothing was sent")

	err = c.post(context.Background(), "/x", make(chan int), nil)
	assert.ErrorIs(t, err, sessionerr.ErrAPIRequest)
}

func TestPost_InvalidJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{broken`))
	}))
	defer srv.Close()

	var out loginResponse
	err := newTestClient(srv).post(context.Background(), "/x", struct{}{}, &out)
	assert.ErrorIs(t, err, sessionerr.ErrAPIResponse)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "hello", sanitizeResponseBody([]byte("hello")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}

// --- Login ---

func TestLogin_Authenticated(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	access := jwtExpiring(t, exp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, loginEndpoint, r.URL.Path)
		json.NewEncoder(w).Encode(loginResponse{
			Token:        access,
			RefreshToken: "r1",
			Username:     "alice",
			DisplayName:  "Alice",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	require.True(t, res.Authenticated())
	assert.Equal(t, access, res.Session.AccessToken)
	assert.Equal(t, "r1", res.Session.RefreshToken)
	assert.True(t, exp.Equal(res.Session.ExpiresAt))
	assert.Equal(t, "alice", res.Session.Username)
	assert.Equal(t, "Alice", res.Session.DisplayName)
}

func TestLogin_UnauthorizedIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Login(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, models.LoginRejected, res.Status)
}

func TestLogin_EmptyTokenIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"","refreshToken":"","username":""}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).Login(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, res.Authenticated())
}

func TestLogin_MalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"opaque","refreshToken":"r"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, sessionerr.ErrMalformedToken)
}

func TestLogin_ServerErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Login(context.Background(), "alice", "pw")
	var se *StatusError
	assert.ErrorAs(t, err, &se)
}

// --- Refresh ---

func TestRefresh_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a1", req.Token)
		assert.Equal(t, "r1", req.RefreshToken)
		w.Write([]byte(`{"token":"a2","refreshToken":"r2"}`))
	}))
	defer srv.Close()

	pair, err := newTestClient(srv).Refresh(context.Background(), models.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, pair)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"a2"}`))
	}))
	defer srv.Close()

	pair, err := newTestClient(srv).Refresh(context.Background(), models.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", pair.RefreshToken)
}

func TestRefresh_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, ``},
		{"bad request", http.StatusBadRequest, `{"error":"invalid_request"}`},
		{"invalid_grant on 500", http.StatusInternalServerError, `{"error":"invalid_grant"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv).Refresh(context.Background(), models.TokenPair{RefreshToken: "r1"})
			assert.ErrorIs(t, err, sessionerr.ErrRefreshRejected)
		})
	}
}

func TestRefresh_ServerErrorNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Refresh(context.Background(), models.TokenPair{RefreshToken: "r1"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, sessionerr.ErrRefreshRejected))
}

// --- Logout ---

func TestLogout_SendsRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, logoutEndpoint, r.URL.Path)
		var req logoutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r1", req.RefreshToken)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).Logout(context.Background(), "r1"))
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	c := NewClient("https://portal.example.com/", nil)
	assert.Equal(t, "https://portal.example.com", c.baseURL)
	assert.NotNil(t, c.httpClient.CheckRedirect)
}

func TestDefaultHTTPClient(t *testing.T) {
	c := DefaultHTTPClient(7 * time.Second)
	assert.Equal(t, 7*time.Second, c.Timeout)
	assert.NotNil(t, c.CheckRedirect)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodPost, "https://portal.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodPost, "https://portal.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodPost, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))
}
