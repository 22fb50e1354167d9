// Package server provides the HTTP server that exposes session metrics
// and health while portal-session is watching a session.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/models"
)

const shutdownTimeout = 10 * time.Second

// SessionReader is the read side of the credential store.
type SessionReader interface {
	Get() (models.Session, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gatherer prometheus.Gatherer
	Session  SessionReader
	Logger   *slog.Logger

	// RateLimit caps requests per second across both endpoints. Zero
	// disables the limit.
	RateLimit rate.Limit
	Burst     int
}

type healthResponse struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// NewMux builds the HTTP mux with the metrics and health endpoints.
// Health never exposes token material, only whether a session is live.
func NewMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Session, cfg.Logger))

	if cfg.RateLimit <= 0 {
		return mux
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return limit(rate.NewLimiter(cfg.RateLimit, burst), cfg.Logger, mux)
}

// limit rejects requests with 429 once limiter runs dry.
func limit(limiter *rate.Limiter, logger *slog.Logger, next http.Handler) http.Handler {
	retryAfter := int(math.Ceil(1.0 / float64(limiter.Limit())))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn("rate limit exceeded", slog.String("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "too many requests", http.StatusTooManyRequests)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func handleHealth(store SessionReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := store.Get()
		if err != nil {
			logger.Error("health: reading session", slog.String("error", err.Error()))
			http.Error(w, "state unavailable", http.StatusInternalServerError)

			return
		}

		var resp healthResponse
		if sess.Valid(time.Now()) {
			resp.Authenticated = true
			exp := sess.ExpiresAt.UTC()
			resp.ExpiresAt = &exp
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(resp)
	}
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting metrics server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}
