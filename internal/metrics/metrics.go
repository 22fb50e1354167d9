// Package metrics exposes Prometheus counters for the session layer:
// gateway refreshes and replays, monitor transitions, forced logouts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the gateway, monitor, and manager report into.
type Recorder interface {
	RecordRefresh(outcome string, duration time.Duration)
	RecordRefreshConflict()
	RecordReplay()
	RecordPhase(phase string)
	RecordForcedLogout(reason string)
}

// Refresh outcomes.
const (
	RefreshSuccess  = "success"
	RefreshRejected = "rejected"
	RefreshError    = "error"
)

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	refreshes       *prometheus.CounterVec
	refreshLatency  prometheus.Histogram
	refreshConflict prometheus.Counter
	replays         prometheus.Counter
	phases          *prometheus.CounterVec
	forcedLogouts   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_session_refresh_total",
			Help: "Refresh exchanges by outcome.",
		}, []string{"outcome"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portal_session_refresh_duration_seconds",
			Help:    "Latency of refresh exchanges.",
			Buckets: prometheus.DefBuckets,
		}),
		refreshConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_session_refresh_conflicts_total",
			Help: "Refresh outcomes discarded because the session changed mid-flight.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_session_request_replays_total",
			Help: "Requests replayed once after an unauthorized response.",
		}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_session_monitor_transitions_total",
			Help: "Idle monitor phase transitions.",
		}, []string{"phase"}),
		forcedLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_session_forced_logouts_total",
			Help: "Forced logouts by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.refreshes,
		c.refreshLatency,
		c.refreshConflict,
		c.replays,
		c.phases,
		c.forcedLogouts,
	)

	return c
}

// RecordRefresh counts a settled refresh exchange.
func (c *Collector) RecordRefresh(outcome string, duration time.Duration) {
	c.refreshes.WithLabelValues(outcome).Inc()
	c.refreshLatency.Observe(duration.Seconds())
}

// RecordRefreshConflict counts a discarded refresh outcome.
func (c *Collector) RecordRefreshConflict() {
	c.refreshConflict.Inc()
}

// RecordReplay counts a request resent after refresh.
func (c *Collector) RecordReplay() {
	c.replays.Inc()
}

// RecordPhase counts a monitor transition into phase.
func (c *Collector) RecordPhase(phase string) {
	c.phases.WithLabelValues(phase).Inc()
}

// RecordForcedLogout counts a forced logout.
func (c *Collector) RecordForcedLogout(reason string) {
	c.forcedLogouts.WithLabelValues(reason).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRefresh(string, time.Duration) {}
func (Nop) RecordRefreshConflict()              {}
func (Nop) RecordReplay()                       {}
func (Nop) RecordPhase(string)                  {}
func (Nop) RecordForcedLogout(string)           {}

// Handler returns an HTTP handler exposing gatherer in the Prometheus
// text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
