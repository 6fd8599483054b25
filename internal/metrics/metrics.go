// Package metrics exposes Prometheus counters for the governance engine.
//
// Every Observe method is safe on a nil *Recorder so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the engine's collectors.
type Recorder struct {
	writes        *prometheus.CounterVec
	writeAttempts prometheus.Histogram
	locks         *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	auditAppends  prometheus.Counter
	auditLatency  prometheus.Histogram
	sweeps        *prometheus.CounterVec
	devices       *prometheus.CounterVec
}

// NewRecorder registers the engine's metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_writes_total",
			Help: "Versioned writes by collection and outcome",
		}, []string{"collection", "outcome"}),
		writeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdsno_write_attempts",
			Help:    "Attempts taken per coordinated write",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_lock_operations_total",
			Help: "Lock operations by type and result",
		}, []string{"lock_type", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_token_verifications_total",
			Help: "Execution token verdicts",
		}, []string{"verdict"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_state_transitions_total",
			Help: "Configuration record state transitions",
		}, []string{"from", "to"}),
		auditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdsno_audit_events_total",
			Help: "Audit events appended",
		}),
		auditLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdsno_audit_append_seconds",
			Help:    "Latency of audit appends",
			Buckets: prometheus.DefBuckets,
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_lock_sweep_rows_total",
			Help: "Lock rows touched by the housekeeping sweep",
		}, []string{"action"}),
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdsno_device_observations_total",
			Help: "Discovery deltas by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.writes, r.writeAttempts, r.locks, r.tokens, r.transitions,
		r.auditAppends, r.auditLatency, r.sweeps, r.devices,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveWrite records the outcome of a coordinated write.
func (r *Recorder) ObserveWrite(collection, outcome string, attempts int) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(collection, outcome).Inc()
	r.writeAttempts.Observe(float64(attempts))
}

// ObserveLock records a lock acquire or release result.
func (r *Recorder) ObserveLock(lockType, result string) {
	if r == nil {
		return
	}
	r.locks.WithLabelValues(lockType, result).Inc()
}

// ObserveVerdict records a token verification verdict.
func (r *Recorder) ObserveVerdict(verdict string) {
	if r == nil {
		return
	}
	r.tokens.WithLabelValues(verdict).Inc()
}

// ObserveTransition records a state machine transition.
func (r *Recorder) ObserveTransition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// ObserveAudit records an audit append and its latency.
func (r *Recorder) ObserveAudit(d time.Duration) {
	if r == nil {
		return
	}
	r.auditAppends.Inc()
	r.auditLatency.Observe(d.Seconds())
}

// ObserveSweep records rows expired or purged by the lock sweeper.
func (r *Recorder) ObserveSweep(action string, rows int64) {
	if r == nil || rows <= 0 {
		return
	}
	r.sweeps.WithLabelValues(action).Add(float64(rows))
}

// ObserveDevice records how a discovery delta was applied.
func (r *Recorder) ObserveDevice(result string) {
	if r == nil {
		return
	}
	r.devices.WithLabelValues(result).Inc()
}
