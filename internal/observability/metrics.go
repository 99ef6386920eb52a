// Package observability wires Prometheus metrics for the runtime, mirroring
// the teacher's internal/observability/metrics.go promauto-constructor
// pattern (one NewMetrics() building labeled Counter/Histogram/Gauge
// vectors) but tracking reservation/reconcile/admission/dispatch concerns
// instead of messaging-channel throughput.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, histogram, and gauge the runtime records.
type Metrics struct {
	ReservationsTotal   *prometheus.CounterVec
	ReservationsRejected *prometheus.CounterVec
	ReconcilesTotal     *prometheus.CounterVec
	ReleasesTotal       prometheus.Counter

	AdmissionRejections *prometheus.CounterVec

	ActiveSessions *prometheus.GaugeVec

	DispatchOpDuration *prometheus.HistogramVec

	TunnelAuthFailures *prometheus.CounterVec
	TunnelChallengesIssued prometheus.Counter
}

// NewMetrics registers every metric against reg and returns the bound
// Metrics struct. Callers typically pass prometheus.NewRegistry() so tests
// never collide with the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "csr_budget_reservations_total",
			Help: "Total budget reservations attempted, by window.",
		}, []string{"window"}),

		ReservationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "csr_budget_reservations_rejected_total",
			Help: "Total budget reservations rejected for exceeding a window cap.",
		}, []string{"window"}),

		ReconcilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "csr_budget_reconciles_total",
			Help: "Total reservation reconciliations, by terminal outcome.",
		}, []string{"outcome"}),

		ReleasesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "csr_budget_releases_total",
			Help: "Total reservations released without a matching reconcile.",
		}),

		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "csr_policy_admission_rejections_total",
			Help: "Total new-session submissions rejected by the PolicyEngine, by error kind.",
		}, []string{"kind"}),

		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "csr_sessions_active",
			Help: "Current session count by provider and state.",
		}, []string{"provider", "state"}),

		DispatchOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csr_dispatch_op_duration_seconds",
			Help:    "Dispatcher operation latency by virtual path and verb.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "verb"}),

		TunnelAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "csr_tunnel_auth_failures_total",
			Help: "Tunnel challenge-response verification failures, by sub-reason.",
		}, []string{"reason"}),

		TunnelChallengesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "csr_tunnel_challenges_issued_total",
			Help: "Total tunnel challenges issued, including rotations.",
		}),
	}
}

// ObserveDispatch is a small helper for wrapping a dispatcher call with a
// duration observation, matching the teacher's RecordHTTPRequest style
// helper methods rather than inlining prometheus.NewTimer at call sites.
func (m *Metrics) ObserveDispatch(path, verb string, seconds float64) {
	m.DispatchOpDuration.WithLabelValues(path, verb).Observe(seconds)
}
