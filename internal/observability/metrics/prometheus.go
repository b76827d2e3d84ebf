// Package metrics provides Prometheus metrics for the forms service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	SearchesIssued        *prometheus.CounterVec
	SearchesStale         *prometheus.CounterVec
	SearchesFailed        *prometheus.CounterVec
	Submissions           *prometheus.CounterVec
	SubmissionDuration    *prometheus.HistogramVec
	ValidationFailures    *prometheus.CounterVec
	SessionsOpen          prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reference_searches_total",
			Help: "Reference searches sent to the remote API",
		}, []string{"category"}),
		SearchesStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reference_searches_stale_total",
			Help: "Search responses discarded because a newer query was issued",
		}, []string{"category"}),
		SearchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reference_searches_failed_total",
			Help: "Searches that degraded to an empty result",
		}, []string{"category"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "form_submissions_total",
			Help: "Form submissions by resource and outcome",
		}, []string{"resource", "outcome"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "form_submission_duration_seconds",
			Help:    "Remote submission duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"resource"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "form_validation_failures_total",
			Help: "Validation failures by field",
		}, []string{"field"}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "form_sessions_open",
			Help: "Currently open form sessions",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SearchesIssued,
		m.SearchesStale,
		m.SearchesFailed,
		m.Submissions,
		m.SubmissionDuration,
		m.ValidationFailures,
		m.SessionsOpen,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) SearchIssued(category string) {
	if m != nil {
		m.SearchesIssued.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) SearchStale(category string) {
	if m != nil {
		m.SearchesStale.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) SearchFailed(category string) {
	if m != nil {
		m.SearchesFailed.WithLabelValues(category).Inc()
	}
}

// Submission records one submission attempt that reached the remote API
func (m *Metrics) Submission(resource, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(resource, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

func (m *Metrics) ValidationFailed(field string) {
	if m != nil {
		m.ValidationFailures.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsOpen.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsOpen.Dec()
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler returns the Prometheus HTTP handler for gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
