package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values
const (
	OutcomeSuccess    = "success"
	OutcomeTransient  = "transient"
	OutcomePermission = "permission"
	OutcomeValidation = "validation"
	OutcomeNotFound   = "not_found"
	OutcomeError      = "error"
)

var (
	// Remote metrics
	RemoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_remote_requests_total",
			Help: "Total number of remote requests by resource, operation and outcome",
		},
		[]string{"resource", "op", "outcome"},
	)

	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coachsync_remote_request_duration_seconds",
			Help:    "Remote request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "op"},
	)

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coachsync_subscriptions_active",
			Help: "Number of live subscriptions by resource",
		},
		[]string{"resource"},
	)

	SubscriptionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_subscription_errors_total",
			Help: "Total number of subscriptions that failed to open or died while active",
		},
		[]string{"resource"},
	)

	ChangeEventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_change_events_delivered_total",
			Help: "Total number of change events handed to subscribers by resource and kind",
		},
		[]string{"resource", "kind"},
	)

	// Fallback metrics
	FallbackLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_fallback_loads_total",
			Help: "Total number of loads served from the local fallback store",
		},
		[]string{"resource"},
	)

	StagedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_staged_entries_total",
			Help: "Total number of mutations staged locally by resource and operation",
		},
		[]string{"resource", "op"},
	)

	PendingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coachsync_pending_entries",
			Help: "Number of entries waiting in the local fallback store by resource",
		},
		[]string{"resource"},
	)

	ReconciledEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_reconciled_entries_total",
			Help: "Total number of staged entries removed after remote confirmation",
		},
		[]string{"resource"},
	)

	ReplayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_replay_outcomes_total",
			Help: "Total number of replayed entries by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coachsync_replay_duration_seconds",
			Help:    "Time taken by one replay cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompositeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachsync_composite_failures_total",
			Help: "Total number of composite operations with at least one failed step",
		},
		[]string{"resource", "op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RemoteRequestsTotal)
	prometheus.MustRegister(RemoteRequestDuration)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(SubscriptionErrors)
	prometheus.MustRegister(ChangeEventsDelivered)
	prometheus.MustRegister(FallbackLoads)
	prometheus.MustRegister(StagedEntries)
	prometheus.MustRegister(PendingEntries)
	prometheus.MustRegister(ReconciledEntries)
	prometheus.MustRegister(ReplayOutcomes)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(CompositeFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
