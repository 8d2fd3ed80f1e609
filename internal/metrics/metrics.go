package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Rewire service.
type Metrics struct {
	// Ingress metrics
	ObservationsRecorded *prometheus.CounterVec

	// Violation metrics
	ViolationsOpened *prometheus.CounterVec
	ViolationsClosed *prometheus.CounterVec

	// Alert-path trial metrics
	TrialsSent    prometheus.Counter
	TrialsAcked   prometheus.Counter
	TrialsExpired prometheus.Counter

	// Checker metrics
	CheckerTicks        prometheus.Counter
	CheckerTickDuration prometheus.Histogram
	CheckerErrors       prometheus.Counter

	// Notifier metrics
	WebhookDeliveries *prometheus.CounterVec
	EmailsSent        *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer. Tests pass a fresh
// registry so repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewire_observations_recorded_total",
				Help: "Observations recorded through the ingress, by kind",
			},
			[]string{"kind"},
		),

		ViolationsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewire_violations_opened_total",
				Help: "Violations opened by the checker, by code",
			},
			[]string{"code"},
		),

		ViolationsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewire_violations_closed_total",
				Help: "Violations closed by the checker, by code",
			},
			[]string{"code"},
		),

		TrialsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewire_trials_sent_total",
			Help: "Synthetic alert-path tests sent",
		}),

		TrialsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewire_trials_acked_total",
			Help: "Alert-path trials acknowledged through the ack endpoint",
		}),

		TrialsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewire_trials_expired_total",
			Help: "Alert-path trials expired without acknowledgement",
		}),

		CheckerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewire_checker_ticks_total",
			Help: "Completed checker ticks",
		}),

		CheckerTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rewire_checker_tick_duration_seconds",
			Help:    "Wall time of a full checker tick",
			Buckets: prometheus.DefBuckets,
		}),

		CheckerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewire_checker_errors_total",
			Help: "Per-expectation evaluation errors swallowed by the checker",
		}),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewire_webhook_deliveries_total",
				Help: "Webhook delivery attempts, by target kind and outcome",
			},
			[]string{"target", "outcome"}, // outcome: ok, error
		),

		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewire_emails_sent_total",
				Help: "Outbound emails, by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error, devlog
		),
	}
}
