// Package metrics exposes Prometheus instrumentation for the subscription engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	EventsReceived      *prometheus.CounterVec
	CandidatesScanned   prometheus.Histogram
	SubscriptionMatches prometheus.Histogram
	Deliveries          *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	AutoDisabled        prometheus.Counter
	Activations         *prometheus.CounterVec
}

// Get returns the process-wide metrics singleton.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// New registers a fresh set of collectors on reg. Tests use a private registry.
func New(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsub_resource_events_total",
			Help: "Resource change events received, by event type",
		}, []string{"event_type"}),
		CandidatesScanned: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhirsub_match_candidates",
			Help:    "Subscriptions returned by the coarse store query per event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SubscriptionMatches: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhirsub_match_results",
			Help:    "Subscriptions matching after criteria evaluation per event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsub_notifications_total",
			Help: "Notification delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirsub_notification_duration_seconds",
			Help:    "Notification delivery latency by channel",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		AutoDisabled: f.NewCounter(prometheus.CounterOpts{
			Name: "fhirsub_subscriptions_auto_disabled_total",
			Help: "Subscriptions moved to error after repeated delivery failures",
		}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsub_activations_total",
			Help: "Activation attempts by outcome",
		}, []string{"outcome"}),
	}
}
