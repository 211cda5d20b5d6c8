package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDryRun    = "dry_run"
)

// Metrics wraps Prometheus collectors for the notifier.
type Metrics struct {
	registry              *prometheus.Registry
	eventsTotal           *prometheus.CounterVec
	deliveriesTotal       *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	malformedEventsTotal  prometheus.Counter
	enrichmentErrorsTotal *prometheus.CounterVec
	lastDeliveryGauge     prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ec2_notifier_events_total",
			Help: "State-change events handled by state and whether the state is recognized.",
		}, []string{"state", "recognized"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ec2_notifier_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ec2_notifier_delivery_duration_seconds",
			Help:    "Duration of webhook requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		malformedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ec2_notifier_malformed_events_total",
			Help: "Events rejected because required fields were missing or invalid.",
		}),
		enrichmentErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ec2_notifier_enrichment_errors_total",
			Help: "Failed enrichment lookups by source.",
		}, []string{"source"}),
		lastDeliveryGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ec2_notifier_last_delivery_timestamp",
			Help: "Unix timestamp of the last successful delivery.",
		}),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.malformedEventsTotal,
		m.enrichmentErrorsTotal,
		m.lastDeliveryGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncEvents counts a parsed event.
func (m *Metrics) IncEvents(state string, recognized bool) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(state, strconv.FormatBool(recognized)).Inc()
}

// IncMalformed counts a rejected event.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformedEventsTotal.Inc()
}

// IncEnrichmentErrors counts a failed lookup for the given source.
func (m *Metrics) IncEnrichmentErrors(source string) {
	if m == nil {
		return
	}
	m.enrichmentErrorsTotal.WithLabelValues(source).Inc()
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(outcome string, duration time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDryRun {
		return
	}
	m.deliveryDuration.Observe(duration.Seconds())
	if outcome == OutcomeDelivered {
		m.lastDeliveryGauge.Set(float64(at.Unix()))
	}
}
