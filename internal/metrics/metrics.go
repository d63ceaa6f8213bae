// Package metrics exposes controller outcomes as Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotbuild"

type Metrics struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	spotPrice     *prometheus.GaugeVec
	pollAttempts  prometheus.Histogram
	lastRun       *prometheus.GaugeVec
	notifyFailure prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Controller invocations by terminal outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_decisions_total",
			Help:      "Build necessity decisions by result.",
		}, []string{"result"}),
		spotPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cheapest_spot_price_dollars",
			Help:      "Cheapest hourly spot price found by the last lookup.",
		}, []string{"region", "zone"}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fleet_poll_attempts",
			Help:      "Poll attempts spent waiting for a fleet instance.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_invocation_timestamp_seconds",
			Help:      "Unix time of the last invocation by outcome.",
		}, []string{"outcome"}),
		notifyFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be published.",
		}),
	}
	m.registry.MustRegister(m.invocations, m.decisions, m.spotPrice, m.pollAttempts, m.lastRun, m.notifyFailure)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOutcome(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
	m.lastRun.WithLabelValues(outcome).Set(float64(at.Unix()))
}

func (m *Metrics) ObserveDecision(required, forced bool) {
	if m == nil {
		return
	}
	result := "not_required"
	switch {
	case forced:
		result = "forced"
	case required:
		result = "required"
	}
	m.decisions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePrice(region, zone string, price float64) {
	if m == nil {
		return
	}
	m.spotPrice.Reset()
	m.spotPrice.WithLabelValues(region, zone).Set(price)
}

func (m *Metrics) ObservePollAttempts(n int) {
	if m == nil {
		return
	}
	m.pollAttempts.Observe(float64(n))
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailure.Inc()
}
