// Package metrics holds the Prometheus collectors shared by the exam engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	gradingOutcomes *prometheus.CounterVec
	gradingDuration prometheus.Histogram
	violations      prometheus.Counter
	monitorTicks    *prometheus.CounterVec
	activeMonitors  prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testroom_submissions_total",
				Help: "Attempts that entered submission, by trigger",
			},
			[]string{"trigger"},
		),
		gradingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testroom_grading_outcomes_total",
				Help: "Grading pipeline outcomes (graded or the fallback reason)",
			},
			[]string{"outcome"},
		),
		gradingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "testroom_grading_duration_seconds",
				Help:    "Duration of scoring service calls",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
		violations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "testroom_integrity_violations_total",
				Help: "Integrity violations raised by exam views",
			},
		),
		monitorTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testroom_monitor_ticks_total",
				Help: "Monitoring loop ticks, by result",
			},
			[]string{"result"},
		),
		activeMonitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "testroom_active_monitors",
				Help: "Monitoring loops currently running",
			},
		),
	}
	reg.MustRegister(
		m.submissions,
		m.gradingOutcomes,
		m.gradingDuration,
		m.violations,
		m.monitorTicks,
		m.activeMonitors,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(trigger string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(trigger).Inc()
}

func (m *Metrics) GradingOutcome(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.gradingOutcomes.WithLabelValues(outcome).Inc()
	m.gradingDuration.Observe(took.Seconds())
}

func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) MonitorTick(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.monitorTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.activeMonitors.Inc()
}

func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.activeMonitors.Dec()
}
