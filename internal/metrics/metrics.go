// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hlsrelay"

// Metrics groups the proxy's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	upstreamAttempts *prometheus.CounterVec
	fetches          *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	rewrites         *prometheus.CounterVec
	unmapped         prometheus.Counter
	segmentEntries   prometheus.Gauge
	requests         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Outbound upstream requests by outcome.",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Logical fetches across all mirrors and retries, by result.",
		}, []string{"result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Cookie handshakes by result.",
		}, []string{"result"}),
		rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_rewrites_total",
			Help:      "Manifest rewrite passes by result.",
		}, []string{"result"}),
		unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmapped_requests_total",
			Help:      "Resource requests resolved by the fallback policy.",
		}),
		segmentEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_map_entries",
			Help:      "Entries in the current segment map.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.upstreamAttempts,
		m.fetches,
		m.handshakes,
		m.rewrites,
		m.unmapped,
		m.segmentEntries,
		m.requests,
	)
	return m
}

func (m *Metrics) UpstreamAttempt(outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Rewrite(result string) {
	if m == nil {
		return
	}
	m.rewrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Unmapped() {
	if m == nil {
		return
	}
	m.unmapped.Inc()
}

func (m *Metrics) SegmentEntries(n int) {
	if m == nil {
		return
	}
	m.segmentEntries.Set(float64(n))
}

func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}
