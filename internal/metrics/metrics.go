// Package metrics exposes broker counters to Prometheus and serves them,
// together with a JSON state snapshot, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "semabroker"

// Metrics holds the broker's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	Registry *prometheus.Registry

	requests           *prometheus.CounterVec
	promotions         prometheus.Counter
	cascades           prometheus.Counter
	disconnectReleases prometheus.Counter
	evictions          prometheus.Counter
	sessions           prometheus.Gauge
	names              prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by verb and result.",
		}, []string{"verb", "result"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Ownership handoffs delivered to the head of a waiting queue.",
		}),
		cascades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascades_total",
			Help:      "Promotions skipped because the promoted waiter was gone.",
		}),
		disconnectReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnect_releases_total",
			Help:      "Semaphores released because their owner disconnected.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Idle semaphore entries removed from the registry.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live client sessions.",
		}),
		names: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "names",
			Help:      "Semaphore names tracked by the registry.",
		}),
	}
	m.Registry.MustRegister(
		m.requests,
		m.promotions,
		m.cascades,
		m.disconnectReleases,
		m.evictions,
		m.sessions,
		m.names,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Request(verb, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(verb, result).Inc()
}

func (m *Metrics) Promotion() {
	if m == nil {
		return
	}
	m.promotions.Inc()
}

func (m *Metrics) Cascade() {
	if m == nil {
		return
	}
	m.cascades.Inc()
}

func (m *Metrics) DisconnectRelease() {
	if m == nil {
		return
	}
	m.disconnectReleases.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) SetNames(n int) {
	if m == nil {
		return
	}
	m.names.Set(float64(n))
}
