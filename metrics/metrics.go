// Package metrics exposes Prometheus collectors for clients and servers.
//
// A nil *Metrics is valid and records nothing, so instrumented code never has to check.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes used as the "outcome" label.
const (
	OutcomeOK            = "ok"
	OutcomeAppError      = "app_error"
	OutcomeDeadline      = "deadline_exceeded"
	OutcomeTransport     = "transport_error"
	OutcomeSerialization = "serialization_error"
	OutcomeCanceled      = "canceled"
	OutcomePanic         = "panic"
)

// Metrics groups every collector of one process. Register it once.
type Metrics struct {
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	pendingCalls    prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge
	connections     prometheus.Gauge
}

// New builds the collectors under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Calls issued by clients, by method and outcome.",
		}, []string{"method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Time from sending a request to resolving its call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Calls waiting for a response.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by servers, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "inflight_requests",
			Help:      "Requests currently being handled.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Connections currently served.",
		}),
	}
}

// Register adds every collector to reg. Collectors that are already registered are
// not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.callsTotal, m.callDuration, m.pendingCalls,
		m.requestsTotal, m.requestDuration, m.inflight, m.connections,
	}
}

// CallStarted records a call entering the pending table.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.pendingCalls.Inc()
}

// CallFinished records a resolved call.
func (m *Metrics) CallFinished(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingCalls.Dec()
	m.callsTotal.WithLabelValues(method, outcome).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RequestStarted and RequestFinished bracket a request from dispatch until its response
// has been written (or discarded).
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// ObserveRequest records the outcome and duration of one handler invocation.
func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ConnOpened / ConnClosed track live server connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
