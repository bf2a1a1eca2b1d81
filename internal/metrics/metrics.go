// Package metrics holds the Prometheus collectors of the sync core. A nil *Metrics is
// valid and records nothing, so components can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the sync core's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	eventsDelivered *prometheus.CounterVec
	eventsRejected  *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	retryExhausted  *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	conflicts       *prometheus.GaugeVec
	optimistic      *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Change events delivered to subscription handlers.",
		}, []string{"collection", "type"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Change events dropped before delivery.",
		}, []string{"collection", "reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transport channel re-establishment attempts that started.",
		}, []string{"collection"}),
		retryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Subscriptions that gave up after spending their retry budget.",
		}, []string{"collection"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Logical channels by connection state.",
		}, []string{"state"}),
		conflicts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflicts",
			Help:      "Conflict reports from the latest evaluation, by kind.",
		}, []string{"kind"}),
		optimistic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_updates_total",
			Help:      "Optimistic updates by final outcome.",
		}, []string{"operation", "outcome"}),
	}

	registry.MustRegister(
		m.eventsDelivered,
		m.eventsRejected,
		m.reconnects,
		m.retryExhausted,
		m.subscriptions,
		m.conflicts,
		m.optimistic,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) EventDelivered(collection, eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(collection, eventType).Inc()
}

func (m *Metrics) EventRejected(collection, reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) Reconnect(collection string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(collection).Inc()
}

func (m *Metrics) RetryExhausted(collection string) {
	if m == nil {
		return
	}
	m.retryExhausted.WithLabelValues(collection).Inc()
}

// StateChange moves one logical channel between state gauges. An empty from is a new channel.
func (m *Metrics) StateChange(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.subscriptions.WithLabelValues(from).Dec()
	}
	m.subscriptions.WithLabelValues(to).Inc()
}

// SetConflicts replaces the conflict gauges with the counts of the latest evaluation.
func (m *Metrics) SetConflicts(byKind map[string]int) {
	if m == nil {
		return
	}
	m.conflicts.Reset()
	for kind, n := range byKind {
		m.conflicts.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) Optimistic(operation, outcome string) {
	if m == nil {
		return
	}
	m.optimistic.WithLabelValues(operation, outcome).Inc()
}
