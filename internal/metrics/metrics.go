// Package metrics defines the Prometheus instruments exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heartbridge"

// Metrics groups every instrument the broadcast server updates.
type Metrics struct {
	PerformancesLive       prometheus.Gauge
	PerformancesRegistered prometheus.Counter
	PerformancesEvicted    prometheus.Counter
	ActiveConnections      prometheus.Gauge
	ActiveSubscriptions    prometheus.Gauge
	HeartratesPublished    prometheus.Counter
	MessagesDelivered      prometheus.Counter
	SubscribersDropped     prometheus.Counter
	RequestsRejected       *prometheus.CounterVec
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// New creates and registers all instruments on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PerformancesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "performances",
			Name:      "live",
			Help:      "Number of registered performances that have not expired or been deleted.",
		}),
		PerformancesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "performances",
			Name:      "registered_total",
			Help:      "Total number of performances registered.",
		}),
		PerformancesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "performances",
			Name:      "evicted_total",
			Help:      "Total number of performances removed by the expiry sweep.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open realtime connections.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscriptions_active",
			Help:      "Number of connections currently bound to a performance.",
		}),
		HeartratesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "heartrates_published_total",
			Help:      "Total number of heart-rate samples accepted for broadcast.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_delivered_total",
			Help:      "Total number of messages handed to subscriber connections.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscribers_dropped_total",
			Help:      "Total number of subscribers removed after a failed send.",
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_rejected_total",
			Help:      "Total number of rejected requests by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.PerformancesLive,
		m.PerformancesRegistered,
		m.PerformancesEvicted,
		m.ActiveConnections,
		m.ActiveSubscriptions,
		m.HeartratesPublished,
		m.MessagesDelivered,
		m.SubscribersDropped,
		m.RequestsRejected,
	)
	return m
}

// NewNop returns instruments registered on a throwaway registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
