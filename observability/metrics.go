// Package observability exposes the relay's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Rejection reasons used as label values.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonMalformed    = "malformed"
	ReasonRateLimited  = "rate_limited"
)

// Metrics groups every collector the relay updates. Each instance owns
// its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	Published         prometheus.Counter
	Delivered         prometheus.Counter
	Dropped           prometheus.Counter
	Rejected          *prometheus.CounterVec
	BackplaneFailures prometheus.Counter
	StoreFailures     prometheus.Counter
	Trims             prometheus.Counter
	Listeners         prometheus.Gauge
	Connections       prometheus.Gauge
	QueueLength       *prometheus.GaugeVec
	QueueFill         *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Messages published on the backplane.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Messages handed to a local connection.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Messages a local connection could not accept.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_rejected_total",
			Help: "Client requests rejected, by reason.",
		}, []string{"reason"}),
		BackplaneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backplane_failures_total",
			Help: "Failed backplane subscribe or publish calls.",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_failures_total",
			Help: "Failed history reads, appends and trims.",
		}),
		Trims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_trims_total",
			Help: "Completed history trims.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backplane_listeners",
			Help: "Topics with a live backplane listener.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live client connections.",
		}),
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_length",
			Help: "Items waiting in an internal queue.",
		}, []string{"queue"}),
		QueueFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_fill_ratio",
			Help: "Length over capacity of an internal queue.",
		}, []string{"queue"}),
	}
	m.registry.MustRegister(
		m.Published, m.Delivered, m.Dropped, m.Rejected,
		m.BackplaneFailures, m.StoreFailures, m.Trims,
		m.Listeners, m.Connections,
		m.QueueLength, m.QueueFill,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
