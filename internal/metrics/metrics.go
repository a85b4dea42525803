// Package metrics exposes gateway and pool health as Prometheus metrics
// on a dedicated registry, served over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gengar"

// Collector owns every metric gengar exports and the registry they're
// registered against.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	blocksTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	poolSize    prometheus.Gauge
	poolHealthy prometheus.Gauge
	poolDead    prometheus.Gauge

	activeConnections prometheus.Gauge
}

// NewCollector builds and registers every metric against a fresh
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of forward-proxied requests, by outcome.",
			},
			[]string{"status"},
		),

		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total number of requests that hit a blocked/challenged response.",
			},
			[]string{"strategy"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Latency of proxied requests, from dial to last response byte.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),

		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Total number of proxies known to the pool.",
		}),
		poolHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_healthy",
			Help:      "Number of proxies currently considered healthy.",
		}),
		poolDead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_dead",
			Help:      "Number of proxies currently marked dead.",
		}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of gateway connections currently in flight.",
		}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.blocksTotal,
		c.requestDuration,
		c.poolSize,
		c.poolHealthy,
		c.poolDead,
		c.activeConnections,
	)
	return c
}

// RecordRequest records one completed proxy attempt.
func (c *Collector) RecordRequest(status string, strategy string, blocked bool, duration float64) {
	c.requestsTotal.WithLabelValues(status).Inc()
	c.requestDuration.WithLabelValues(strategy).Observe(duration)
	if blocked {
		c.blocksTotal.WithLabelValues(strategy).Inc()
	}
}

// SetPoolStats updates the pool-size gauges from a fresh snapshot.
func (c *Collector) SetPoolStats(total, healthy, dead int) {
	c.poolSize.Set(float64(total))
	c.poolHealthy.Set(float64(healthy))
	c.poolDead.Set(float64(dead))
}

// SetActiveConnections updates the in-flight gateway connection gauge.
func (c *Collector) SetActiveConnections(n int64) {
	c.activeConnections.Set(float64(n))
}

// Handler returns the /metrics HTTP handler for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
