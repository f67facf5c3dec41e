// Package metrics wires the sync engine's observability hooks
// (graph.Metrics, resolver.Metrics, reconnect.Metrics) to Prometheus
// collectors, plus the transport-level connection/accept counters the
// teacher's websocket server already exposed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the server exposes. It
// satisfies graph.Metrics, resolver.Metrics, and reconnect.Metrics
// structurally — no import of those packages needed here.
type Registry struct {
	ActiveConnections prometheus.Gauge
	AcceptErrors      prometheus.Counter
	MessagesDelivered prometheus.Counter

	entityVersionBumps *prometheus.CounterVec
	entityEvictions    *prometheus.CounterVec
	reconnectStatus    *prometheus.CounterVec
	resolverBatchSize  *prometheus.HistogramVec
}

// NewRegistry creates and registers every collector.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lens_connections_active",
			Help: "Number of active transport connections.",
		}),
		AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lens_accept_errors_total",
			Help: "Total number of connection accept/upgrade errors.",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lens_messages_delivered_total",
			Help: "Total number of wire messages successfully delivered to a client.",
		}),
		entityVersionBumps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_entity_version_bumps_total",
			Help: "Total number of state-changing emits per entity type.",
		}, []string{"entity"}),
		entityEvictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_entity_evictions_total",
			Help: "Total number of canonical-state evictions per entity type.",
		}, []string{"entity"}),
		reconnectStatus: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_reconnect_status_total",
			Help: "Total number of reconnect subscription resolutions, by outcome.",
		}, []string{"status"}),
		resolverBatchSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_resolver_batch_size",
			Help:    "Number of parents fanned into a single resolver Batch call.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}, []string{"entity", "field"}),
	}
}

// VersionBumped implements graph.Metrics.
func (r *Registry) VersionBumped(entityType string) {
	r.entityVersionBumps.WithLabelValues(entityType).Inc()
}

// EntityEvicted implements graph.Metrics.
func (r *Registry) EntityEvicted(entityType string) {
	r.entityEvictions.WithLabelValues(entityType).Inc()
}

// ObserveBatch implements resolver.Metrics.
func (r *Registry) ObserveBatch(entityType, field string, size int) {
	r.resolverBatchSize.WithLabelValues(entityType, field).Observe(float64(size))
}

// ObserveStatus implements reconnect.Metrics.
func (r *Registry) ObserveStatus(status string) {
	r.reconnectStatus.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
