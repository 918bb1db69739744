// Package metrics exposes Prometheus counters and gauges for the gateway's
// connection and message lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric gatewaybridge registers.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	RequestsTotal     *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	TimeoutsTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	ContractViolations prometheus.Counter
	ApplicationTaskDuration prometheus.Histogram
}

// New creates and registers every metric.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaybridge_connections_total",
			Help: "Total connections accepted, by kind (http, websocket)",
		}, []string{"kind"}),
		ActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatewaybridge_active_connections",
			Help: "Currently live connections, by kind",
		}, []string{"kind"}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaybridge_requests_total",
			Help: "Total HTTP requests completed, by status class",
		}, []string{"status_class"}),
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaybridge_websocket_frames_total",
			Help: "Total WebSocket frames, by direction (inbound, outbound)",
		}, []string{"direction"}),
		TimeoutsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaybridge_timeouts_total",
			Help: "Total timeout rule firings, by rule",
		}, []string{"rule"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaybridge_errors_total",
			Help: "Total errors, by kind",
		}, []string{"kind"}),
		ContractViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatewaybridge_contract_violations_total",
			Help: "Total gateway contract violations observed by the dispatcher",
		}),
		ApplicationTaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewaybridge_application_task_duration_seconds",
			Help:    "Wall time of application tasks from creation to completion",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
