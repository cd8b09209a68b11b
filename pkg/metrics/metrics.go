// Package metrics defines the gateway's Prometheus collectors and the HTTP
// endpoint that serves them alongside the health check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway aggregates every collector the gateway components report into. It
// satisfies the Metrics interfaces of the scp, forwarder and supervisor
// packages.
type Gateway struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter

	objectsStored   prometheus.Counter
	objectsRejected *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	storeDuration   prometheus.Histogram

	jobsCompleted  *prometheus.CounterVec
	bytesForwarded *prometheus.CounterVec
	deliveryTime   *prometheus.HistogramVec

	queueDepth      *prometheus.GaugeVec
	leasesRecovered prometheus.Counter
	scratchSwept    prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Gateway {
	g := &Gateway{
		registry: prometheus.NewRegistry(),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicomgw_scp_connections_active",
			Help: "Currently open inbound associations.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomgw_scp_connections_total",
			Help: "Inbound associations accepted since start.",
		}),
		objectsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomgw_objects_stored_total",
			Help: "Objects durably stored and admitted.",
		}),
		objectsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgw_objects_rejected_total",
			Help: "Objects refused during ingest, by reason.",
		}, []string{"reason"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomgw_bytes_received_total",
			Help: "Payload bytes stored via C-STORE.",
		}),
		storeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicomgw_store_duration_seconds",
			Help:    "Time from first data PDU to admission.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgw_forward_jobs_total",
			Help: "Forward job resolutions, by destination and outcome.",
		}, []string{"destination", "outcome"}),
		bytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgw_bytes_forwarded_total",
			Help: "Payload bytes delivered, by destination.",
		}, []string{"destination"}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicomgw_delivery_duration_seconds",
			Help:    "Time from claim to job resolution, by destination.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"destination"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dicomgw_queue_depth",
			Help: "Forward jobs by destination and status.",
		}, []string{"destination", "status"}),
		leasesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomgw_leases_recovered_total",
			Help: "Expired job leases returned to pending.",
		}),
		scratchSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dicomgw_scratch_swept_total",
			Help: "Abandoned scratch files removed.",
		}),
	}

	g.registry.MustRegister(
		g.connectionsActive, g.connectionsTotal,
		g.objectsStored, g.objectsRejected, g.bytesReceived, g.storeDuration,
		g.jobsCompleted, g.bytesForwarded, g.deliveryTime,
		g.queueDepth, g.leasesRecovered, g.scratchSwept,
	)
	return g
}

// Registry exposes the underlying registry for the HTTP handler.
func (g *Gateway) Registry() *prometheus.Registry { return g.registry }

// ConnectionOpened implements the receiver hooks.
func (g *Gateway) ConnectionOpened() {
	g.connectionsActive.Inc()
	g.connectionsTotal.Inc()
}

func (g *Gateway) ConnectionClosed() { g.connectionsActive.Dec() }

func (g *Gateway) ObjectStored(bytes int64, duration time.Duration) {
	g.objectsStored.Inc()
	g.bytesReceived.Add(float64(bytes))
	g.storeDuration.Observe(duration.Seconds())
}

func (g *Gateway) ObjectRejected(reason string) {
	g.objectsRejected.WithLabelValues(reason).Inc()
}

// JobCompleted implements the forwarder hooks.
func (g *Gateway) JobCompleted(destination, outcome string, duration time.Duration) {
	g.jobsCompleted.WithLabelValues(destination, outcome).Inc()
	g.deliveryTime.WithLabelValues(destination).Observe(duration.Seconds())
}

func (g *Gateway) BytesForwarded(destination string, n int64) {
	g.bytesForwarded.WithLabelValues(destination).Add(float64(n))
}

// SetQueueDepth implements the supervisor hooks.
func (g *Gateway) SetQueueDepth(destination, status string, depth int64) {
	g.queueDepth.WithLabelValues(destination, status).Set(float64(depth))
}

func (g *Gateway) LeasesRecovered(n int) { g.leasesRecovered.Add(float64(n)) }
func (g *Gateway) ScratchSwept(n int)    { g.scratchSwept.Add(float64(n)) }
