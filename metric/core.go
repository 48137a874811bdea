package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the data plane metrics shared by every backend
type Metrics struct {
	TransfersEnqueued prometheus.Counter
	TransfersRejected *prometheus.CounterVec
	TransferOutcomes  *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	Partitions        *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the core data plane metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "transfers",
			Name:      "enqueued_total",
			Help:      "Total number of flow requests accepted into the queue",
		}),
		TransfersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "transfers",
			Name:      "rejected_total",
			Help:      "Total number of flow requests rejected before dispatch",
		}, []string{"reason"}),
		TransferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "transfers",
			Name:      "outcomes_total",
			Help:      "Dispatch outcomes (completed, failed, no_backend, panic)",
		}, []string{"outcome", "backend"}),
		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dataplane",
			Subsystem: "transfers",
			Name:      "duration_seconds",
			Help:      "Time spent in backend transfers",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"backend", "status"}),
		Partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "sink",
			Name:      "partitions_total",
			Help:      "Partitions written by partitioned sinks",
		}, []string{"status"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "flowstore",
			Name:      "errors_total",
			Help:      "Flow store operations that returned an error",
		}, []string{"operation"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataplane",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TransfersEnqueued,
		m.TransfersRejected,
		m.TransferOutcomes,
		m.TransferDuration,
		m.Partitions,
		m.StoreErrors,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordOutcome records the outcome of one dispatched request
func (m *Metrics) RecordOutcome(outcome, backend string) {
	if m == nil {
		return
	}
	m.TransferOutcomes.WithLabelValues(outcome, backend).Inc()
}

// RecordTransfer records the duration of a backend transfer
func (m *Metrics) RecordTransfer(backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransferDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

// RecordPartition records one partition result
func (m *Metrics) RecordPartition(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.Partitions.WithLabelValues(status).Inc()
}

// RecordNATSStatus updates the NATS connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}
