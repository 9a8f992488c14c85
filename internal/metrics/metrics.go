// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts forwarded calls by port and result.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_gateway_requests_total",
		Help: "Total number of forwarded calls",
	}, []string{"port", "result"}) // result: ok, failed, no_target, limited

	// RequestDuration tracks forwarded call duration in seconds.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_gateway_request_duration_seconds",
		Help:    "Forwarded call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"port"})

	// BytesSent tracks total bytes sent to clients.
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpc_gateway_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	// BytesReceived tracks total bytes received from clients.
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpc_gateway_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	// ActiveCalls tracks in-flight forwarded calls per port.
	ActiveCalls = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpc_gateway_active_calls",
		Help: "Current number of in-flight calls per port",
	}, []string{"port"})

	// TargetSelections tracks how often each target was selected.
	TargetSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_gateway_target_selections_total",
		Help: "Total target selections per port",
	}, []string{"port", "target"})

	// LimitRejections tracks calls rejected by per-port limits.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_gateway_limit_rejections_total",
		Help: "Total calls rejected due to limits",
	}, []string{"port", "type"})

	// Port state metrics

	// PortHealthy tracks the aggregate health flag per port (1=healthy, 0=unhealthy).
	PortHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpc_gateway_port_healthy",
		Help: "Aggregate health per port (1=healthy, 0=unhealthy)",
	}, []string{"port"})

	// PortServing tracks whether a forwarding loop owns the port.
	PortServing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpc_gateway_port_serving",
		Help: "Whether a forwarding loop is serving the port (1=serving)",
	}, []string{"port"})

	// PortHealthTransitions counts aggregate health flips per port.
	PortHealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_gateway_port_health_transitions_total",
		Help: "Aggregate health flips per port",
	}, []string{"port", "direction"}) // direction: up or down

	// ActivePorts tracks the number of active port states.
	ActivePorts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_gateway_active_ports",
		Help: "Number of active port states",
	})

	// Health check metrics

	// TargetScore tracks the relative health score per target.
	TargetScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpc_gateway_target_score",
		Help: "Relative health score per target (-128..127)",
	}, []string{"port", "target"})

	// HealthCheckTotal counts probes by target and result.
	HealthCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_gateway_health_check_total",
		Help: "Total health probes by target and result",
	}, []string{"target", "result"}) // result: "success" or "failure"

	// HealthCheckDuration tracks probe duration.
	HealthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_gateway_health_check_duration_seconds",
		Help:    "Health probe duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"target"})

	// HealthyTargets tracks the number of healthy targets across ports.
	HealthyTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_gateway_healthy_targets",
		Help: "Number of healthy targets",
	})

	// UnhealthyTargets tracks the number of unhealthy targets across ports.
	UnhealthyTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rpc_gateway_unhealthy_targets",
		Help: "Number of unhealthy targets",
	})
)

// PortLabel formats a port number as a metric label.
func PortLabel(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Stats holds gateway-wide runtime statistics for the /stats endpoint.
type Stats struct {
	ActiveCalls   int64 `json:"active_calls"`
	TotalRequests int64 `json:"total_requests"`
	FailedCalls   int64 `json:"failed_calls"`
	Rejected      int64 `json:"rejected"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
}

// StatsCollector collects gateway-wide runtime statistics.
type StatsCollector struct {
	activeCalls   atomic.Int64
	totalRequests atomic.Int64
	failedCalls   atomic.Int64
	rejected      atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// IncActiveCalls increments in-flight calls for a port.
func (sc *StatsCollector) IncActiveCalls(port uint16) {
	sc.activeCalls.Add(1)
	ActiveCalls.WithLabelValues(PortLabel(port)).Inc()
}

// DecActiveCalls decrements in-flight calls for a port.
func (sc *StatsCollector) DecActiveCalls(port uint16) {
	sc.activeCalls.Add(-1)
	ActiveCalls.WithLabelValues(PortLabel(port)).Dec()
}

// RecordResult counts a finished call for a port.
func (sc *StatsCollector) RecordResult(port uint16, result string) {
	sc.totalRequests.Add(1)
	switch result {
	case ResultFailed:
		sc.failedCalls.Add(1)
	case ResultLimited, ResultNoTarget:
		sc.rejected.Add(1)
	}
	RequestsTotal.WithLabelValues(PortLabel(port), result).Inc()
}

// AddBytesSent adds to bytes sent counter.
func (sc *StatsCollector) AddBytesSent(n int64) {
	sc.bytesSent.Add(n)
	BytesSent.Add(float64(n))
}

// AddBytesReceived adds to bytes received counter.
func (sc *StatsCollector) AddBytesReceived(n int64) {
	sc.bytesReceived.Add(n)
	BytesReceived.Add(float64(n))
}

// IncSelections counts a target selection on a port.
func (sc *StatsCollector) IncSelections(port uint16, target string) {
	TargetSelections.WithLabelValues(PortLabel(port), target).Inc()
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats {
	return Stats{
		ActiveCalls:   sc.activeCalls.Load(),
		TotalRequests: sc.totalRequests.Load(),
		FailedCalls:   sc.failedCalls.Load(),
		Rejected:      sc.rejected.Load(),
		BytesSent:     sc.bytesSent.Load(),
		BytesReceived: sc.bytesReceived.Load(),
	}
}

// Call results used as the "result" label.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultNoTarget = "no_target"
	ResultLimited  = "limited"
)
