// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the completion port and the accept engine.
// Collectors are registered once on the default registry; instances are
// distinguished by label.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hioload"

var (
	opsAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "operations_acquired_total",
		Help: "Operations handed out by operation pools.",
	}, []string{"port"})
	opsExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "operations_exhausted_total",
		Help: "Acquire attempts refused because the pool was empty.",
	}, []string{"port"})
	dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "dispatched_total",
		Help: "Completion packets dispatched by workers.",
	}, []string{"port", "key"})
	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "dropped_total",
		Help: "Completions returned without invoking user code.",
	}, []string{"port"})
	violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "lifetime_violations_total",
		Help: "Detected operation/context lifetime violations.",
	}, []string{"port"})
	liveContexts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "live_contexts",
		Help: "Contexts with a non-zero lent reference count.",
	}, []string{"port"})
	orphanedContexts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "completion",
		Name: "orphaned_contexts",
		Help: "Released contexts awaiting disposal.",
	}, []string{"port"})

	issuedAccepts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "server",
		Name: "issued_accepts",
		Help: "Outstanding accept operations.",
	}, []string{"server"})
	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "server",
		Name: "active_connections",
		Help: "Accepted connections not yet disconnected.",
	}, []string{"server"})
	pendingDisconnects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "server",
		Name: "pending_disconnects",
		Help: "Disconnects deferred for lack of operation slots.",
	}, []string{"server"})
	acceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "server",
		Name: "accepted_total",
		Help: "Connections accepted.",
	}, []string{"server"})
	recycledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "server",
		Name: "recycled_total",
		Help: "Sockets returned to the reuse pool after disconnect.",
	}, []string{"server"})
)

// CompletionMetrics is the per-port view of the completion collectors.
type CompletionMetrics struct {
	Acquired     prometheus.Counter
	Exhausted    prometheus.Counter
	IODispatch   prometheus.Counter
	TaskDispatch prometheus.Counter
	Dropped      prometheus.Counter
	Violations   prometheus.Counter
	Live         prometheus.Gauge
	Orphaned     prometheus.Gauge
}

// NewCompletionMetrics binds the completion collectors to a port name.
func NewCompletionMetrics(port string) *CompletionMetrics {
	return &CompletionMetrics{
		Acquired:     opsAcquired.WithLabelValues(port),
		Exhausted:    opsExhausted.WithLabelValues(port),
		IODispatch:   dispatched.WithLabelValues(port, "io"),
		TaskDispatch: dispatched.WithLabelValues(port, "task"),
		Dropped:      dropped.WithLabelValues(port),
		Violations:   violations.WithLabelValues(port),
		Live:         liveContexts.WithLabelValues(port),
		Orphaned:     orphanedContexts.WithLabelValues(port),
	}
}

// ServerMetrics is the per-server view of the accept engine collectors.
type ServerMetrics struct {
	IssuedAccepts      prometheus.Gauge
	ActiveConnections  prometheus.Gauge
	PendingDisconnects prometheus.Gauge
	Accepted           prometheus.Counter
	Recycled           prometheus.Counter
}

// NewServerMetrics binds the server collectors to a server name.
func NewServerMetrics(server string) *ServerMetrics {
	return &ServerMetrics{
		IssuedAccepts:      issuedAccepts.WithLabelValues(server),
		ActiveConnections:  activeConnections.WithLabelValues(server),
		PendingDisconnects: pendingDisconnects.WithLabelValues(server),
		Accepted:           acceptedTotal.WithLabelValues(server),
		Recycled:           recycledTotal.WithLabelValues(server),
	}
}
