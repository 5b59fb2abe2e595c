package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	flowsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "started_total",
			Help:      "Flow instances started.",
		},
		[]string{"node", "role"},
	)
	flowsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "ended_total",
			Help:      "Flow instances ended, by result.",
		},
		[]string{"node", "role", "result"},
	)
	flowsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "running",
			Help:      "Flow instances currently running.",
		},
		[]string{"node", "role"},
	)
	suspensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "suspensions_total",
			Help:      "Suspension points reached, by operation.",
		},
		[]string{"node", "op"},
	)
	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened.",
		},
		[]string{"node", "role"},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions released, by terminal state.",
		},
		[]string{"node", "state"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "total",
			Help:      "Session envelopes by direction and kind.",
		},
		[]string{"node", "direction", "kind"},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "dropped_total",
			Help:      "Inbound envelopes dropped by the dispatcher.",
		},
		[]string{"node", "reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			flowsStarted,
			flowsEnded,
			flowsRunning,
			suspensions,
			sessionsOpened,
			sessionsEnded,
			envelopes,
			envelopesDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// FlowMetrics records flow engine events for one node.
type FlowMetrics struct {
	node string
}

func NewFlowMetrics(node string) FlowMetrics {
	RegisterMetrics()
	return FlowMetrics{node: node}
}

func (m FlowMetrics) FlowStarted(role string) {
	flowsStarted.WithLabelValues(m.node, role).Inc()
	flowsRunning.WithLabelValues(m.node, role).Inc()
}

func (m FlowMetrics) FlowEnded(role, result string) {
	flowsEnded.WithLabelValues(m.node, role, result).Inc()
	flowsRunning.WithLabelValues(m.node, role).Dec()
}

func (m FlowMetrics) SessionOpened(role string) {
	sessionsOpened.WithLabelValues(m.node, role).Inc()
}

func (m FlowMetrics) SessionEnded(state string) {
	sessionsEnded.WithLabelValues(m.node, state).Inc()
}

func (m FlowMetrics) EnvelopeSent(kind string) {
	envelopes.WithLabelValues(m.node, "out", kind).Inc()
}

func (m FlowMetrics) EnvelopeReceived(kind string) {
	envelopes.WithLabelValues(m.node, "in", kind).Inc()
}

func (m FlowMetrics) EnvelopeDropped(reason string) {
	envelopesDropped.WithLabelValues(m.node, reason).Inc()
}

func (m FlowMetrics) Suspended(op string) {
	suspensions.WithLabelValues(m.node, op).Inc()
}
