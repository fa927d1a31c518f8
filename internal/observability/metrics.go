package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the session recorders.
const (
	OutcomeOK             = "ok"
	OutcomeTimeout        = "timeout"
	OutcomeConnectionLost = "connection_lost"
	OutcomeStatus         = "status"
	OutcomeError          = "error"
)

var (
	registerOnce sync.Once

	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Correlated session requests by protocol key and outcome.",
		},
		[]string{"key", "outcome"},
	)
	sessionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Correlated session request round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"key"},
	)
	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the transport is open.",
		},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped without delivery.",
		},
		[]string{"reason"},
	)
	heartbeatProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "heartbeat",
			Name:      "probes_total",
			Help:      "Heartbeat probes by outcome.",
		},
		[]string{"outcome"},
	)
	heartbeatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatlink",
			Subsystem: "heartbeat",
			Name:      "latency_seconds",
			Help:      "Heartbeat round trip in seconds.",
			Buckets:   []float64{.05, .1, .25, .3, .5, .8, 1, 2.5, 5, 10},
		},
		[]string{"band"},
	)
	reconnectEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "reconnect",
			Name:      "events_total",
			Help:      "Reconnect attempts scheduled, succeeded and exhausted.",
		},
		[]string{"event"},
	)
	refreshEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "credential",
			Name:      "refresh_total",
			Help:      "Credential refresh outcomes.",
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status endpoint HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status endpoint HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionRequests,
			sessionRequestDuration,
			sessionConnected,
			droppedFrames,
			heartbeatProbes,
			heartbeatLatency,
			reconnectEvents,
			refreshEvents,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRequest(key, outcome string, duration time.Duration) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(key, outcome).Inc()
	sessionRequestDuration.WithLabelValues(key).Observe(duration.Seconds())
}

func SetConnected(connected bool) {
	RegisterMetrics()
	if connected {
		sessionConnected.Set(1)
		return
	}
	sessionConnected.Set(0)
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(reason).Inc()
}

func RecordHeartbeat(outcome string) {
	RegisterMetrics()
	heartbeatProbes.WithLabelValues(outcome).Inc()
}

func RecordHeartbeatLatency(band string, latency time.Duration) {
	RegisterMetrics()
	heartbeatProbes.WithLabelValues(OutcomeOK).Inc()
	heartbeatLatency.WithLabelValues(band).Observe(latency.Seconds())
}

func RecordReconnect(event string) {
	RegisterMetrics()
	reconnectEvents.WithLabelValues(event).Inc()
}

func RecordRefresh(outcome string) {
	RegisterMetrics()
	refreshEvents.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
