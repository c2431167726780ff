package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "serialview"

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
	bytesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "bytes_read_total",
			Help:      "Bytes read from the transport.",
		},
		[]string{"transport"},
	)
	linesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "lines_total",
			Help:      "Complete lines assembled, by kind.",
		},
		[]string{"kind"},
	)
	framesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded and handed to the sink.",
		},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped inside the pipeline, by reason.",
		},
		[]string{"reason"},
	)
	diagnostics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "diagnostics_total",
			Help:      "Deduplicated diagnostic lines surfaced.",
		},
	)
	lineOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "line_overflows_total",
			Help:      "Unterminated lines dropped for exceeding the line cap.",
		},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Transport connection attempts, by result.",
		},
		[]string{"transport", "result"},
	)
	displayRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "frames_rejected_total",
			Help:      "Frames rejected by the display for an unaccepted size.",
		},
	)
	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "MQTT publishes, by topic kind and success.",
		},
		[]string{"kind", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			bytesRead,
			linesRead,
			framesDecoded,
			framesDropped,
			diagnostics,
			lineOverflows,
			connections,
			displayRejected,
			publishes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBytesRead(transport string, n int) {
	RegisterMetrics()
	bytesRead.WithLabelValues(transport).Add(float64(n))
}

func RecordLine(kind string) {
	RegisterMetrics()
	linesRead.WithLabelValues(kind).Inc()
}

func RecordFrameDecoded() {
	RegisterMetrics()
	framesDecoded.Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordDiagnostic() {
	RegisterMetrics()
	diagnostics.Inc()
}

func RecordLineOverflow() {
	RegisterMetrics()
	lineOverflows.Inc()
}

func RecordConnection(transport string, success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	connections.WithLabelValues(transport, result).Inc()
}

func RecordDisplayRejected() {
	RegisterMetrics()
	displayRejected.Inc()
}

func RecordPublish(kind string, success bool) {
	RegisterMetrics()
	publishes.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}
