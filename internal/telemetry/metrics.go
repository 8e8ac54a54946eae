package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gep",
			Name:      "frames_total",
			Help:      "Frames processed, by direction and code.",
		},
		[]string{"direction", "code"},
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gep",
			Name:      "dropped_total",
			Help:      "Items dropped without interrupting the stream, by reason.",
		},
		[]string{"reason"},
	)

	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gep",
			Name:      "samples_total",
			Help:      "Measurement samples delivered or published.",
		},
		[]string{"direction"},
	)

	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gep",
			Name:      "connections",
			Help:      "Open connections, by role.",
		},
		[]string{"role"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gep",
			Name:      "http_requests_total",
			Help:      "Debug HTTP requests.",
		},
		[]string{"path", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gep",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of debug HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"path"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gep",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gep",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

// Reasons used with DroppedTotal.
const (
	ReasonCipherMismatch = "cipher_mismatch"
	ReasonUnknownSignal  = "unknown_signal"
	ReasonMetadataLag    = "metadata_lag_overflow"
	ReasonDuplicateBlock = "duplicate_block"
	ReasonUnknownFrame   = "unknown_frame"
	ReasonMalformed      = "malformed_payload"
	ReasonUnsolicited    = "unsolicited_response"
	ReasonSlowSubscriber = "slow_subscriber"
	ReasonTooManyPending = "too_many_pending_blocks"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"
)

func init() {
	Registry.MustRegister(
		FramesTotal,
		DroppedTotal,
		SamplesTotal,
		Connections,
		RequestsTotal,
		RequestDuration,
		buildInfo,
		uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup with the linker provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

func Frame(direction string, code string) {
	FramesTotal.WithLabelValues(direction, code).Inc()
}

func Dropped(reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
}

func Samples(direction string, n int) {
	SamplesTotal.WithLabelValues(direction).Add(float64(n))
}

// Instrument records request counts and latency for every route of a gin
// engine, labelled by the route pattern.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		class := strconv.Itoa(c.Writer.Status()/100) + "xx"
		RequestsTotal.WithLabelValues(path, class).Inc()
		RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}
