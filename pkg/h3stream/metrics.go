package h3stream

import (
	"net/http"
	"strconv"
	"time"

	"github.com/FumingPower3925/h3stream/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h3stream_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "h3stream_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h3stream_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "h3stream_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig holds configuration for Prometheus metrics middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths to skip metrics collection (e.g., /health)
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{SkipPaths: []string{"/health"}}
}

// Prometheus returns a middleware that collects per-request Prometheus metrics.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware that collects Prometheus metrics with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeH3(ctx)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next.ServeH3(ctx)

			status := strconv.Itoa(ctx.Status())
			if err != nil && !ctx.Written() {
				status = "500"
			}
			method := ctx.Method()
			path := ctx.Path()

			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
			httpResponseSize.WithLabelValues(method, path, status).Observe(float64(len(ctx.ResponseBody())))

			return err
		})
	}
}

// MetricsObserver records stream lifecycle events from every connection.
type MetricsObserver struct {
	opened    prometheus.Counter
	rejected  prometheus.Counter
	blocked   prometheus.Counter
	resets    *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  prometheus.Histogram
	active    prometheus.Gauge
}

var _ stream.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver registers the stream metrics with reg. A nil reg uses the
// default Prometheus registry.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &MetricsObserver{
		opened: f.NewCounter(prometheus.CounterOpts{
			Name: "h3stream_streams_opened_total",
			Help: "Request streams accepted",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "h3stream_streams_rejected_total",
			Help: "Request streams refused at the concurrency limit or while draining",
		}),
		blocked: f.NewCounter(prometheus.CounterOpts{
			Name: "h3stream_headers_blocked_total",
			Help: "Header blocks that waited on the header codec",
		}),
		resets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "h3stream_streams_reset_total",
			Help: "Request streams reset, by application error code",
		}, []string{"code"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "h3stream_streams_completed_total",
			Help: "Request streams that sent a full response, by status",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "h3stream_stream_duration_seconds",
			Help:    "Time from stream open to final response byte",
			Buckets: prometheus.DefBuckets,
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "h3stream_streams_active",
			Help: "Request streams currently open",
		}),
	}
}

// StreamOpened implements stream.Observer.
func (m *MetricsObserver) StreamOpened(uint64) {
	m.opened.Inc()
	m.active.Inc()
}

// StreamRejected implements stream.Observer.
func (m *MetricsObserver) StreamRejected(uint64) { m.rejected.Inc() }

// HeadersBlocked implements stream.Observer.
func (m *MetricsObserver) HeadersBlocked(uint64) { m.blocked.Inc() }

// StreamReset implements stream.Observer.
func (m *MetricsObserver) StreamReset(_ uint64, code uint64) {
	m.resets.WithLabelValues("0x" + strconv.FormatUint(code, 16)).Inc()
	m.active.Dec()
}

// StreamCompleted implements stream.Observer.
func (m *MetricsObserver) StreamCompleted(_ uint64, status int, elapsed time.Duration) {
	m.completed.WithLabelValues(strconv.Itoa(status)).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.active.Dec()
}

// MetricsHandler serves the default Prometheus registry over plain HTTP.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
