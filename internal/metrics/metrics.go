package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requestCount      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	predictions       *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
}

// New registers the service collectors on a private registry so that
// multiple instances (tests) never collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictions_total",
				Help: "Prediction attempts by outcome",
			}, []string{"outcome"},
		),
		inferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inference_duration_seconds",
				Help:    "Time spent preprocessing and running the model for successful predictions",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		m.inferenceDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency keyed by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestCount.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

// ObservePrediction counts one prediction outcome, e.g. "ok" or an error
// kind.
func (m *Metrics) ObservePrediction(outcome string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(outcome).Inc()
}

// ObserveInference records the preprocessing and model time of a successful
// prediction.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
