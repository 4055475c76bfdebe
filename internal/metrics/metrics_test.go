package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogramCount(t *testing.T, m *Metrics, name string) uint64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestObservePrediction_CountsOutcomeOnly(t *testing.T) {
	m := New()

	m.ObservePrediction("ok")
	m.ObservePrediction("validation")
	m.ObservePrediction("validation")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("validation")))
	assert.Equal(t, uint64(0), histogramCount(t, m, "inference_duration_seconds"))
}

func TestObserveInference(t *testing.T) {
	m := New()

	m.ObserveInference(15 * time.Millisecond)
	m.ObserveInference(40 * time.Millisecond)

	assert.Equal(t, uint64(2), histogramCount(t, m, "inference_duration_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePrediction("ok")
		m.ObserveInference(time.Second)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCount.WithLabelValues("/health", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCount.WithLabelValues("unmatched", "GET", "404")))
}
