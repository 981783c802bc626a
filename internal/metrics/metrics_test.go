package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{404, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	scrape := func() string {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	// Gauges are always exported; vectors only after first observation.
	body := scrape()
	for _, name := range []string{
		"x402gate_active_websocket_clients",
		"x402gate_sink_queue_depth",
	} {
		assert.True(t, strings.Contains(body, name), "expected %s in output", name)
	}

	GatewayRequestsTotal.WithLabelValues("OK").Inc()
	assert.Contains(t, scrape(), `x402gate_gateway_requests_total{outcome="OK"}`)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.Any("/w/:endpointId/*path", func(c *gin.Context) { c.Status(http.StatusPaymentRequired) })

	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("POST", "/w/:endpointId/*path", "4xx")
	require.NoError(t, err)
	before := readCounter(t, counter.Write)

	for _, id := range []string{"api_a", "api_b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/w/"+id+"/v1/data", nil))
	}

	assert.Equal(t, before+2, readCounter(t, counter.Write))
}

func readCounter(t *testing.T, write func(*dto.Metric) error) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, write(m))
	return m.GetCounter().GetValue()
}
