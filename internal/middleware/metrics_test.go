package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Metrics())
	router.GET("/v1/skills/:domain", func(c *gin.Context) { c.String(200, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/skills/example.com", nil))
	require.Equal(t, 200, w.Code)
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Metrics())
	router.GET("/v1/skills", func(c *gin.Context) { c.String(200, "ok") })
	router.GET("/metrics", MetricsHandler)

	// Drive one request through the middleware so the counter exists.
	seed := httptest.NewRecorder()
	router.ServeHTTP(seed, httptest.NewRequest("GET", "/v1/skills", nil))
	require.Equal(t, 200, seed.Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, w.Code)

	body := w.Body.String()
	require.Contains(t, body, "# HELP")
	require.Contains(t, body, "apitap_http_requests_total")
}
