package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("allows requests within the limit", func(t *testing.T) {
		router := gin.New()
		router.Use(RateLimiter(10, 10))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

		if w.Code != 200 {
			t.Errorf("expected status 200, got %d", w.Code)
		}
	})

	t.Run("blocks requests over the limit", func(t *testing.T) {
		router := gin.New()
		router.Use(RateLimiter(1, 1))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, httptest.NewRequest("GET", "/test", nil))
		if w1.Code != 200 {
			t.Errorf("first request: expected status 200, got %d", w1.Code)
		}

		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, httptest.NewRequest("GET", "/test", nil))
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("second request: expected status 429, got %d", w2.Code)
		}
	})
}

func TestRateLimiterAutoKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("keys on the bearer token", func(t *testing.T) {
		router := gin.New()
		router.Use(RateLimiterAutoKey(1, 1))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		send := func(token string) int {
			req := httptest.NewRequest("GET", "/test", nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			return w.Code
		}

		if code := send("key-a"); code != 200 {
			t.Errorf("first key-a request: expected 200, got %d", code)
		}
		if code := send("key-a"); code != http.StatusTooManyRequests {
			t.Errorf("second key-a request: expected 429, got %d", code)
		}
		// A different token has its own budget.
		if code := send("key-b"); code != 200 {
			t.Errorf("first key-b request: expected 200, got %d", code)
		}
	})

	t.Run("falls back to client ip", func(t *testing.T) {
		router := gin.New()
		router.Use(RateLimiterAutoKey(1, 1))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, httptest.NewRequest("GET", "/test", nil))
		if w1.Code != 200 {
			t.Errorf("first request: expected 200, got %d", w1.Code)
		}
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, httptest.NewRequest("GET", "/test", nil))
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("second request: expected 429, got %d", w2.Code)
		}
	})
}

func TestTTLLimiterCacheSweeps(t *testing.T) {
	cache := newTTLLimiterCache(10 * time.Millisecond)
	mk := func() *rate.Limiter { return rate.NewLimiter(1, 1) }

	cache.get("stale", mk)
	time.Sleep(20 * time.Millisecond)

	// Force a sweep by aging lastSweep past the opportunistic window.
	cache.mu.Lock()
	cache.lastSweep = time.Now().Add(-3 * time.Minute)
	cache.mu.Unlock()

	cache.get("fresh", mk)

	cache.mu.Lock()
	_, staleAlive := cache.items["stale"]
	_, freshAlive := cache.items["fresh"]
	cache.mu.Unlock()

	if staleAlive {
		t.Error("expected stale limiter to be swept")
	}
	if !freshAlive {
		t.Error("expected fresh limiter to survive the sweep")
	}
}
