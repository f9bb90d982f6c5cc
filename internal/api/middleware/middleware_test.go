package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/config"
)

func setupTestRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return router
}

func serve(router *gin.Engine, method, origin, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/health", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS(DefaultCORSConfig()))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{name: "simple GET with origin", method: http.MethodGet, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantOrigin: "*"},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:3000", wantStatus: http.StatusNoContent, wantOrigin: "*"},
		{name: "no origin header", method: http.MethodGet, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.origin, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := CORSConfigFrom(config.CORSConfig{AllowOrigins: []string{"https://launcher.test"}, MaxAge: time.Hour})
	assert.Equal(t, time.Hour, cfg.MaxAge)
	assert.Equal(t, DefaultCORSConfig().AllowMethods, cfg.AllowMethods)

	router := setupTestRouter(CORS(cfg))

	w := serve(router, http.MethodGet, "https://launcher.test", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://launcher.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(router, http.MethodGet, "https://other.test", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSConfigFromKeepsDefaults(t *testing.T) {
	assert.Equal(t, DefaultCORSConfig(), CORSConfigFrom(config.CORSConfig{}))
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))

	for i := range 2 {
		w := serve(router, http.MethodGet, "", "192.168.1.1:1234")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should succeed", i+1)
	}

	w := serve(router, http.MethodGet, "", "192.168.1.1:1234")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
}

func TestRateLimitDifferentClients(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "", "192.168.1.1:1234").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "", "192.168.1.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodGet, "", "192.168.1.1:1234").Code)
}

func TestLimitersEvictIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newLimiters(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		IdleTimeout:       time.Minute,
		Now:               func() time.Time { return now },
	})

	l.get("10.0.0.1")
	l.get("10.0.0.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(30 * time.Second)
	l.get("10.0.0.2")

	now = now.Add(40 * time.Second)
	l.get("10.0.0.3")
	assert.Equal(t, 2, l.size())

	l.mu.Lock()
	_, kept := l.clients["10.0.0.2"]
	_, evicted := l.clients["10.0.0.1"]
	l.mu.Unlock()
	assert.True(t, kept)
	assert.False(t, evicted)
}

func TestGlobalRateLimit(t *testing.T) {
	router := setupTestRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "", "192.168.1.1:1234").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "", "192.168.1.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodGet, "", "192.168.1.3:1234").Code)
}

func TestRateLimitConfigFrom(t *testing.T) {
	cfg := RateLimitConfigFrom(config.RateLimitConfig{RequestsPerSecond: 5, Burst: 10, Enabled: true})
	assert.Equal(t, RateLimitConfig{RequestsPerSecond: 5, Burst: 10, IdleTimeout: DefaultIdleTimeout}, cfg)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter(RateLimit(DefaultRateLimitConfig()))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	b.ResetTimer()
	for b.Loop() {
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
}
