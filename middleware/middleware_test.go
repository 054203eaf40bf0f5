package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tokmz/qichat/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newObserved() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.FromZap(zap.New(core)), logs
}

func serve(r *gin.Engine, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoggerRecordsRequest(t *testing.T) {
	log, logs := newObserved()
	r := gin.New()
	r.Use(Logger(log))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, "/ok", http.Header{"X-User-Id": {"alice"}})
	serve(r, "/missing", nil)

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/ok", fields["path"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, "alice", fields["user_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "user_id")
}

func TestLoggerExcludePaths(t *testing.T) {
	log, logs := newObserved()
	cfg := DefaultLoggerConfig(log)
	cfg.ExcludePaths = []string{"/healthz"}

	r := gin.New()
	r.Use(Logger(log, cfg))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve(r, "/healthz", nil)
	assert.Zero(t, logs.Len())
}

func TestRecovery(t *testing.T) {
	log, logs := newObserved()
	r := gin.New()
	r.Use(Recovery(log))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := serve(r, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"message":"Internal Server Error"}`, w.Body.String())
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 0.001,
		Burst:             2,
		ExcludePaths:      []string{"/healthz"},
	})
	defer rl.Stop()

	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/chat", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, "/chat", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, "/chat", nil).Code)
	w := serve(r, "/chat", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"code":429,"message":"too many requests"}`, w.Body.String())

	for range 5 {
		assert.Equal(t, http.StatusOK, serve(r, "/healthz", nil).Code)
	}
}

func TestRateLimiterKeys(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 0.001, Burst: 1})
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiterCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rl := NewRateLimiter(&RateLimiterConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		CleanupInterval:   10 * time.Millisecond,
		BucketExpiry:      time.Millisecond,
	})
	rl.Allow("a")

	assert.Eventually(t, func() bool {
		rl.store.mu.RLock()
		defer rl.store.mu.RUnlock()
		return len(rl.store.buckets) == 0
	}, time.Second, 10*time.Millisecond)

	rl.Stop()
	rl.Stop()
}
