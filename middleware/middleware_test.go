package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seo-optimizer/aivisibility/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorHandlerRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(ErrorHandler(slog.New(slog.NewTextHandler(&buf, nil))))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "kaboom") {
		t.Error("Panic value must not leak to the client")
	}
	if !strings.Contains(buf.String(), "kaboom") {
		t.Error("Expected the panic to be logged")
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := range 3 {
		if !rl.Allow("a") {
			t.Fatalf("Request %d should be allowed", i)
		}
	}
	if rl.Allow("a") {
		t.Error("Expected bucket to be empty")
	}
	if !rl.Allow("b") {
		t.Error("Other clients have their own bucket")
	}

	now = now.Add(500 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("Expected one token after half a second at 2/s")
	}
	if rl.Allow("a") {
		t.Error("Expected bucket to be empty again")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(2, 4)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	if rl.Len() != 2 {
		t.Fatalf("Expected 2 clients, got %d", rl.Len())
	}

	now = now.Add(3 * time.Second)
	rl.Allow("c")
	if rl.Len() != 1 {
		t.Errorf("Expected idle clients to be evicted, got %d", rl.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(NewRateLimiter(1, 1).RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for range 2 {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("Unexpected status codes %v", codes)
	}
}

func TestStatsMiddleware(t *testing.T) {
	stats := logging.NewStatistics(t.TempDir(), quietLogger())
	r := gin.New()
	r.Use(StatsMiddleware(stats, "/api/scan"))
	r.POST("/api/scan", func(c *gin.Context) {
		c.Set(ScanURLKey, "https://acme.test/")
		c.Status(http.StatusBadRequest)
	})
	r.GET("/api/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/scan", nil),
		httptest.NewRequest(http.MethodGet, "/api/health", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if stats.Requests() != 1 {
		t.Errorf("Expected only the scan to be tracked, got %d", stats.Requests())
	}
	if stats.GetErrorRate() != 100 {
		t.Errorf("Expected the 400 to count as an error, got %v", stats.GetErrorRate())
	}
	if hosts := stats.GetPopularHosts(1); len(hosts) != 1 || hosts[0].Host != "acme.test" {
		t.Errorf("Unexpected hosts %v", hosts)
	}
	if stats.GetUniqueVisitorsCount() != 1 {
		t.Errorf("Expected one visitor, got %d", stats.GetUniqueVisitorsCount())
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	out := buf.String()
	if strings.Contains(out, "path=/ok") {
		t.Error("Successful requests log at debug")
	}
	if !strings.Contains(out, "path=/missing") || !strings.Contains(out, "level=WARN") {
		t.Errorf("Expected a warn line for the 404, got %q", out)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.POST("/api/scan", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/scan", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
