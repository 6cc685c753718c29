package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seo-optimizer/aivisibility/credits"
	"github.com/seo-optimizer/aivisibility/events"
	"github.com/seo-optimizer/aivisibility/logging"
	"github.com/seo-optimizer/aivisibility/middleware"
	"github.com/seo-optimizer/aivisibility/render"
	"github.com/seo-optimizer/aivisibility/scan"
	"github.com/seo-optimizer/aivisibility/stats"
	"github.com/seo-optimizer/aivisibility/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testHTML = `<html lang="en"><head><title>Acme Bakery | Fresh bread daily in York</title>
<meta name="description" content="Sourdough, rye and pastries baked every morning in central York."></head>
<body><main><h1>Acme Bakery</h1><p>We bake sourdough, rye and seasonal pastries every morning before seven.</p></main></body></html>`

type staticRenderer struct{}

func (staticRenderer) Render(_ context.Context, pageURL string) (*render.Result, error) {
	return &render.Result{HTML: testHTML, FinalURL: pageURL, Status: 200, Renderer: "http"}, nil
}

type testServer struct {
	srv    *server
	router *gin.Engine
	ledger *credits.SQLiteLedger
}

func newTestServer(t *testing.T, devMode bool) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	ledger, err := credits.OpenSQLite(":memory:", 0)
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	results := store.NewMemoryStore(100, time.Minute)
	t.Cleanup(func() { results.Close() })
	monthly, err := stats.NewStorage(dir, logger)
	if err != nil {
		t.Fatalf("Failed to open stats: %v", err)
	}
	t.Cleanup(func() { monthly.Close() })

	hub := events.NewHub(logger)
	scanner, err := scan.New(scan.Config{}, scan.Deps{
		Renderer:  staticRenderer{},
		Ledger:    ledger,
		Store:     results,
		Publisher: hub,
		Recorder:  monthly,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("Failed to create scanner: %v", err)
	}
	t.Cleanup(func() { scanner.Close() })

	srv := &server{
		scanner:  scanner,
		ledger:   ledger,
		hub:      hub,
		requests: logging.NewStatistics(dir, logger),
		monthly:  monthly,
		limiter:  middleware.NewRateLimiter(100, 100),
		devMode:  devMode,
		logger:   logger,
	}
	return &testServer{srv: srv, router: srv.routes(), ledger: ledger}
}

func (ts *testServer) grant(t *testing.T, userID string, amount int) {
	t.Helper()
	if _, err := ts.ledger.Grant(context.Background(), userID, amount, "test", credits.GrantOptions{}); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := decode[map[string]any](t, w); got["status"] != "ok" {
		t.Errorf("Unexpected body %v", got)
	}
}

func TestScanSync(t *testing.T) {
	ts := newTestServer(t, false)
	ts.grant(t, "u1", 2)

	w := ts.do(t, http.MethodPost, "/api/scan", map[string]any{"url": "acme.test", "userId": "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[scan.ScanResult](t, w)
	if res.Status != scan.StatusComplete || res.Cost != 1 || res.RemainingCredits != 1 {
		t.Errorf("Unexpected result status=%s cost=%d remaining=%d", res.Status, res.Cost, res.RemainingCredits)
	}
	if res.AIAvailable {
		t.Error("No LLM is configured, AI must be unavailable")
	}

	w = ts.do(t, http.MethodGet, "/api/scan/"+res.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected stored record, got %d", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/scan/"+res.RunID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 cancelling a finished scan, got %d", w.Code)
	}
}

func TestScanErrors(t *testing.T) {
	ts := newTestServer(t, false)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"MissingURL", map[string]any{"userId": "u1"}, http.StatusBadRequest},
		{"BadScheme", map[string]any{"url": "ftp://acme.test", "userId": "u1"}, http.StatusBadRequest},
		{"NoUser", map[string]any{"url": "acme.test"}, http.StatusBadRequest},
		{"NoCredits", map[string]any{"url": "acme.test", "userId": "broke"}, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/api/scan", tt.body); w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if w := ts.do(t, http.MethodGet, "/api/scan/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/scan/missing/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for events of unknown scan, got %d", w.Code)
	}
}

func TestScanAsync(t *testing.T) {
	ts := newTestServer(t, false)
	ts.grant(t, "u1", 1)

	w := ts.do(t, http.MethodPost, "/api/scan", map[string]any{"url": "acme.test", "userId": "u1", "async": true})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	runID := decode[map[string]string](t, w)["runId"]
	if runID == "" {
		t.Fatal("Expected a run id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = ts.do(t, http.MethodGet, "/api/scan/"+runID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if res := decode[scan.ScanResult](t, w); res.Status.Final() {
			if res.Status != scan.StatusComplete {
				t.Errorf("Expected complete, got %s (%s)", res.Status, res.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Async scan did not finish")
}

func TestCredits(t *testing.T) {
	ts := newTestServer(t, false)
	ts.grant(t, "u1", 4)

	w := ts.do(t, http.MethodGet, "/api/credits?userId=u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	got := decode[map[string]int](t, w)
	if got["balance"] != 4 || got["freeScansRemaining"] != 0 {
		t.Errorf("Unexpected credits %v", got)
	}

	if w := ts.do(t, http.MethodGet, "/api/credits", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a user, got %d", w.Code)
	}
}

func TestGrantRequiresDevMode(t *testing.T) {
	body := map[string]any{"userId": "u1", "amount": 3, "reason": "promo", "extRef": "order-1"}

	prod := newTestServer(t, false)
	if w := prod.do(t, http.MethodPost, "/api/credits/grant", body); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 outside dev mode, got %d", w.Code)
	}

	dev := newTestServer(t, true)
	for i, wantIdempotent := range []bool{false, true} {
		w := dev.do(t, http.MethodPost, "/api/credits/grant", body)
		if w.Code != http.StatusOK {
			t.Fatalf("Grant %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		res := decode[credits.GrantResult](t, w)
		if res.NewBalance != 3 || res.Idempotent != wantIdempotent {
			t.Errorf("Grant %d: unexpected result %+v", i, res)
		}
	}

	if w := dev.do(t, http.MethodPost, "/api/credits/grant", map[string]any{"userId": "u1", "amount": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative amount, got %d", w.Code)
	}
}

func TestScanRateLimited(t *testing.T) {
	ts := newTestServer(t, false)
	ts.srv.limiter = middleware.NewRateLimiter(1, 1)
	ts.router = ts.srv.routes()

	body := map[string]any{"url": "acme.test", "userId": "broke"}
	if w := ts.do(t, http.MethodPost, "/api/scan", body); w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/scan", body); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestStatistics(t *testing.T) {
	ts := newTestServer(t, false)
	ts.grant(t, "u1", 1)
	ts.do(t, http.MethodPost, "/api/scan", map[string]any{"url": "acme.test", "userId": "u1"})

	w := ts.do(t, http.MethodGet, "/api/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body struct {
		Requests map[string]any     `json:"requests"`
		Scans    stats.MonthlyStats `json:"scans"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Requests["totalRequests"] != float64(1) {
		t.Errorf("Unexpected request stats %v", body.Requests)
	}
	if body.Scans.ScansCompleted != 1 {
		t.Errorf("Expected one completed scan, got %+v", body.Scans)
	}
	if _, ok := body.Requests["popularHosts"]; ok {
		t.Error("Popular hosts must be hidden outside dev mode")
	}
}
