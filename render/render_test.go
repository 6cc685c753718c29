package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func longPage() string {
	return "<html><head><title>Acme</title></head><body><main><p>" +
		strings.Repeat("Acme fixes leaking pipes across the city every day. ", 20) +
		"</p></main></body></html>"
}

// testHTTPRenderer may reach httptest servers on loopback.
func testHTTPRenderer() *HTTPRenderer {
	return NewHTTPRenderer(Config{Timeout: 5 * time.Second, AllowPrivate: true}, quietLogger())
}

func TestContentChars(t *testing.T) {
	got := ContentChars(`<html><body><p>a b  c</p><script>var x = 1</script><style>p{}</style></body></html>`)
	if got != 3 {
		t.Errorf("Expected 3 content chars, got %d", got)
	}
}

func TestHTTPRendererRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("Unexpected User-Agent %q", ua)
		}
		_, _ = io.WriteString(w, longPage())
	}))
	defer srv.Close()

	res, err := testHTTPRenderer().Render(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.FinalURL != srv.URL+"/new" {
		t.Errorf("Expected redirect to be followed, got %s", res.FinalURL)
	}
	if res.Status != http.StatusOK || res.Renderer != ModeHTTP {
		t.Errorf("Unexpected status %d renderer %s", res.Status, res.Renderer)
	}
	if res.Performance.Source != analyzer.PerformanceHTTP || res.Performance.LoadTimeSeconds <= 0 {
		t.Errorf("Unexpected performance %+v", res.Performance)
	}
}

func TestHTTPRendererBlocked(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"ThinPage", http.StatusOK, "<html><body>Checking your browser...</body></html>"},
		{"Forbidden", http.StatusForbidden, longPage()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := testHTTPRenderer().Render(context.Background(), srv.URL)
			if !errors.Is(err, ErrBlocked) {
				t.Fatalf("Expected ErrBlocked, got %v", err)
			}
			if hits.Load() != 2 {
				t.Errorf("Expected exactly one retry, got %d requests", hits.Load())
			}
		})
	}
}

func TestHTTPRendererRetryRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = io.WriteString(w, "<html><body>one moment</body></html>")
			return
		}
		_, _ = io.WriteString(w, longPage())
	}))
	defer srv.Close()

	if _, err := testHTTPRenderer().Render(context.Background(), srv.URL); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
}

func TestHTTPRendererServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testHTTPRenderer().Render(context.Background(), srv.URL)
	if err == nil || errors.Is(err, ErrBlocked) {
		t.Fatalf("Expected a plain fetch error, got %v", err)
	}
}

type fakeRenderer struct {
	res    *Result
	err    error
	calls  int
	closed bool
}

func (f *fakeRenderer) Render(ctx context.Context, pageURL string) (*Result, error) {
	f.calls++
	return f.res, f.err
}

func (f *fakeRenderer) Close() error {
	f.closed = true
	return nil
}

func TestFallbackRenderer(t *testing.T) {
	httpResult := &Result{HTML: longPage(), Renderer: ModeHTTP}

	t.Run("FallsBackOnFailure", func(t *testing.T) {
		primary := &fakeRenderer{err: errors.New("chrome not found")}
		secondary := &fakeRenderer{res: httpResult}
		res, err := NewFallbackRenderer(primary, secondary, quietLogger()).Render(context.Background(), "https://acme.test")
		if err != nil || res != httpResult {
			t.Fatalf("Expected fallback result, got %v, %v", res, err)
		}
	})

	t.Run("BlockedIsFinal", func(t *testing.T) {
		primary := &fakeRenderer{err: ErrBlocked}
		secondary := &fakeRenderer{res: httpResult}
		_, err := NewFallbackRenderer(primary, secondary, quietLogger()).Render(context.Background(), "https://acme.test")
		if !errors.Is(err, ErrBlocked) {
			t.Fatalf("Expected ErrBlocked, got %v", err)
		}
		if secondary.calls != 0 {
			t.Error("Blocked target should not be retried over HTTP")
		}
	})

	t.Run("BothFail", func(t *testing.T) {
		primary := &fakeRenderer{err: errors.New("chrome crashed")}
		secondary := &fakeRenderer{err: errors.New("connection refused")}
		_, err := NewFallbackRenderer(primary, secondary, quietLogger()).Render(context.Background(), "https://acme.test")
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("Expected secondary error, got %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		primary, secondary := &fakeRenderer{}, &fakeRenderer{}
		if err := NewFallbackRenderer(primary, secondary, quietLogger()).Close(); err != nil {
			t.Fatal(err)
		}
		if !primary.closed || !secondary.closed {
			t.Error("Expected both renderers to be closed")
		}
	})
}

func TestProbeSiteFiles(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    analyzer.SiteFiles
	}{
		{
			name: "BothPresent",
			handler: func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/robots.txt":
					_, _ = io.WriteString(w, "User-agent: *\nDisallow:\n")
				case "/sitemap.xml":
					_, _ = io.WriteString(w, `<?xml version="1.0"?><urlset></urlset>`)
				default:
					http.NotFound(w, r)
				}
			},
			want: analyzer.SiteFiles{Checked: true, RobotsTxtFound: true, SitemapFound: true},
		},
		{
			name: "SitemapFromRobots",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/robots.txt" {
					_, _ = io.WriteString(w, "User-agent: *\nSitemap: https://cdn.acme.test/map.xml\n")
					return
				}
				http.NotFound(w, r)
			},
			want: analyzer.SiteFiles{Checked: true, RobotsTxtFound: true, SitemapFound: true},
		},
		{
			name: "CatchAllHomepage",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>home</body></html>")
			},
			want: analyzer.SiteFiles{Checked: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			got := testHTTPRenderer().ProbeSiteFiles(context.Background(), srv.URL+"/about")
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestParsePerformance(t *testing.T) {
	perf, status := parsePerformance(`{"load":1.8,"ttfb":220,"lcp":1.2,"cls":0.05,"status":200,"blocking":3}`)
	want := analyzer.Performance{
		LoadTimeSeconds:   1.8,
		BlockingResources: 3,
		LCPSeconds:        1.2,
		CLS:               0.05,
		TTFBMillis:        220,
		Source:            analyzer.PerformanceMeasured,
	}
	if perf != want || status != 200 {
		t.Errorf("Unexpected performance %+v status %d", perf, status)
	}

	if perf, _ := parsePerformance("not json"); perf != (analyzer.Performance{}) {
		t.Errorf("Expected zero performance for a broken payload, got %+v", perf)
	}
}

func TestNewModes(t *testing.T) {
	for mode, want := range map[string]string{
		ModeHTTP:    "*render.HTTPRenderer",
		ModeBrowser: "*render.BrowserRenderer",
		"":          "*render.FallbackRenderer",
	} {
		r, err := New(Config{Mode: mode}, quietLogger())
		if err != nil {
			t.Fatalf("New(%q) failed: %v", mode, err)
		}
		if got := fmt.Sprintf("%T", r); got != want {
			t.Errorf("New(%q) = %s, want %s", mode, got, want)
		}
	}
	if _, err := New(Config{Mode: "carrier-pigeon"}, quietLogger()); err == nil {
		t.Error("Expected an error for an unknown mode")
	}
}
