package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

// DefaultUserAgent identifies the auditor to target sites.
const DefaultUserAgent = "Mozilla/5.0 (compatible; AIVisibilityAudit/1.0; +https://seo-optimizer.dev/bot)"

const maxBodyBytes = 8 << 20

// newHTTPClient returns a pooled client shared by page fetches and probes.
// Unless allowPrivate is set, every dial and redirect is refused when it
// targets a private address. The guarded client ignores proxy settings so
// the check sees the real destination.
func newHTTPClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if !allowPrivate {
		dialer.Control = dialControl
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: checkRedirect(allowPrivate),
	}
}

// HTTPRenderer fetches raw server HTML without executing scripts. Load time
// is the wall-clock fetch duration.
type HTTPRenderer struct {
	client    *http.Client
	userAgent string
	minChars  int
	logger    *slog.Logger
}

func NewHTTPRenderer(cfg Config, logger *slog.Logger) *HTTPRenderer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRenderer{
		client:    newHTTPClient(cfg.Timeout, cfg.AllowPrivate),
		userAgent: cfg.UserAgent,
		minChars:  cfg.MinContentChars,
		logger:    logger,
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, pageURL string) (*Result, error) {
	return renderGuarded(ctx, pageURL, r.minChars, r.logger, func(ctx context.Context) (*Result, error) {
		return r.fetch(ctx, pageURL)
	})
}

func (r *HTTPRenderer) fetch(ctx context.Context, pageURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	ttfb := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	elapsed := time.Since(start)

	res := &Result{
		HTML:     string(body),
		FinalURL: resp.Request.URL.String(),
		Status:   resp.StatusCode,
		Duration: elapsed,
		Renderer: ModeHTTP,
		Performance: analyzer.Performance{
			LoadTimeSeconds: elapsed.Seconds(),
			TTFBMillis:      float64(ttfb.Milliseconds()),
			Source:          analyzer.PerformanceHTTP,
		},
	}
	if resp.StatusCode >= 400 && !slices.Contains(blockedStatuses, resp.StatusCode) {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", pageURL, resp.StatusCode)
	}
	return res, nil
}

func (r *HTTPRenderer) ProbeSiteFiles(ctx context.Context, pageURL string) analyzer.SiteFiles {
	return probeSiteFiles(ctx, r.client, r.userAgent, pageURL)
}

func (r *HTTPRenderer) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
