package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

// markHiddenJS tags headings whose computed style hides them, so the
// extractor can tell visible h1s from hidden duplicates after serialisation.
var markHiddenJS = fmt.Sprintf(`() => {
	let marked = 0;
	for (const el of document.querySelectorAll('h1,h2,h3,h4,h5,h6')) {
		const cs = getComputedStyle(el);
		const r = el.getBoundingClientRect();
		const hidden = cs.display === 'none' || cs.visibility === 'hidden' ||
			parseFloat(cs.opacity) === 0 || (r.width === 0 && r.height === 0) ||
			r.right < 0 || r.bottom < 0 || el.closest('[hidden],[aria-hidden="true"]') !== null;
		if (hidden) {
			el.setAttribute(%q, 'true');
			marked++;
		}
	}
	return marked;
}`, analyzer.HiddenMarkerAttr)

// perfJS reads navigation timing plus buffered LCP and layout-shift entries.
const perfJS = `() => new Promise(resolve => {
	const out = {load: 0, ttfb: 0, lcp: 0, cls: 0, status: 0, blocking: 0};
	const nav = performance.getEntriesByType('navigation')[0];
	if (nav) {
		out.load = (nav.loadEventEnd > 0 ? nav.loadEventEnd : performance.now()) / 1000;
		out.ttfb = nav.responseStart;
		out.status = nav.responseStatus || 0;
	}
	for (const r of performance.getEntriesByType('resource')) {
		if (r.renderBlockingStatus === 'blocking') out.blocking++;
	}
	try {
		new PerformanceObserver(list => {
			const e = list.getEntries();
			if (e.length) out.lcp = e[e.length - 1].startTime / 1000;
		}).observe({type: 'largest-contentful-paint', buffered: true});
		new PerformanceObserver(list => {
			for (const e of list.getEntries()) if (!e.hadRecentInput) out.cls += e.value;
		}).observe({type: 'layout-shift', buffered: true});
	} catch (e) {}
	setTimeout(() => resolve(JSON.stringify(out)), 150);
})`

type pagePerf struct {
	Load     float64 `json:"load"`
	TTFB     float64 `json:"ttfb"`
	LCP      float64 `json:"lcp"`
	CLS      float64 `json:"cls"`
	Status   int     `json:"status"`
	Blocking int     `json:"blocking"`
}

// parsePerformance decodes perfJS output. Unknown or broken payloads give a
// zero Performance, which leaves the extractor's estimates in place.
func parsePerformance(raw string) (analyzer.Performance, int) {
	var p pagePerf
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return analyzer.Performance{}, 0
	}
	return analyzer.Performance{
		LoadTimeSeconds:   p.Load,
		BlockingResources: p.Blocking,
		LCPSeconds:        p.LCP,
		CLS:               p.CLS,
		TTFBMillis:        p.TTFB,
		Source:            analyzer.PerformanceMeasured,
	}, p.Status
}

// BrowserRenderer renders pages in headless Chrome through rod with stealth
// evasions applied. It connects to RemoteURL when set, otherwise launches a
// local Chrome on first use.
type BrowserRenderer struct {
	cfg    Config
	logger *slog.Logger
	probes *http.Client

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewBrowserRenderer(cfg Config, logger *slog.Logger) *BrowserRenderer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserRenderer{cfg: cfg, logger: logger, probes: newHTTPClient(10*time.Second, cfg.AllowPrivate)}
}

func (r *BrowserRenderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.logger.Info("launched local chrome", "url", wsURL)
	} else {
		r.logger.Info("connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		r.cleanupLocked()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	r.browser = b
	return b, nil
}

func (r *BrowserRenderer) Render(ctx context.Context, pageURL string) (*Result, error) {
	b, err := r.connect()
	if err != nil {
		return nil, err
	}
	return renderGuarded(ctx, pageURL, r.cfg.MinContentChars, r.logger, func(ctx context.Context) (*Result, error) {
		return r.renderOnce(ctx, b, pageURL)
	})
}

func (r *BrowserRenderer) renderOnce(ctx context.Context, b *rod.Browser, pageURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	page, err := stealth.Page(b)
	if err != nil {
		r.reset()
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			r.logger.Debug("failed to close page", "error", cerr)
		}
	}()
	page = page.Context(ctx)

	var blocked atomic.Value
	if !r.cfg.AllowPrivate {
		router, err := r.guardRequests(ctx, page, &blocked)
		if err != nil {
			return nil, err
		}
		defer func() { _ = router.Stop() }()
	}

	start := time.Now()
	navErr := page.Navigate(pageURL)
	if host, ok := blocked.Load().(string); ok {
		return nil, fmt.Errorf("%w: navigation to %s", ErrPrivateAddress, host)
	}
	if navErr != nil {
		return nil, fmt.Errorf("navigate %s: %w", pageURL, navErr)
	}
	if err := page.WaitLoad(); err != nil {
		r.logger.Warn("wait load failed, using current DOM", "url", pageURL, "error", err)
	}
	elapsed := time.Since(start)

	if _, err := page.Eval(markHiddenJS); err != nil {
		r.logger.Debug("hidden heading marking failed", "url", pageURL, "error", err)
	}

	perf := analyzer.Performance{LoadTimeSeconds: elapsed.Seconds(), Source: analyzer.PerformanceMeasured}
	status := 0
	if res, err := page.Eval(perfJS); err == nil {
		measured, st := parsePerformance(res.Value.Str())
		if measured.LoadTimeSeconds > 0 {
			perf = measured
		}
		status = st
	}

	dom, err := page.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("serialise DOM: %w", err)
	}

	finalURL := pageURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	if host, ok := blocked.Load().(string); ok {
		return nil, fmt.Errorf("%w: navigation to %s", ErrPrivateAddress, host)
	}

	return &Result{
		HTML:        dom.Value.Str(),
		FinalURL:    finalURL,
		Status:      status,
		Performance: perf,
		Duration:    elapsed,
		Renderer:    ModeBrowser,
	}, nil
}

// guardRequests fails every request the page makes to a private address.
// The host of a blocked document request is stored in blocked so the
// render reports it instead of a generic navigation error.
func (r *BrowserRenderer) guardRequests(ctx context.Context, page *rod.Page, blocked *atomic.Value) (*rod.HijackRouter, error) {
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		host := h.Request.URL().Hostname()
		if resolvesPrivate(ctx, host) {
			if h.Request.Type() == proto.NetworkResourceTypeDocument {
				blocked.Store(host)
			}
			r.logger.Warn("blocked private request", "host", host, "type", h.Request.Type())
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("intercept requests: %w", err)
	}
	go router.Run()
	return router, nil
}

func (r *BrowserRenderer) ProbeSiteFiles(ctx context.Context, pageURL string) analyzer.SiteFiles {
	return probeSiteFiles(ctx, r.probes, r.cfg.UserAgent, pageURL)
}

// reset drops a browser that can no longer open pages; the next render
// reconnects.
func (r *BrowserRenderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked()
}

func (r *BrowserRenderer) cleanupLocked() {
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			r.logger.Debug("failed to close browser", "error", err)
		}
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
}

func (r *BrowserRenderer) Close() error {
	r.reset()
	r.probes.CloseIdleConnections()
	return nil
}
