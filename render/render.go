// Package render fetches a page the way a visitor would see it, either with
// a headless browser or over plain HTTP, and detects bot-protection walls.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

// ErrBlocked means the target served too little content to analyse, twice.
var ErrBlocked = errors.New("render: target blocked or empty")

// DefaultMinContentChars is the visible-text floor below which a render is
// treated as a bot wall.
const DefaultMinContentChars = 500

const (
	ModeAuto    = "auto"
	ModeBrowser = "browser"
	ModeHTTP    = "http"
)

// Result is one rendered page.
type Result struct {
	HTML        string
	FinalURL    string
	Status      int
	Performance analyzer.Performance
	Duration    time.Duration
	// Renderer is "browser" or "http".
	Renderer string
}

// Renderer turns a URL into rendered HTML.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (*Result, error)
	Close() error
}

type Config struct {
	Mode            string
	RemoteURL       string
	Timeout         time.Duration
	MinContentChars int
	UserAgent       string
	// AllowPrivate lets fetches reach loopback and private networks.
	AllowPrivate bool
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinContentChars <= 0 {
		c.MinContentChars = DefaultMinContentChars
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// New builds the renderer for cfg.Mode. The browser is launched lazily on
// the first render.
func New(cfg Config, logger *slog.Logger) (Renderer, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case ModeHTTP:
		return NewHTTPRenderer(cfg, logger), nil
	case ModeBrowser:
		return NewBrowserRenderer(cfg, logger), nil
	case ModeAuto:
		return NewFallbackRenderer(NewBrowserRenderer(cfg, logger), NewHTTPRenderer(cfg, logger), logger), nil
	default:
		return nil, fmt.Errorf("render: unknown mode %q", cfg.Mode)
	}
}

// ContentChars counts non-whitespace characters of the page's visible text.
func ContentChars(htmlText string) int {
	n := 0
	for _, r := range analyzer.VisibleText(htmlText) {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// blockedStatuses are answers bot walls commonly give instead of content.
var blockedStatuses = []int{401, 403, 429, 503}

func looksBlocked(res *Result, minChars int) bool {
	return slices.Contains(blockedStatuses, res.Status) || ContentChars(res.HTML) < minChars
}

// renderGuarded runs once, retries a single time when the page looks like a
// bot wall, and reports ErrBlocked if the retry looks the same.
func renderGuarded(ctx context.Context, pageURL string, minChars int, logger *slog.Logger, once func(context.Context) (*Result, error)) (*Result, error) {
	res, err := once(ctx)
	if err != nil {
		return nil, err
	}
	if !looksBlocked(res, minChars) {
		return res, nil
	}

	logger.Info("thin or blocked page, retrying", "url", pageURL, "status", res.Status, "renderer", res.Renderer)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err = once(ctx)
	if err != nil {
		return nil, err
	}
	if looksBlocked(res, minChars) {
		logger.Info("target blocked", "url", pageURL, "status", res.Status, "renderer", res.Renderer)
		return nil, fmt.Errorf("%w: %s (status %d)", ErrBlocked, pageURL, res.Status)
	}
	return res, nil
}

// FallbackRenderer tries Primary and falls back to Secondary on any failure
// other than a blocked target, a private address or a cancelled context.
type FallbackRenderer struct {
	Primary   Renderer
	Secondary Renderer
	logger    *slog.Logger
}

func NewFallbackRenderer(primary, secondary Renderer, logger *slog.Logger) *FallbackRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRenderer{Primary: primary, Secondary: secondary, logger: logger}
}

func (f *FallbackRenderer) Render(ctx context.Context, pageURL string) (*Result, error) {
	res, err := f.Primary.Render(ctx, pageURL)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrBlocked) || errors.Is(err, ErrPrivateAddress) || ctx.Err() != nil {
		return nil, err
	}
	f.logger.Warn("primary renderer failed, falling back", "url", pageURL, "error", err)
	res, ferr := f.Secondary.Render(ctx, pageURL)
	if ferr != nil {
		return nil, fmt.Errorf("render %s: %w (after primary failure: %v)", pageURL, ferr, err)
	}
	return res, nil
}

func (f *FallbackRenderer) Close() error {
	return errors.Join(f.Primary.Close(), f.Secondary.Close())
}

// SiteProber is implemented by renderers that can check robots.txt and
// the sitemap for a site.
type SiteProber interface {
	ProbeSiteFiles(ctx context.Context, pageURL string) analyzer.SiteFiles
}

func (f *FallbackRenderer) ProbeSiteFiles(ctx context.Context, pageURL string) analyzer.SiteFiles {
	if p, ok := f.Secondary.(SiteProber); ok {
		return p.ProbeSiteFiles(ctx, pageURL)
	}
	if p, ok := f.Primary.(SiteProber); ok {
		return p.ProbeSiteFiles(ctx, pageURL)
	}
	return analyzer.SiteFiles{}
}
