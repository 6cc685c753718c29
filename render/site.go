package render

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

// probeSiteFiles checks robots.txt and the sitemap of the page's origin in
// parallel. Probe failures read as "not found"; they never fail a scan.
func probeSiteFiles(ctx context.Context, client *http.Client, userAgent, pageURL string) analyzer.SiteFiles {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return analyzer.SiteFiles{}
	}
	origin := u.Scheme + "://" + u.Host

	var (
		robotsFound  bool
		robotsMaps   []string
		sitemapFound bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, ok := probe(gctx, client, userAgent, origin+"/robots.txt", 64<<10)
		if ok && !looksLikeHTML(body) {
			robotsFound = true
			robotsMaps = sitemapDirectives(body)
		}
		return nil
	})
	g.Go(func() error {
		for _, p := range []string{"/sitemap.xml", "/sitemap_index.xml"} {
			body, ok := probe(gctx, client, userAgent, origin+p, 4<<10)
			if ok && (strings.Contains(body, "<urlset") || strings.Contains(body, "<sitemapindex")) {
				sitemapFound = true
				return nil
			}
		}
		return nil
	})
	_ = g.Wait()

	return analyzer.SiteFiles{
		Checked:        true,
		RobotsTxtFound: robotsFound,
		SitemapFound:   sitemapFound || len(robotsMaps) > 0,
	}
}

// probe GETs target and returns up to limit bytes of a 200 response.
func probe(ctx context.Context, client *http.Client, userAgent, target string, limit int64) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", false
	}
	return string(body), true
}

// looksLikeHTML catches servers that answer every path with their homepage.
func looksLikeHTML(body string) bool {
	head := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func sitemapDirectives(robots string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(robots))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			continue
		}
		if v := strings.TrimSpace(value); v != "" {
			out = append(out, v)
		}
	}
	return out
}
