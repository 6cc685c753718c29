package analyzer

import (
	"math"
	"slices"
	"testing"
)

func TestExtractEmptyPage(t *testing.T) {
	s := Extract(`<html><head></head><body></body></html>`, "https://example.com/")

	if s.MetaTitle != "" || s.MetaTitleLength != 0 {
		t.Errorf("Expected no title, got %q (%d)", s.MetaTitle, s.MetaTitleLength)
	}
	if s.MetaDescriptionLength != 0 {
		t.Errorf("Expected no description, got %d", s.MetaDescriptionLength)
	}
	if s.H1Count != 0 {
		t.Errorf("Expected 0 h1, got %d", s.H1Count)
	}
	if len(s.SchemaItems) != 0 {
		t.Errorf("Expected no schema items, got %d", len(s.SchemaItems))
	}
	if s.Performance.LoadTimeSeconds != DefaultLoadTimeSeconds || s.Performance.Source != PerformanceEstimated {
		t.Errorf("Expected estimated load time %.1f, got %.1f (%s)",
			DefaultLoadTimeSeconds, s.Performance.LoadTimeSeconds, s.Performance.Source)
	}
	if s.Content.ReadabilityScore != DefaultReadabilityScore {
		t.Errorf("Expected default readability, got %.1f", s.Content.ReadabilityScore)
	}
	if s.H1 == nil || s.OpenGraph == nil || s.SameAs == nil {
		t.Error("Expected non-nil collections")
	}
}

func TestExtractMalformedHTML(t *testing.T) {
	s := Extract(`<html><head><title>Broken <b>page</title><body><h1>Hi<p>unclosed`, "https://example.com/")
	if s.H1Count != 1 {
		t.Errorf("Expected 1 h1 from malformed markup, got %d", s.H1Count)
	}
	for _, f := range []float64{s.AltTextPercentage, s.Content.ParagraphDensity, s.Content.ReadabilityScore, s.Accessibility.Score} {
		if math.IsNaN(f) || f < 0 {
			t.Errorf("Unexpected numeric value %v", f)
		}
	}
}

func TestExtractHead(t *testing.T) {
	page := `<html lang="en"><head>
		<title>  Café   Menu  </title>
		<META NAME="Description" content="Fresh coffee daily">
		<meta name="robots" content="NOINDEX, follow">
		<meta name="viewport" content="width=device-width">
		<meta property="og:title" content="Cafe">
		<meta property="og:image" content="/og.png">
		<meta name="twitter:card" content="summary">
		<link rel="canonical" href="/menu">
	</head><body></body></html>`

	s := Extract(page, "https://example.com/menu?x=1")

	if s.MetaTitle != "Café Menu" || s.MetaTitleLength != 9 {
		t.Errorf("Expected title %q with 9 runes, got %q (%d)", "Café Menu", s.MetaTitle, s.MetaTitleLength)
	}
	if s.MetaDescription != "Fresh coffee daily" {
		t.Errorf("Expected case-insensitive description lookup, got %q", s.MetaDescription)
	}
	if s.RobotsMeta != "noindex, follow" {
		t.Errorf("Expected lower-cased robots meta, got %q", s.RobotsMeta)
	}
	if !s.HasViewport {
		t.Error("Expected viewport to be detected")
	}
	if s.Canonical != "https://example.com/menu" {
		t.Errorf("Expected resolved canonical, got %q", s.Canonical)
	}
	if s.Lang != "en" {
		t.Errorf("Expected lang en, got %q", s.Lang)
	}
	if len(s.OpenGraph) != 2 || s.OpenGraph["og:title"] != "Cafe" {
		t.Errorf("Unexpected Open Graph fields: %v", s.OpenGraph)
	}
	if s.TwitterCard["twitter:card"] != "summary" {
		t.Errorf("Unexpected Twitter fields: %v", s.TwitterCard)
	}
}

func TestExtractHiddenHeadings(t *testing.T) {
	page := `<html><body>
		<div id="hero"><h1>Visible title</h1></div>
		<h1 style="display: none">Inline hidden</h1>
		<div hidden><h1>Attribute hidden</h1></div>
		<h1 aria-hidden="true">Aria hidden</h1>
		<section><h1 data-aiv-hidden="true">Computed hidden</h1></section>
		<h1>   </h1>
		<h2>Sub</h2>
	</body></html>`

	s := Extract(page, "https://example.com/")

	if s.H1Count != 1 {
		t.Errorf("Expected 1 visible h1, got %d", s.H1Count)
	}
	if len(s.H1Evidence) != 5 {
		t.Fatalf("Expected 5 h1 evidence entries, got %d", len(s.H1Evidence))
	}
	if s.H1Evidence[0].Hidden {
		t.Error("Expected first h1 to be visible")
	}
	for _, ev := range s.H1Evidence[1:] {
		if !ev.Hidden {
			t.Errorf("Expected %q to be hidden", ev.Text)
		}
	}
	if got := s.H1Evidence[0].Selector; got != "div#hero > h1:nth-of-type(1)" {
		t.Errorf("Unexpected selector %q", got)
	}
	if got := s.H1Evidence[4].Selector; got != "body > section:nth-of-type(1) > h1:nth-of-type(1)" {
		t.Errorf("Unexpected selector %q", got)
	}
	if !slices.Equal(s.H2, []string{"Sub"}) {
		t.Errorf("Unexpected h2 list %v", s.H2)
	}
}

func TestExtractLinks(t *testing.T) {
	page := `<html><body>
		<a href="/about">About</a>
		<a href="https://example.com/contact">Contact</a>
		<a href="page.html">Relative</a>
		<a href="https://other.org/x" rel="nofollow sponsored">Other</a>
		<a href="//cdn.other.net/a">CDN</a>
		<a href="#top">Top</a>
		<a href="mailto:hello@example.com">Mail</a>
		<a href="https://www.facebook.com/acme">Facebook</a>
		<a href="https://www.facebook.com/sharer/sharer.php?u=x">Share</a>
	</body></html>`

	s := Extract(page, "https://www.example.com/")

	if s.InternalLinks != 3 {
		t.Errorf("Expected 3 internal links, got %d", s.InternalLinks)
	}
	if s.ExternalLinks != 4 {
		t.Errorf("Expected 4 external links, got %d", s.ExternalLinks)
	}
	if s.NofollowLinks != 1 {
		t.Errorf("Expected 1 nofollow link, got %d", s.NofollowLinks)
	}
	if !slices.Equal(s.SameAs, []string{"https://www.facebook.com/acme"}) {
		t.Errorf("Unexpected sameAs %v", s.SameAs)
	}
}

func TestExtractImages(t *testing.T) {
	page := `<html><body>
		<img src="/a.jpg" alt="A">
		<img src="/b.webp" alt="B">
		<img src="/hero.jpg" width="2000">
		<picture><source type="image/avif" srcset="/c.avif"><img src="/c.jpg" alt=" "></picture>
	</body></html>`

	s := Extract(page, "https://example.com/")

	if s.ImagesTotal != 4 || s.ImagesWithAlt != 2 || s.ImagesMissingAlt != 2 {
		t.Errorf("Unexpected image counts total=%d alt=%d missing=%d", s.ImagesTotal, s.ImagesWithAlt, s.ImagesMissingAlt)
	}
	if s.AltTextPercentage != 50 {
		t.Errorf("Expected 50%% alt coverage, got %.1f", s.AltTextPercentage)
	}
	if s.ModernFormatImages != 2 {
		t.Errorf("Expected 2 modern images, got %d", s.ModernFormatImages)
	}
	if s.LargeUnoptimizedImages != 1 {
		t.Errorf("Expected 1 large image, got %d", s.LargeUnoptimizedImages)
	}
}

func TestExtractBusinessInfo(t *testing.T) {
	t.Run("StructuredData", func(t *testing.T) {
		page := `<html><head><script type="application/ld+json">{
			"@context": "https://schema.org",
			"@type": "LocalBusiness",
			"name": "Acme",
			"telephone": "+1 555 0100",
			"logo": {"@type": "ImageObject", "url": "/logo.png"},
			"address": {"@type": "PostalAddress", "streetAddress": "1 Main St", "addressLocality": "Springfield"}
		}</script></head><body><a href="tel:999">Call</a></body></html>`

		b := Extract(page, "https://acme.test/").Business
		if b.Source != "json-ld" || b.Type != "LocalBusiness" {
			t.Errorf("Expected json-ld LocalBusiness, got %+v", b)
		}
		if b.Phone != "+1 555 0100" {
			t.Errorf("Expected structured phone, got %q", b.Phone)
		}
		if b.Address != "1 Main St, Springfield" {
			t.Errorf("Unexpected address %q", b.Address)
		}
		if b.Logo != "https://acme.test/logo.png" {
			t.Errorf("Unexpected logo %q", b.Logo)
		}
	})

	t.Run("PageFallback", func(t *testing.T) {
		page := `<html><body>
			<img class="site-logo" src="/img/brand.svg">
			<p>Write to <a href="mailto:info@acme.test?subject=hi">us</a></p>
			<p>Call 020 1234 5678 today.</p>
			<address>1 Main Street, Springfield</address>
		</body></html>`

		b := Extract(page, "https://acme.test/").Business
		if b.Source != "page" {
			t.Errorf("Expected page source, got %q", b.Source)
		}
		if b.Email != "info@acme.test" {
			t.Errorf("Unexpected email %q", b.Email)
		}
		if b.Phone == "" {
			t.Error("Expected a phone number from body text")
		}
		if b.Address != "1 Main Street, Springfield" {
			t.Errorf("Unexpected address %q", b.Address)
		}
		if b.Logo != "https://acme.test/img/brand.svg" {
			t.Errorf("Unexpected logo %q", b.Logo)
		}
	})
}

func TestExtractContentMetrics(t *testing.T) {
	page := `<html lang="en"><body><main>
		<h1>Guide</h1>
		<h3>Skipped a level</h3>
		<p>The cat sat on the mat. The dog ran to the park. We all had fun in the sun today.</p>
		<p>It was a good day. The kids ate cake and then they went home to rest and sleep well.</p>
		<script>var ignored = "these words do not count";</script>
	</main></body></html>`

	s := Extract(page, "https://example.com/")

	if s.Content.ParagraphCount != 2 {
		t.Errorf("Expected 2 paragraphs, got %d", s.Content.ParagraphCount)
	}
	if s.Content.HeadingHierarchyScore != 90 {
		t.Errorf("Expected hierarchy 90 for one skipped level, got %.1f", s.Content.HeadingHierarchyScore)
	}
	if s.Content.WordCount != 43 {
		t.Errorf("Expected 43 words, got %d", s.Content.WordCount)
	}
	if s.Content.ReadabilityScore < 80 {
		t.Errorf("Expected simple text to read easily, got %.1f", s.Content.ReadabilityScore)
	}
	if s.Accessibility.SemanticHTMLScore != 40 {
		t.Errorf("Expected semantic score 40 (main + lang), got %.1f", s.Accessibility.SemanticHTMLScore)
	}
}

func TestExtractAccessibilityAndResources(t *testing.T) {
	page := `<html><head>
		<link rel="stylesheet" href="/a.css">
		<link rel="stylesheet" href="/print.css" media="print">
		<script src="/app.js"></script>
		<script src="/defer.js" defer></script>
	</head><body>
		<button></button>
		<a href="/x"><img src="/i.png" alt="Home"></a>
		<a href="/y"></a>
		<label for="email">Email</label><input id="email">
		<input type="text">
		<input type="hidden" name="csrf">
		<label>Name <input name="name"></label>
		<script src="/footer.js"></script>
	</body></html>`

	s := Extract(page, "https://example.com/")

	if s.Accessibility.MissingAriaLabels != 3 {
		t.Errorf("Expected 3 unlabelled controls, got %d", s.Accessibility.MissingAriaLabels)
	}
	// 100 - 10 (no lang) - 0 (alt ok) - 12 (3 aria) - 5 (no main)
	if s.Accessibility.Score != 73 {
		t.Errorf("Expected accessibility estimate 73, got %.1f", s.Accessibility.Score)
	}
	if s.Performance.CSSFiles != 2 || s.Performance.JSFiles != 3 {
		t.Errorf("Unexpected resource counts css=%d js=%d", s.Performance.CSSFiles, s.Performance.JSFiles)
	}
	if s.Performance.BlockingResources != 2 {
		t.Errorf("Expected 2 blocking resources, got %d", s.Performance.BlockingResources)
	}
}

func TestNormalizedRepairsInvalidNumbers(t *testing.T) {
	s := SeoSignals{
		MetaTitleLength:   -4,
		ImagesTotal:       2,
		ImagesWithAlt:     5,
		AltTextPercentage: math.NaN(),
		Content: ContentMetrics{
			ReadabilityScore:      math.Inf(1),
			HeadingHierarchyScore: 250,
		},
		Accessibility: AccessibilityMetrics{Score: -1},
		Performance:   Performance{LoadTimeSeconds: math.NaN(), Source: PerformanceMeasured},
	}.Normalized()

	if s.MetaTitleLength != 0 {
		t.Errorf("Expected clamped title length, got %d", s.MetaTitleLength)
	}
	if s.ImagesWithAlt != 2 || s.ImagesMissingAlt != 0 {
		t.Errorf("Expected alt count capped at total, got %d/%d", s.ImagesWithAlt, s.ImagesMissingAlt)
	}
	if s.AltTextPercentage != 0 {
		t.Errorf("Expected NaN alt percentage replaced, got %v", s.AltTextPercentage)
	}
	if s.Content.ReadabilityScore != DefaultReadabilityScore {
		t.Errorf("Expected default readability, got %v", s.Content.ReadabilityScore)
	}
	if s.Content.HeadingHierarchyScore != 100 {
		t.Errorf("Expected hierarchy clamped to 100, got %v", s.Content.HeadingHierarchyScore)
	}
	if s.Accessibility.Score != DefaultAccessibilityScore {
		t.Errorf("Expected default accessibility, got %v", s.Accessibility.Score)
	}
	if s.Performance.LoadTimeSeconds != DefaultLoadTimeSeconds || s.Performance.Source != PerformanceEstimated {
		t.Errorf("Expected estimated load time, got %v (%s)", s.Performance.LoadTimeSeconds, s.Performance.Source)
	}
}

func TestWithPerformance(t *testing.T) {
	base := DefaultSignals("https://example.com/")
	base.Performance.BlockingResources = 7

	measured := base.WithPerformance(Performance{LoadTimeSeconds: 1.2, BlockingResources: 1, Source: PerformanceMeasured})
	if measured.Performance.LoadTimeSeconds != 1.2 || measured.Performance.BlockingResources != 1 {
		t.Errorf("Expected measured figures, got %+v", measured.Performance)
	}

	timed := base.WithPerformance(Performance{LoadTimeSeconds: 0.8, BlockingResources: 1, Source: PerformanceHTTP})
	if timed.Performance.BlockingResources != 7 {
		t.Errorf("Expected static blocking count to survive an HTTP timing, got %d", timed.Performance.BlockingResources)
	}
	if timed.Performance.Source != PerformanceHTTP {
		t.Errorf("Expected http source, got %s", timed.Performance.Source)
	}

	none := base.WithPerformance(Performance{})
	if none.Performance.LoadTimeSeconds != DefaultLoadTimeSeconds {
		t.Errorf("Expected default load time, got %v", none.Performance.LoadTimeSeconds)
	}
}
