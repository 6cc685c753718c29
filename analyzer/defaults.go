package analyzer

import "math"

// Neutral defaults substituted whenever a figure is missing or not a finite,
// non-negative number.
const (
	// DefaultLoadTimeSeconds is deliberately pessimistic: an unmeasured page
	// is scored as if it loaded slowly.
	DefaultLoadTimeSeconds      = 4.5
	DefaultReadabilityScore     = 60.0
	DefaultAccessibilityScore   = 70.0
	DefaultHeadingHierarchy     = 60.0
	minWordsForReadabilityScore = 30
)

// DefaultSignals is the all-defaults record used when a page could not be
// fetched or parsed at all.
func DefaultSignals(pageURL string) SeoSignals {
	s := SeoSignals{
		URL:      pageURL,
		FinalURL: pageURL,
		Content: ContentMetrics{
			HeadingHierarchyScore: DefaultHeadingHierarchy,
			ReadabilityScore:      DefaultReadabilityScore,
		},
		Accessibility: AccessibilityMetrics{
			Score: DefaultAccessibilityScore,
		},
		Performance: Performance{
			LoadTimeSeconds: DefaultLoadTimeSeconds,
			Source:          PerformanceEstimated,
		},
	}
	return s.Normalized()
}

// Normalized returns a copy in which every numeric field is finite and
// non-negative, percentages and scores lie in [0,100], and collections are
// non-nil. It is the single coercion point between extraction and scoring.
func (s SeoSignals) Normalized() SeoSignals {
	s.MetaTitleLength = nonNegative(s.MetaTitleLength)
	s.MetaDescriptionLength = nonNegative(s.MetaDescriptionLength)
	s.H1Count = nonNegative(s.H1Count)

	s.ImagesTotal = nonNegative(s.ImagesTotal)
	s.ImagesWithAlt = min(nonNegative(s.ImagesWithAlt), s.ImagesTotal)
	s.ImagesMissingAlt = s.ImagesTotal - s.ImagesWithAlt
	s.AltTextPercentage = percent(s.AltTextPercentage, 0)
	s.ModernFormatImages = min(nonNegative(s.ModernFormatImages), s.ImagesTotal)
	s.LargeUnoptimizedImages = nonNegative(s.LargeUnoptimizedImages)

	s.InternalLinks = nonNegative(s.InternalLinks)
	s.ExternalLinks = nonNegative(s.ExternalLinks)
	s.NofollowLinks = nonNegative(s.NofollowLinks)

	c := &s.Content
	c.WordCount = nonNegative(c.WordCount)
	c.ParagraphCount = nonNegative(c.ParagraphCount)
	c.ParagraphDensity = finiteOr(c.ParagraphDensity, 0)
	c.HeadingHierarchyScore = percent(c.HeadingHierarchyScore, DefaultHeadingHierarchy)
	c.ReadabilityScore = percent(c.ReadabilityScore, DefaultReadabilityScore)

	a := &s.Accessibility
	a.Score = percent(a.Score, DefaultAccessibilityScore)
	a.SemanticHTMLScore = percent(a.SemanticHTMLScore, 0)
	a.MissingAriaLabels = nonNegative(a.MissingAriaLabels)

	p := &s.Performance
	if p.LoadTimeSeconds <= 0 || !isFinite(p.LoadTimeSeconds) {
		p.LoadTimeSeconds = DefaultLoadTimeSeconds
		p.Source = PerformanceEstimated
	}
	p.BlockingResources = nonNegative(p.BlockingResources)
	p.CSSFiles = nonNegative(p.CSSFiles)
	p.JSFiles = nonNegative(p.JSFiles)
	p.LCPSeconds = finiteOr(p.LCPSeconds, 0)
	p.CLS = finiteOr(p.CLS, 0)
	p.TTFBMillis = finiteOr(p.TTFBMillis, 0)
	if p.Source == "" {
		p.Source = PerformanceEstimated
	}

	if s.H1 == nil {
		s.H1 = []string{}
	}
	if s.H2 == nil {
		s.H2 = []string{}
	}
	if s.H1Evidence == nil {
		s.H1Evidence = []HeadingEvidence{}
	}
	if s.OpenGraph == nil {
		s.OpenGraph = map[string]string{}
	}
	if s.TwitterCard == nil {
		s.TwitterCard = map[string]string{}
	}
	if s.SameAs == nil {
		s.SameAs = []string{}
	}
	if s.SchemaItems == nil {
		s.SchemaItems = []SchemaItem{}
	}
	return s
}

// WithPerformance overlays measured figures on the extractor's estimates.
// Zero or invalid measurements leave the estimate in place.
func (s SeoSignals) WithPerformance(m Performance) SeoSignals {
	p := s.Performance
	if m.LoadTimeSeconds > 0 && isFinite(m.LoadTimeSeconds) {
		p.LoadTimeSeconds = m.LoadTimeSeconds
		p.Source = m.Source
	}
	if m.Source == PerformanceMeasured && m.BlockingResources > 0 {
		p.BlockingResources = m.BlockingResources
	}
	if m.LCPSeconds > 0 {
		p.LCPSeconds = m.LCPSeconds
	}
	if m.CLS > 0 {
		p.CLS = m.CLS
	}
	if m.TTFBMillis > 0 {
		p.TTFBMillis = m.TTFBMillis
	}
	s.Performance = p
	return s.Normalized()
}

func (s SeoSignals) WithSiteFiles(f SiteFiles) SeoSignals {
	f.Checked = true
	s.Site = f
	return s
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteOr(f, def float64) float64 {
	if !isFinite(f) || f < 0 {
		return def
	}
	return f
}

func percent(f, def float64) float64 {
	if !isFinite(f) || f < 0 {
		return def
	}
	return math.Min(f, 100)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
