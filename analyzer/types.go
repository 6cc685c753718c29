package analyzer

// SeoSignals is the flat record of facts extracted from one rendered page.
// Every numeric field is finite and non-negative once it has passed through
// Normalized, which Extract always applies.
type SeoSignals struct {
	URL      string `json:"url"`
	FinalURL string `json:"final_url"`

	MetaTitle             string `json:"meta_title"`
	MetaTitleLength       int    `json:"meta_title_length"`
	MetaDescription       string `json:"meta_description"`
	MetaDescriptionLength int    `json:"meta_description_length"`
	Canonical             string `json:"canonical"`
	RobotsMeta            string `json:"robots_meta"`
	Lang                  string `json:"lang"`
	HasViewport           bool   `json:"has_viewport"`

	H1         []string          `json:"h1"`
	H2         []string          `json:"h2"`
	H1Evidence []HeadingEvidence `json:"h1_evidence"`
	// H1Count counts visible h1 elements only; hidden duplicates stay in H1Evidence.
	H1Count int `json:"h1_count"`

	ImagesTotal            int     `json:"images_total"`
	ImagesWithAlt          int     `json:"images_with_alt"`
	ImagesMissingAlt       int     `json:"images_missing_alt"`
	AltTextPercentage      float64 `json:"alt_text_percentage"`
	ModernFormatImages     int     `json:"modern_format_images"`
	LargeUnoptimizedImages int     `json:"large_unoptimized_images"`

	InternalLinks int `json:"internal_links"`
	ExternalLinks int `json:"external_links"`
	NofollowLinks int `json:"nofollow_links"`

	OpenGraph   map[string]string `json:"open_graph"`
	TwitterCard map[string]string `json:"twitter_card"`
	SameAs      []string          `json:"same_as"`

	Business    BusinessInfo `json:"business"`
	SchemaItems []SchemaItem `json:"schema_items"`

	Content       ContentMetrics       `json:"content"`
	Accessibility AccessibilityMetrics `json:"accessibility"`
	Performance   Performance          `json:"performance"`
	Site          SiteFiles            `json:"site"`
}

type HeadingEvidence struct {
	Text     string `json:"text"`
	Selector string `json:"selector"`
	Hidden   bool   `json:"hidden"`
}

type BusinessInfo struct {
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
	Logo    string `json:"logo"`
	Type    string `json:"type"`
	// Source is "json-ld", "page" or empty when nothing was found.
	Source string `json:"source"`
}

// SchemaItem is one parsed JSON-LD node.
type SchemaItem struct {
	Types    []string       `json:"types"`
	Errors   []Issue        `json:"errors"`
	Warnings []Issue        `json:"warnings"`
	Raw      map[string]any `json:"raw"`
}

type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type ContentMetrics struct {
	WordCount             int     `json:"word_count"`
	ParagraphCount        int     `json:"paragraph_count"`
	ParagraphDensity      float64 `json:"paragraph_density"`
	HeadingHierarchyScore float64 `json:"heading_hierarchy_score"`
	ReadabilityScore      float64 `json:"readability_score"`
}

type AccessibilityMetrics struct {
	Score             float64 `json:"score"`
	SemanticHTMLScore float64 `json:"semantic_html_score"`
	MissingAriaLabels int     `json:"missing_aria_labels"`
}

// Performance holds page speed figures. Source tells whether they were
// measured by the browser, timed over plain HTTP, or estimated.
type Performance struct {
	LoadTimeSeconds   float64 `json:"load_time_seconds"`
	BlockingResources int     `json:"blocking_resources"`
	CSSFiles          int     `json:"css_files"`
	JSFiles           int     `json:"js_files"`
	LCPSeconds        float64 `json:"lcp_seconds"`
	CLS               float64 `json:"cls"`
	TTFBMillis        float64 `json:"ttfb_millis"`
	Source            string  `json:"source"`
}

type SiteFiles struct {
	Checked        bool `json:"checked"`
	RobotsTxtFound bool `json:"robots_txt_found"`
	SitemapFound   bool `json:"sitemap_found"`
}

// Classification is the display-oriented summary of the JSON-LD on a page.
type Classification struct {
	Count             int      `json:"count"`
	Types             []string `json:"types"`
	HasOrganization   bool     `json:"hasOrganization"`
	HasWebSite        bool     `json:"hasWebSite"`
	HasLocalBusiness  bool     `json:"hasLocalBusiness"`
	HasBreadcrumb     bool     `json:"hasBreadcrumb"`
	HasStructuredData bool     `json:"hasStructuredData"`
}

const (
	PerformanceMeasured  = "browser"
	PerformanceHTTP      = "http"
	PerformanceEstimated = "estimate"
)
