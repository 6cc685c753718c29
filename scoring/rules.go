package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

type tally struct {
	score  int
	notes  []string
	impact []string
}

func (t *tally) apply(delta int, note, impact string) {
	t.score += delta
	if note != "" {
		t.notes = append(t.notes, note)
	}
	if impact != "" {
		t.impact = append(t.impact, impact)
	}
}

func (t *tally) result() SubScoreResult {
	r := SubScoreResult{Score: clamp(t.score), Notes: t.notes, AIVisibilityImpact: t.impact}
	if r.Notes == nil {
		r.Notes = []string{}
	}
	if r.AIVisibilityImpact == nil {
		r.AIVisibilityImpact = []string{}
	}
	return r
}

type schemaRule struct {
	types  []string
	points int
	note   string
	impact string
}

// Each rule scores once, however many matching types the page carries.
var schemaRules = []schemaRule{
	{[]string{"WebSite"}, 3, "WebSite schema present",
		"Helps ChatGPT and Perplexity tie pages to a single named site."},
	{[]string{"Organization", "LocalBusiness"}, 12, "Organization or LocalBusiness schema present",
		"AI assistants can cite the business name, contact details and brand with confidence."},
	{[]string{"PostalAddress"}, 3, "Postal address marked up",
		"Voice assistants can answer \"where is it\" questions directly."},
	{[]string{"OpeningHours"}, 5, "Opening hours marked up",
		"Voice assistants can answer \"is it open now\" without guessing."},
	{[]string{"FAQPage"}, 18, "FAQPage schema present",
		"Question and answer pairs are lifted verbatim into ChatGPT and Perplexity answers."},
	{[]string{"HowTo"}, 18, "HowTo schema present",
		"Step-by-step markup lets assistants quote ordered instructions."},
	{[]string{"Article", "BlogPosting", "NewsArticle"}, 15, "Article schema present",
		"Authorship and dates make the content citable as a source."},
	{[]string{"Product", "Service"}, 15, "Product or Service schema present",
		"Shopping and comparison answers can reference the offering by name."},
	{[]string{"Review", "AggregateRating"}, 20, "Review or rating schema present",
		"Ratings are a strong trust signal when assistants recommend providers."},
	{[]string{"Event", "Offer"}, 15, "Event or Offer schema present",
		"Time-bound details can surface in assistant answers about what is on."},
	{[]string{"SpeakableSpecification"}, 20, "Speakable sections defined",
		"Voice assistants know exactly which passages to read aloud."},
	{[]string{"SoftwareApplication", "WebApplication"}, 25, "Software application schema present",
		"Assistants can describe the app, its platform and its price."},
	{[]string{"Course", "CreativeWork", "ProfessionalService"}, 22, "Course, CreativeWork or ProfessionalService schema present",
		"Specialised types let AI systems classify the expertise on offer."},
	{[]string{"BreadcrumbList"}, 12, "Breadcrumbs marked up",
		"Crawler bots understand where the page sits in the site."},
	{[]string{"SiteNavigationElement"}, 10, "Site navigation marked up",
		"Crawler bots can discover key sections without guessing."},
	{[]string{"SearchAction"}, 8, "Sitelinks search action defined",
		"Assistants can hand users straight to on-site search."},
}

// ScoreSchema credits structured data features and penalises validation
// issues. A page with no JSON-LD at all earns nothing.
func ScoreSchema(items []analyzer.SchemaItem) SubScoreResult {
	var t tally
	if len(items) == 0 {
		t.apply(0, "No structured data found",
			"Without JSON-LD, ChatGPT and Perplexity must infer what this business is from prose alone.")
		return t.result()
	}

	features := analyzer.SchemaFeatures(items)
	for _, rule := range schemaRules {
		for _, typ := range rule.types {
			if features[typ] {
				t.apply(rule.points, rule.note, rule.impact)
				break
			}
		}
	}

	errors, warnings := analyzer.SchemaIssueCounts(items)
	if errors == 0 {
		t.apply(15, "Structured data has no validation errors", "")
	} else {
		t.apply(-min(30, errors*5), fmt.Sprintf("%d structured data error(s)", errors),
			"Invalid markup is ignored by crawler bots, so the effort is wasted.")
	}
	if warnings == 0 {
		t.apply(3, "", "")
	} else {
		t.apply(-min(10, ceilDiv(warnings, 3)*3), fmt.Sprintf("%d structured data warning(s)", warnings), "")
	}
	return t.result()
}

func ScorePerformance(s analyzer.SeoSignals) SubScoreResult {
	t := tally{score: 100}
	p := s.Performance

	switch {
	case p.LoadTimeSeconds <= 2.5:
	case p.LoadTimeSeconds <= 4.0:
		t.apply(-15, fmt.Sprintf("Load time %.1fs is above 2.5s", p.LoadTimeSeconds),
			"Slow pages are crawled less often by AI crawler bots.")
	default:
		t.apply(-30, fmt.Sprintf("Load time %.1fs is above 4s", p.LoadTimeSeconds),
			"Crawler bots with tight time budgets may give up before the content renders.")
	}

	switch {
	case p.BlockingResources <= 2:
	case p.BlockingResources <= 5:
		t.apply(-10, fmt.Sprintf("%d render-blocking resources", p.BlockingResources),
			"Blocking resources delay the content AI crawlers need to read.")
	default:
		t.apply(-20, fmt.Sprintf("%d render-blocking resources", p.BlockingResources),
			"Heavy blocking resources can leave headless crawlers with an empty page.")
	}

	if total := p.CSSFiles + p.JSFiles; total > 13 {
		t.apply(-min(15, ((total-13)/2)*3), fmt.Sprintf("%d CSS and JS files requested", total),
			"Many requests slow rendering for JavaScript-executing crawlers.")
	}
	return t.result()
}

func ScoreContent(s analyzer.SeoSignals) SubScoreResult {
	t := tally{score: 100}
	c := s.Content

	switch {
	case c.HeadingHierarchyScore >= 90:
	case c.HeadingHierarchyScore >= 70:
		t.apply(-10, "Heading hierarchy has gaps",
			"Assistants use headings to split answers; gaps blur the outline.")
	default:
		t.apply(-25, "Heading hierarchy is poorly structured",
			"Without a clear outline, ChatGPT struggles to find the section that answers a question.")
	}

	switch {
	case c.WordCount >= 1000:
	case c.WordCount >= 500:
		t.apply(-5, fmt.Sprintf("%d words of content", c.WordCount), "")
	case c.WordCount >= 300:
		t.apply(-15, fmt.Sprintf("Only %d words of content", c.WordCount),
			"Thin pages give Perplexity little to quote.")
	default:
		t.apply(-30, fmt.Sprintf("Only %d words of content", c.WordCount),
			"Very thin pages are rarely cited by AI assistants.")
	}

	switch {
	case c.ReadabilityScore >= 80:
	case c.ReadabilityScore >= 60:
		t.apply(-8, fmt.Sprintf("Readability %.0f could be simpler", c.ReadabilityScore), "")
	default:
		t.apply(-15, fmt.Sprintf("Readability %.0f is hard going", c.ReadabilityScore),
			"Dense prose is summarised less accurately by voice assistants.")
	}

	if c.ParagraphDensity <= 20 || c.ParagraphDensity > 150 {
		t.apply(-10, fmt.Sprintf("Average paragraph length of %.0f words is outside 20-150", c.ParagraphDensity),
			"Well-sized paragraphs are easier for AI systems to extract as self-contained answers.")
	}
	return t.result()
}

func ScoreImages(s analyzer.SeoSignals) SubScoreResult {
	if s.ImagesTotal == 0 {
		t := tally{score: 80}
		t.apply(0, "No images found", "Images with descriptive alt text give multimodal assistants more context.")
		return t.result()
	}

	t := tally{score: 100}
	switch alt := s.AltTextPercentage; {
	case alt >= 95:
	case alt >= 80:
		t.apply(-10, fmt.Sprintf("%.0f%% of images have alt text", alt), "")
	case alt >= 50:
		t.apply(-20, fmt.Sprintf("Only %.0f%% of images have alt text", alt),
			"AI systems cannot see images; missing alt text hides what they show.")
	default:
		t.apply(-35, fmt.Sprintf("Only %.0f%% of images have alt text", alt),
			"Most images are invisible to AI crawlers without alt text.")
	}

	if s.ImagesTotal > 5 && float64(s.ModernFormatImages)/float64(s.ImagesTotal) < 0.3 {
		t.apply(-10, "Few images use WebP or AVIF", "Heavier images slow down crawlers that render pages.")
	}
	if s.LargeUnoptimizedImages > 3 {
		t.apply(-8, fmt.Sprintf("%d large unoptimised images", s.LargeUnoptimizedImages), "")
	}
	return t.result()
}

func ScoreAccessibility(s analyzer.SeoSignals) SubScoreResult {
	a := s.Accessibility
	t := tally{score: int(math.Round(a.Score))}

	switch {
	case a.SemanticHTMLScore >= 80:
	case a.SemanticHTMLScore >= 50:
		t.apply(-5, "Some semantic HTML landmarks are missing", "")
	default:
		t.apply(-15, "Page relies on generic markup instead of semantic landmarks",
			"Landmarks like main and nav tell AI crawlers which content matters.")
	}

	switch {
	case a.MissingAriaLabels == 0:
	case a.MissingAriaLabels <= 3:
		t.apply(-5, fmt.Sprintf("%d controls without accessible labels", a.MissingAriaLabels), "")
	default:
		t.apply(-12, fmt.Sprintf("%d controls without accessible labels", a.MissingAriaLabels),
			"Unlabelled controls are opaque to voice assistants and agentic browsers.")
	}
	return t.result()
}

var openGraphFields = []string{"og:title", "og:description", "og:image", "og:url"}

// ScoreTechnicalSEO is additive from zero; penalties cannot push it below 0.
func ScoreTechnicalSEO(s analyzer.SeoSignals) SubScoreResult {
	var t tally

	switch {
	case s.MetaTitleLength >= 30 && s.MetaTitleLength <= 60:
		t.apply(8, "Title length is optimal", "")
	case s.MetaTitleLength > 0:
		t.apply(4, fmt.Sprintf("Title is %d characters; aim for 30-60", s.MetaTitleLength), "")
	default:
		t.apply(-5, "Missing title tag", "The title is the first thing ChatGPT shows when citing a page.")
	}

	switch {
	case s.MetaDescriptionLength >= 120 && s.MetaDescriptionLength <= 160:
		t.apply(7, "Meta description length is optimal", "")
	case s.MetaDescriptionLength > 0:
		t.apply(4, fmt.Sprintf("Meta description is %d characters; aim for 120-160", s.MetaDescriptionLength), "")
	default:
		t.apply(-3, "Missing meta description", "Assistants fall back to guessing a summary of the page.")
	}

	switch {
	case s.H1Count == 1:
		t.apply(6, "Single H1 heading", "")
	case s.H1Count > 1:
		t.apply(2, fmt.Sprintf("%d visible H1 headings", s.H1Count), "Several H1s make the page topic ambiguous to AI systems.")
	default:
		t.apply(-4, "No visible H1 heading", "Without an H1, crawlers have no clear statement of the page topic.")
	}

	for _, field := range openGraphFields {
		if s.OpenGraph[field] != "" {
			t.apply(2, "", "")
		} else {
			t.notes = append(t.notes, "Missing "+field)
		}
	}
	if s.TwitterCard["twitter:card"] != "" {
		t.apply(4, "", "")
	} else {
		t.notes = append(t.notes, "Missing twitter:card")
	}

	if s.Site.RobotsTxtFound {
		t.apply(2, "", "")
	} else if s.Site.Checked {
		t.apply(0, "robots.txt not found", "Crawler bots look for robots.txt to learn what they may read.")
	}
	if s.Site.SitemapFound {
		t.apply(3, "", "")
	} else if s.Site.Checked {
		t.apply(0, "sitemap.xml not found", "")
	}

	if strings.Contains(s.RobotsMeta, "noindex") {
		t.apply(-10, "Page is marked noindex", "noindex asks search and AI crawlers to leave the page out entirely.")
	}
	return t.result()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
