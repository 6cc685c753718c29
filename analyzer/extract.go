package analyzer

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HiddenMarkerAttr is set by the headless renderer on elements whose computed
// style hides them, so stylesheet-driven hiding survives serialisation.
const HiddenMarkerAttr = "data-aiv-hidden"

// Extract parses a rendered HTML document into SeoSignals. It never fails:
// anything missing from the page takes its documented default.
func Extract(htmlText, finalURL string) SeoSignals {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return DefaultSignals(finalURL)
	}

	base, _ := url.Parse(finalURL)
	s := SeoSignals{URL: finalURL, FinalURL: finalURL}

	analyzeHead(doc, base, &s)
	analyzeHeadings(doc, &s)
	analyzeLinks(doc, base, &s)
	analyzeImages(doc, &s)

	var scripts []string
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if typ, _ := sel.Attr("type"); strings.EqualFold(strings.TrimSpace(typ), "application/ld+json") {
			scripts = append(scripts, sel.Text())
		}
	})
	s.SchemaItems = ParseJSONLD(scripts)
	s.SameAs = mergeUnique(s.SameAs, schemaSameAs(s.SchemaItems))

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	bodyText := textOf(body)

	s.Business = extractBusiness(doc, s.SchemaItems, bodyText, base)
	s.Content = analyzeContent(doc, bodyText, s.H1Count)
	s.Accessibility = analyzeAccessibility(doc, s.ImagesMissingAlt)
	s.Performance = analyzeResources(doc)

	return s.Normalized()
}

// VisibleText returns the whitespace-collapsed text a reader would see in the
// body of the document.
func VisibleText(htmlText string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return ""
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return textOf(body)
}

func analyzeHead(doc *goquery.Document, base *url.URL, s *SeoSignals) {
	title := doc.Find("head title").First()
	if title.Length() == 0 {
		title = doc.Find("title").First()
	}
	s.MetaTitle = normalizeSpace(title.Text())
	s.MetaTitleLength = utf8.RuneCountInString(s.MetaTitle)

	s.OpenGraph = map[string]string{}
	s.TwitterCard = map[string]string{}

	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		name := strings.ToLower(strings.TrimSpace(sel.AttrOr("name", "")))
		prop := strings.ToLower(strings.TrimSpace(sel.AttrOr("property", "")))
		content := strings.TrimSpace(sel.AttrOr("content", ""))

		switch {
		case name == "description" && s.MetaDescription == "":
			s.MetaDescription = normalizeSpace(content)
		case name == "robots" && s.RobotsMeta == "":
			s.RobotsMeta = strings.ToLower(content)
		case name == "viewport":
			s.HasViewport = true
		}

		if strings.HasPrefix(prop, "og:") && content != "" {
			if _, ok := s.OpenGraph[prop]; !ok {
				s.OpenGraph[prop] = content
			}
		}
		for _, key := range []string{name, prop} {
			if strings.HasPrefix(key, "twitter:") && content != "" {
				if _, ok := s.TwitterCard[key]; !ok {
					s.TwitterCard[key] = content
				}
			}
		}
	})
	s.MetaDescriptionLength = utf8.RuneCountInString(s.MetaDescription)

	doc.Find("link[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !relHas(sel, "canonical") {
			return true
		}
		s.Canonical = resolveRef(sel.AttrOr("href", ""), base)
		return false
	})

	s.Lang = strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))
}

// analyzeHeadings records h1/h2 text and h1 evidence. Hidden h1 elements are
// kept as evidence but excluded from H1Count.
func analyzeHeadings(doc *goquery.Document, s *SeoSignals) {
	s.H1 = []string{}
	s.H2 = []string{}
	s.H1Evidence = []HeadingEvidence{}

	doc.Find("h1").Each(func(_ int, sel *goquery.Selection) {
		text := normalizeSpace(textOf(sel))
		if text == "" {
			return
		}
		hidden := isHidden(sel)
		s.H1 = append(s.H1, text)
		s.H1Evidence = append(s.H1Evidence, HeadingEvidence{
			Text:     text,
			Selector: cssPath(sel),
			Hidden:   hidden,
		})
		if !hidden {
			s.H1Count++
		}
	})
	doc.Find("h2").Each(func(_ int, sel *goquery.Selection) {
		if text := normalizeSpace(textOf(sel)); text != "" {
			s.H2 = append(s.H2, text)
		}
	})
}

func isHidden(sel *goquery.Selection) bool {
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if _, ok := cur.Attr("hidden"); ok {
			return true
		}
		if v := cur.AttrOr("aria-hidden", ""); strings.EqualFold(strings.TrimSpace(v), "true") {
			return true
		}
		if cur.AttrOr(HiddenMarkerAttr, "") == "true" {
			return true
		}
		style := strings.ToLower(strings.Join(strings.Fields(cur.AttrOr("style", "")), ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

// cssPath builds a best-effort selector, stopping at the nearest id or body.
func cssPath(sel *goquery.Selection) string {
	var parts []string
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		name := goquery.NodeName(cur)
		if id := strings.TrimSpace(cur.AttrOr("id", "")); id != "" && !strings.ContainsAny(id, " \t\"'") {
			parts = append(parts, name+"#"+id)
			break
		}
		if name == "body" || name == "html" {
			parts = append(parts, name)
			break
		}
		idx := cur.PrevAllFiltered(name).Length() + 1
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", name, idx))
	}
	slices.Reverse(parts)
	return strings.Join(parts, " > ")
}

var socialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(?:www\.|m\.)?facebook\.com/[a-zA-Z0-9.\-_]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?instagram\.com/[a-zA-Z0-9._]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?(?:twitter|x)\.com/[a-zA-Z0-9_]+/?`),
	regexp.MustCompile(`^https?://(?:[a-z]{2,3}\.)?linkedin\.com/(?:company|in|school)/[a-zA-Z0-9\-_%]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?youtube\.com/(?:channel/|c/|user/|@)[a-zA-Z0-9\-_]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?tiktok\.com/@[a-zA-Z0-9._]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?pinterest\.[a-z.]+/[a-zA-Z0-9_]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?github\.com/[a-zA-Z0-9\-]+/?`),
	regexp.MustCompile(`^https?://(?:www\.)?threads\.net/@[a-zA-Z0-9._]+/?`),
}

var socialExcludes = []string{"sharer", "/share", "plugins", "dialog", "intent/", "/p/", "explore", "accounts", "/watch"}

func isSocialProfile(href string) bool {
	lower := strings.ToLower(href)
	for _, ex := range socialExcludes {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	for _, p := range socialPatterns {
		if p.MatchString(href) {
			return true
		}
	}
	return false
}

func analyzeLinks(doc *goquery.Document, base *url.URL, s *SeoSignals) {
	host := ""
	if base != nil {
		host = strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	}
	s.SameAs = []string{}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if relHas(sel, "nofollow") {
			s.NofollowLinks++
		}

		href := strings.TrimSpace(sel.AttrOr("href", ""))
		switch linkKind(href, host) {
		case linkInternal:
			s.InternalLinks++
		case linkExternal:
			s.ExternalLinks++
			abs := href
			if strings.HasPrefix(abs, "//") {
				abs = "https:" + abs
			}
			if isSocialProfile(abs) {
				s.SameAs = mergeUnique(s.SameAs, []string{strings.TrimSuffix(abs, "/")})
			}
		}
	})
}

type linkClass int

const (
	linkIgnored linkClass = iota
	linkInternal
	linkExternal
)

func linkKind(href, host string) linkClass {
	lower := strings.ToLower(href)
	switch {
	case lower == "", strings.HasPrefix(lower, "#"),
		strings.HasPrefix(lower, "javascript:"), strings.HasPrefix(lower, "mailto:"),
		strings.HasPrefix(lower, "tel:"), strings.HasPrefix(lower, "data:"):
		return linkIgnored
	case strings.HasPrefix(lower, "/") && !strings.HasPrefix(lower, "//"):
		return linkInternal
	}

	absolute := strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "//")
	if !absolute {
		if u, err := url.Parse(href); err == nil && u.Scheme != "" {
			return linkIgnored
		}
		return linkInternal
	}
	if host != "" && strings.Contains(lower, host) {
		return linkInternal
	}
	return linkExternal
}

func analyzeImages(doc *goquery.Document, s *SeoSignals) {
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		s.ImagesTotal++
		if strings.TrimSpace(sel.AttrOr("alt", "")) != "" {
			s.ImagesWithAlt++
		}

		modern := isModernImage(sel)
		if modern {
			s.ModernFormatImages++
		}
		_, hasSrcset := sel.Attr("srcset")
		if !modern && !hasSrcset && (dimension(sel, "width") >= 1500 || dimension(sel, "height") >= 1500) {
			s.LargeUnoptimizedImages++
		}
	})

	s.ImagesMissingAlt = s.ImagesTotal - s.ImagesWithAlt
	if s.ImagesTotal > 0 {
		s.AltTextPercentage = round1(float64(s.ImagesWithAlt) * 100 / float64(s.ImagesTotal))
	}
}

func isModernImage(sel *goquery.Selection) bool {
	if hasModernExt(sel.AttrOr("src", "")) || hasModernExt(sel.AttrOr("srcset", "")) {
		return true
	}
	modern := false
	sel.Closest("picture").Find("source").EachWithBreak(func(_ int, src *goquery.Selection) bool {
		typ := strings.ToLower(src.AttrOr("type", ""))
		if strings.Contains(typ, "webp") || strings.Contains(typ, "avif") || hasModernExt(src.AttrOr("srcset", "")) {
			modern = true
		}
		return !modern
	})
	return modern
}

func hasModernExt(ref string) bool {
	ref = strings.ToLower(ref)
	return strings.Contains(ref, ".webp") || strings.Contains(ref, ".avif")
}

func dimension(sel *goquery.Selection, attr string) int {
	v := strings.TrimSpace(strings.TrimSuffix(strings.ToLower(sel.AttrOr(attr, "")), "px"))
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func analyzeContent(doc *goquery.Document, bodyText string, visibleH1 int) ContentMetrics {
	var m ContentMetrics
	m.WordCount = len(strings.Fields(bodyText))

	pWords := 0
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if n := len(strings.Fields(textOf(sel))); n > 0 {
			m.ParagraphCount++
			pWords += n
		}
	})
	if m.ParagraphCount > 0 {
		m.ParagraphDensity = round1(float64(pWords) / float64(m.ParagraphCount))
	}

	m.HeadingHierarchyScore = headingHierarchy(doc, visibleH1)
	m.ReadabilityScore = fleschReadingEase(bodyText)
	return m
}

// headingHierarchy starts at 100 and deducts for a missing h1, for duplicate
// visible h1s and for each skipped heading level.
func headingHierarchy(doc *goquery.Document, visibleH1 int) float64 {
	score := 100.0
	switch {
	case visibleH1 == 0:
		score -= 40
	case visibleH1 > 1:
		score -= 15
	}

	skipped := 0
	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		if isHidden(sel) || normalizeSpace(textOf(sel)) == "" {
			return
		}
		level := int(goquery.NodeName(sel)[1] - '0')
		if prev > 0 && level > prev+1 {
			skipped += level - prev - 1
		}
		prev = level
	})
	score -= math.Min(40, float64(skipped*10))
	return math.Max(0, score)
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s|$)`)

// fleschReadingEase scores text on the 0-100 Flesch scale. Short texts give
// unstable results and get the neutral default instead.
func fleschReadingEase(text string) float64 {
	var words []string
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if w != "" {
			words = append(words, w)
		}
	}
	if len(words) < minWordsForReadabilityScore {
		return DefaultReadabilityScore
	}

	sentences := len(sentenceEnd.FindAllStringIndex(text, -1))
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}

	wc := float64(len(words))
	score := 206.835 - 1.015*(wc/float64(sentences)) - 84.6*(float64(syllables)/wc)
	return round1(math.Max(0, math.Min(100, score)))
}

func countSyllables(word string) int {
	w := strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range w {
		vowel := strings.ContainsRune("aeiouyàèéìòù", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if count > 1 && strings.HasSuffix(w, "e") && !strings.HasSuffix(w, "le") {
		count--
	}
	return max(count, 1)
}

var semanticWeights = []struct {
	selector string
	points   float64
}{
	{"main", 25},
	{"header", 15},
	{"nav", 15},
	{"footer", 15},
	{"article, section", 15},
	{"html[lang]", 15},
}

func analyzeAccessibility(doc *goquery.Document, missingAlt int) AccessibilityMetrics {
	var a AccessibilityMetrics
	for _, w := range semanticWeights {
		if doc.Find(w.selector).Length() > 0 {
			a.SemanticHTMLScore += w.points
		}
	}
	a.MissingAriaLabels = countMissingLabels(doc)

	score := 100.0
	if strings.TrimSpace(doc.Find("html").AttrOr("lang", "")) == "" {
		score -= 10
	}
	score -= math.Min(25, float64(missingAlt*3))
	score -= math.Min(20, float64(a.MissingAriaLabels*4))
	if doc.Find("main").Length() == 0 {
		score -= 5
	}
	a.Score = math.Max(0, math.Min(100, score))
	return a
}

func countMissingLabels(doc *goquery.Document) int {
	missing := 0
	labelled := func(sel *goquery.Selection) bool {
		for _, attr := range []string{"aria-label", "aria-labelledby", "title"} {
			if strings.TrimSpace(sel.AttrOr(attr, "")) != "" {
				return true
			}
		}
		return false
	}

	doc.Find(`button, a[href], [role="button"]`).Each(func(_ int, sel *goquery.Selection) {
		if labelled(sel) || normalizeSpace(textOf(sel)) != "" {
			return
		}
		hasAlt := false
		sel.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
			hasAlt = strings.TrimSpace(img.AttrOr("alt", "")) != ""
			return !hasAlt
		})
		if !hasAlt {
			missing++
		}
	})

	labelFor := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, sel *goquery.Selection) {
		labelFor[strings.TrimSpace(sel.AttrOr("for", ""))] = true
	})
	doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "input" {
			switch strings.ToLower(sel.AttrOr("type", "text")) {
			case "hidden", "submit", "button", "image", "reset":
				return
			}
		}
		if labelled(sel) {
			return
		}
		if id := strings.TrimSpace(sel.AttrOr("id", "")); id != "" && labelFor[id] {
			return
		}
		if sel.Closest("label").Length() > 0 {
			return
		}
		missing++
	})
	return missing
}

// analyzeResources counts stylesheets and scripts. Load time is left unset so
// Normalized substitutes the conservative estimate.
func analyzeResources(doc *goquery.Document) Performance {
	var p Performance
	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		if relHas(sel, "stylesheet") {
			p.CSSFiles++
		}
	})
	p.JSFiles = doc.Find("script[src]").Length()

	doc.Find("head link[href]").Each(func(_ int, sel *goquery.Selection) {
		if relHas(sel, "stylesheet") && !strings.EqualFold(strings.TrimSpace(sel.AttrOr("media", "")), "print") {
			p.BlockingResources++
		}
	})
	doc.Find("head script[src]").Each(func(_ int, sel *goquery.Selection) {
		_, async := sel.Attr("async")
		_, deferred := sel.Attr("defer")
		if !async && !deferred && !strings.EqualFold(sel.AttrOr("type", ""), "module") {
			p.BlockingResources++
		}
	})
	p.Source = PerformanceEstimated
	return p
}

func schemaSameAs(items []SchemaItem) []string {
	var out []string
	for _, item := range items {
		switch v := item.Raw["sameAs"].(type) {
		case string:
			out = append(out, strings.TrimSuffix(strings.TrimSpace(v), "/"))
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSuffix(strings.TrimSpace(s), "/"))
				}
			}
		}
	}
	return out
}

func mergeUnique(dst, src []string) []string {
	for _, s := range src {
		if s != "" && !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}

func relHas(sel *goquery.Selection, value string) bool {
	for _, r := range strings.Fields(strings.ToLower(sel.AttrOr("rel", ""))) {
		if r == value {
			return true
		}
	}
	return false
}

// textOf joins the text nodes under the selection with spaces, skipping
// non-rendered elements. goquery's Text would glue adjacent blocks together.
func textOf(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template", "svg":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return normalizeSpace(b.String())
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
