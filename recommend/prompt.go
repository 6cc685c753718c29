package recommend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/seo-optimizer/aivisibility/analyzer"
	"github.com/seo-optimizer/aivisibility/scoring"
)

const systemPrompt = `You are an expert in SEO and in how AI assistants such as ChatGPT, Perplexity and voice assistants discover and cite websites.
Reply with a single JSON object and nothing else, using exactly this shape:
{
  "version": "1.0",
  "summary": string,
  "prioritised_actions": [{"task": string, "impact": "high"|"med"|"low", "effort": "high"|"med"|"low", "where": [string]}],
  "schema_recommendations": [{"type": string, "where": [string], "jsonld": object}],
  "notes": [string]
}
Every jsonld object must be complete, valid schema.org JSON-LD with "@context" and "@type", filled in with the business details provided.`

// DefaultExcerptChars bounds the page excerpt embedded in a prompt.
const DefaultExcerptChars = 4000

// PromptInput is everything the prompt embeds. Score must already be computed.
type PromptInput struct {
	URL            string
	Signals        analyzer.SeoSignals
	Classification analyzer.Classification
	Score          scoring.OverallScoreResult
	Excerpt        string
}

type promptFacts struct {
	Title           string                `json:"title"`
	MetaDescription string                `json:"meta_description"`
	H1              []string              `json:"h1"`
	H2              []string              `json:"h2,omitempty"`
	Canonical       string                `json:"canonical,omitempty"`
	Lang            string                `json:"lang,omitempty"`
	SchemaTypes     []string              `json:"schema_types"`
	SchemaErrors    int                   `json:"schema_errors"`
	Business        analyzer.BusinessInfo `json:"business"`
	SameAs          []string              `json:"same_as,omitempty"`
	WordCount       int                   `json:"word_count"`
	ImagesMissing   int                   `json:"images_missing_alt"`
	LoadTime        float64               `json:"load_time_seconds"`
	OverallScore    int                   `json:"overall_score"`
	Band            scoring.Band          `json:"band"`
	Areas           scoring.AreaBreakdown `json:"areas"`
	Notes           scoring.AreaText      `json:"notes"`
}

// BuildPrompt renders the user prompt for one scan.
func BuildPrompt(in PromptInput) string {
	s := in.Signals
	errs, _ := analyzer.SchemaIssueCounts(s.SchemaItems)
	facts := promptFacts{
		Title:           s.MetaTitle,
		MetaDescription: s.MetaDescription,
		H1:              s.H1,
		H2:              firstN(s.H2, 10),
		Canonical:       s.Canonical,
		Lang:            s.Lang,
		SchemaTypes:     in.Classification.Types,
		SchemaErrors:    errs,
		Business:        s.Business,
		SameAs:          s.SameAs,
		WordCount:       s.Content.WordCount,
		ImagesMissing:   s.ImagesMissingAlt,
		LoadTime:        s.Performance.LoadTimeSeconds,
		OverallScore:    in.Score.OverallScore,
		Band:            in.Score.Band,
		Areas:           in.Score.AreaBreakdown,
		Notes:           in.Score.AreaNotes,
	}
	factsJSON, _ := json.MarshalIndent(facts, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Audit of %s\n\n", in.URL)
	b.WriteString("Extracted signals and scores:\n")
	b.Write(factsJSON)
	b.WriteString("\n\n")
	if in.Excerpt != "" {
		b.WriteString("Page content (markdown excerpt):\n")
		b.WriteString(in.Excerpt)
		b.WriteString("\n\n")
	}
	b.WriteString("List at most 8 prioritised actions, highest impact first, and at most 3 schema recommendations ")
	b.WriteString("that fill the structured data gaps above. Refer to pages or page sections in \"where\".")
	return b.String()
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// excerptPolicy keeps document structure and links and drops scripts,
// embeds, forms and event handlers before page text reaches the prompt.
var excerptPolicy = bluemonday.UGCPolicy()

// Excerpt converts rendered HTML to markdown and cuts it to maxChars runes.
func Excerpt(htmlText, pageURL string, maxChars int) (string, error) {
	md, err := mdConverter.ConvertString(excerptPolicy.Sanitize(htmlText), converter.WithDomain(pageURL))
	if err != nil {
		return "", fmt.Errorf("convert page to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if maxChars > 0 {
		if r := []rune(md); len(r) > maxChars {
			md = string(r[:maxChars]) + "\n..."
		}
	}
	return md, nil
}
