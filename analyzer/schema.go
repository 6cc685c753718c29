package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OtherSchemaTypes is the single label unrecognised @type values collapse to.
const OtherSchemaTypes = "Other schema types"

var schemaLabels = map[string]string{
	"Organization":          "Organization",
	"LocalBusiness":         "LocalBusiness",
	"WebSite":               "WebSite",
	"WebPage":               "WebPage",
	"BreadcrumbList":        "Breadcrumb",
	"FAQPage":               "FAQ",
	"HowTo":                 "HowTo",
	"Article":               "Article",
	"BlogPosting":           "Blog Post",
	"NewsArticle":           "News Article",
	"Product":               "Product",
	"Service":               "Service",
	"Review":                "Review",
	"AggregateRating":       "Rating",
	"Event":                 "Event",
	"Offer":                 "Offer",
	"ImageObject":           "Image",
	"VideoObject":           "Video",
	"Person":                "Person",
	"Recipe":                "Recipe",
	"SoftwareApplication":   "Software Application",
	"WebApplication":        "Web Application",
	"Course":                "Course",
	"CreativeWork":          "Creative Work",
	"ProfessionalService":   "Professional Service",
	"SiteNavigationElement": "Site Navigation",
	"ItemList":              "Item List",
	"ContactPoint":          "Contact Point",
	"PostalAddress":         "Address",
}

// SchemaLabel maps a raw @type to its display label.
func SchemaLabel(rawType string) (string, bool) {
	label, ok := schemaLabels[strings.TrimSpace(rawType)]
	return label, ok
}

// Classify flattens the @type values of every block into a deduplicated,
// first-seen ordered list of labels. Unknown types only surface, as
// OtherSchemaTypes, when no known type exists at all.
func Classify(blocks []map[string]any) Classification {
	c := Classification{Count: len(blocks), Types: []string{}}

	seen := make(map[string]bool)
	unknown := false
	for _, block := range blocks {
		for _, t := range blockTypes(block) {
			switch t {
			case "Organization":
				c.HasOrganization = true
			case "LocalBusiness":
				c.HasOrganization = true
				c.HasLocalBusiness = true
			case "WebSite":
				c.HasWebSite = true
			case "BreadcrumbList":
				c.HasBreadcrumb = true
			}

			label, ok := SchemaLabel(t)
			if !ok {
				unknown = true
				continue
			}
			if !seen[label] {
				seen[label] = true
				c.Types = append(c.Types, label)
			}
		}
	}
	if len(c.Types) == 0 && unknown {
		c.Types = append(c.Types, OtherSchemaTypes)
	}
	c.HasStructuredData = c.Count > 0
	return c
}

// ClassifyItems classifies already parsed schema items.
func ClassifyItems(items []SchemaItem) Classification {
	blocks := make([]map[string]any, 0, len(items))
	for _, item := range items {
		blocks = append(blocks, item.Raw)
	}
	return Classify(blocks)
}

func blockTypes(block map[string]any) []string {
	types := typeValues(block["@type"])
	if graph, ok := block["@graph"].([]any); ok {
		for _, node := range graph {
			if m, ok := node.(map[string]any); ok {
				types = append(types, blockTypes(m)...)
			}
		}
	}
	return types
}

func typeValues(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// ParseJSONLD turns the text of ld+json script blocks into schema items.
// Blocks that are not valid JSON are dropped. Top-level arrays and @graph
// containers yield one item per node.
func ParseJSONLD(scripts []string) []SchemaItem {
	items := []SchemaItem{}
	for _, script := range scripts {
		text := cleanScript(script)
		if text == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			continue
		}
		items = append(items, schemaNodes(v, nil)...)
	}
	return items
}

func cleanScript(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<!--")
	s = strings.TrimSuffix(s, "-->")
	s = strings.TrimPrefix(strings.TrimSpace(s), "//<![CDATA[")
	s = strings.TrimSuffix(strings.TrimSpace(s), "//]]>")
	return strings.TrimSpace(s)
}

func schemaNodes(v any, inheritedContext any) []SchemaItem {
	var items []SchemaItem
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			items = append(items, schemaNodes(e, inheritedContext)...)
		}
	case map[string]any:
		ctx := t["@context"]
		if ctx == nil {
			ctx = inheritedContext
		}
		if graph, ok := t["@graph"].([]any); ok {
			if t["@type"] != nil {
				items = append(items, newSchemaItem(t, ctx))
			}
			for _, node := range graph {
				items = append(items, schemaNodes(node, ctx)...)
			}
			return items
		}
		items = append(items, newSchemaItem(t, ctx))
	}
	return items
}

func newSchemaItem(raw map[string]any, ctx any) SchemaItem {
	item := SchemaItem{
		Types:    typeValues(raw["@type"]),
		Errors:   []Issue{},
		Warnings: []Issue{},
		Raw:      raw,
	}
	if item.Types == nil {
		item.Types = []string{}
	}

	switch c := ctx.(type) {
	case nil:
		item.Errors = append(item.Errors, Issue{Path: "@context", Message: "missing @context"})
	case string:
		if !strings.Contains(strings.ToLower(c), "schema.org") {
			item.Warnings = append(item.Warnings, Issue{Path: "@context", Message: fmt.Sprintf("context %q is not schema.org", c)})
		}
	}
	if len(item.Types) == 0 {
		item.Errors = append(item.Errors, Issue{Path: "@type", Message: "missing @type"})
	}

	for _, t := range item.Types {
		rule, ok := schemaRules[t]
		if !ok {
			continue
		}
		for _, prop := range rule.required {
			if !hasAnyProperty(raw, prop) {
				item.Errors = append(item.Errors, Issue{Path: prop, Message: fmt.Sprintf("%s requires %s", t, prop)})
			}
		}
		for _, prop := range rule.recommended {
			if !hasAnyProperty(raw, prop) {
				item.Warnings = append(item.Warnings, Issue{Path: prop, Message: fmt.Sprintf("%s should include %s", t, prop)})
			}
		}
	}
	return item
}

type schemaRule struct {
	required    []string
	recommended []string
}

// A property entry may list alternatives separated by "|".
var schemaRules = map[string]schemaRule{
	"Organization":        {required: []string{"name"}, recommended: []string{"url", "logo"}},
	"LocalBusiness":       {required: []string{"name", "address"}, recommended: []string{"telephone", "openingHours|openingHoursSpecification", "url"}},
	"WebSite":             {required: []string{"url"}, recommended: []string{"name"}},
	"Article":             {required: []string{"headline"}, recommended: []string{"author", "datePublished", "image"}},
	"BlogPosting":         {required: []string{"headline"}, recommended: []string{"author", "datePublished", "image"}},
	"NewsArticle":         {required: []string{"headline"}, recommended: []string{"author", "datePublished", "image"}},
	"Product":             {required: []string{"name"}, recommended: []string{"offers", "image"}},
	"FAQPage":             {required: []string{"mainEntity"}},
	"HowTo":               {required: []string{"name", "step"}},
	"Event":               {required: []string{"name", "startDate"}, recommended: []string{"location"}},
	"BreadcrumbList":      {required: []string{"itemListElement"}},
	"Review":              {required: []string{"reviewRating"}, recommended: []string{"author", "itemReviewed"}},
	"AggregateRating":     {required: []string{"ratingValue"}, recommended: []string{"reviewCount|ratingCount"}},
	"Course":              {required: []string{"name", "description"}, recommended: []string{"provider"}},
	"SoftwareApplication": {required: []string{"name"}, recommended: []string{"offers", "operatingSystem", "applicationCategory"}},
	"WebApplication":      {required: []string{"name"}, recommended: []string{"offers", "applicationCategory"}},
}

func hasAnyProperty(raw map[string]any, spec string) bool {
	for _, prop := range strings.Split(spec, "|") {
		if present(raw[prop]) {
			return true
		}
	}
	return false
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// SchemaFeatures returns every @type found anywhere in the items, nested
// values included, plus the pseudo-types implied by well-known properties
// (OpeningHours, SpeakableSpecification, PostalAddress, SearchAction).
func SchemaFeatures(items []SchemaItem) map[string]bool {
	features := make(map[string]bool)
	for _, item := range items {
		collectFeatures(item.Raw, features)
	}
	return features
}

func collectFeatures(v any, features map[string]bool) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			collectFeatures(e, features)
		}
	case map[string]any:
		for _, typ := range typeValues(t["@type"]) {
			features[typ] = true
		}
		if present(t["openingHours"]) || present(t["openingHoursSpecification"]) {
			features["OpeningHours"] = true
		}
		if present(t["speakable"]) {
			features["SpeakableSpecification"] = true
		}
		if addr, ok := t["address"].(map[string]any); ok && len(addr) > 0 {
			features["PostalAddress"] = true
		}
		for _, child := range t {
			collectFeatures(child, features)
		}
	}
}

// SchemaIssueCounts totals errors and warnings across items.
func SchemaIssueCounts(items []SchemaItem) (errors, warnings int) {
	for _, item := range items {
		errors += len(item.Errors)
		warnings += len(item.Warnings)
	}
	return errors, warnings
}
