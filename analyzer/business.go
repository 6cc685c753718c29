package analyzer

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:(?:\+|00)\d{1,3}[\s\-.]?)?\(?\d{2,4}\)?[\s\-.]?\d{3,4}[\s\-.]?\d{3,4}`)

	streetPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+\s+[A-Za-z\s]+(?:street|st\.|avenue|ave\.|road|rd\.|boulevard|blvd\.|lane|ln\.|drive|dr\.|way|place|pl\.|court|ct\.))`),
		regexp.MustCompile(`(?i)((?:via|viale|corso|piazza|largo)\s+[A-Za-zÀ-ÿ\s'.]+[\s,]+\d+[/\-]?[A-Za-z]?)`),
		regexp.MustCompile(`(?i)([A-Za-zäöüÄÖÜß\s]+(?:straße|strasse|str\.|weg|platz|allee)\s*\d+[a-z]?)`),
		regexp.MustCompile(`(?i)(\d+[,\s]+(?:rue|avenue|boulevard|place|chemin)\s+[A-Za-zÀ-ÿ\s']+)`),
	}
)

var organizationTypes = map[string]bool{
	"Organization":        true,
	"LocalBusiness":       true,
	"Corporation":         true,
	"ProfessionalService": true,
	"Store":               true,
	"Restaurant":          true,
	"NGO":                 true,
}

// extractBusiness prefers Organization-like JSON-LD and only scans the page
// itself when no structured business data exists.
func extractBusiness(doc *goquery.Document, items []SchemaItem, bodyText string, base *url.URL) BusinessInfo {
	if info, ok := businessFromSchema(items, base); ok {
		return info
	}
	return businessFromPage(doc, bodyText, base)
}

func businessFromSchema(items []SchemaItem, base *url.URL) (BusinessInfo, bool) {
	for _, item := range items {
		orgType := ""
		for _, t := range item.Types {
			if organizationTypes[t] {
				orgType = t
				break
			}
		}
		if orgType == "" {
			continue
		}

		raw := item.Raw
		info := BusinessInfo{Type: orgType, Source: "json-ld"}
		info.Phone = stringProp(raw["telephone"])
		info.Email = strings.TrimPrefix(stringProp(raw["email"]), "mailto:")
		info.Address = addressProp(raw["address"])
		if logo := urlProp(raw["logo"]); logo != "" {
			info.Logo = resolveRef(logo, base)
		} else if img := urlProp(raw["image"]); img != "" {
			info.Logo = resolveRef(img, base)
		}

		// contactPoint often carries the phone and email instead of the root.
		if cp, ok := firstObject(raw["contactPoint"]); ok {
			if info.Phone == "" {
				info.Phone = stringProp(cp["telephone"])
			}
			if info.Email == "" {
				info.Email = strings.TrimPrefix(stringProp(cp["email"]), "mailto:")
			}
		}
		return info, true
	}
	return BusinessInfo{}, false
}

func businessFromPage(doc *goquery.Document, bodyText string, base *url.URL) BusinessInfo {
	var info BusinessInfo

	doc.Find(`a[href^="tel:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		info.Phone = strings.TrimSpace(strings.TrimPrefix(href, "tel:"))
		return info.Phone == ""
	})
	doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		info.Email = strings.TrimSpace(addr)
		return info.Email == ""
	})

	if info.Email == "" {
		info.Email = emailPattern.FindString(bodyText)
	}
	if info.Phone == "" {
		for _, m := range phonePattern.FindAllString(bodyText, -1) {
			if digitCount(m) >= 7 {
				info.Phone = strings.TrimSpace(m)
				break
			}
		}
	}

	if addr := normalizeSpace(doc.Find("address").First().Text()); addr != "" {
		info.Address = addr
	} else {
		for _, p := range streetPatterns {
			if m := p.FindStringSubmatch(bodyText); len(m) > 1 {
				info.Address = normalizeSpace(m[1])
				break
			}
		}
	}

	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		if src == "" {
			return true
		}
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		alt, _ := s.Attr("alt")
		hint := strings.ToLower(class + " " + id + " " + alt + " " + src)
		if strings.Contains(hint, "logo") || strings.Contains(hint, "brand") {
			info.Logo = resolveRef(src, base)
			return false
		}
		return true
	})

	if info.Phone != "" || info.Email != "" || info.Address != "" || info.Logo != "" {
		info.Source = "page"
	}
	return info
}

func stringProp(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func urlProp(v any) string {
	if s := stringProp(v); s != "" {
		return s
	}
	if obj, ok := firstObject(v); ok {
		if s := stringProp(obj["url"]); s != "" {
			return s
		}
		return stringProp(obj["@id"])
	}
	return ""
}

func addressProp(v any) string {
	if s := stringProp(v); s != "" {
		return s
	}
	obj, ok := firstObject(v)
	if !ok {
		return ""
	}
	var parts []string
	for _, key := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"} {
		if s := stringProp(obj[key]); s != "" {
			parts = append(parts, s)
		} else if country, ok := obj[key].(map[string]any); ok {
			if s := stringProp(country["name"]); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, ", ")
}

func firstObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func resolveRef(ref string, base *url.URL) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
