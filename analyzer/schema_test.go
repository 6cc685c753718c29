package analyzer

import (
	"slices"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		blocks []map[string]any
		want   []string
		org    bool
		local  bool
	}{
		{
			name:   "Empty",
			blocks: nil,
			want:   []string{},
		},
		{
			name:   "UnknownOnly",
			blocks: []map[string]any{{"@type": "SomeUnknownVendorType"}},
			want:   []string{OtherSchemaTypes},
		},
		{
			name:   "KnownWinsOverUnknown",
			blocks: []map[string]any{{"@type": []any{"Organization", "SomeUnknownVendorType"}}},
			want:   []string{"Organization"},
			org:    true,
		},
		{
			name: "UnknownDroppedAcrossBlocks",
			blocks: []map[string]any{
				{"@type": "SomeUnknownVendorType"},
				{"@type": "ImageObject"},
			},
			want: []string{"Image"},
		},
		{
			name: "DeduplicatedInFirstSeenOrder",
			blocks: []map[string]any{
				{"@type": "WebSite"},
				{"@type": []any{"LocalBusiness", "WebSite"}},
				{"@type": "BreadcrumbList"},
			},
			want:  []string{"WebSite", "LocalBusiness", "Breadcrumb"},
			org:   true,
			local: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.blocks)
			if c.Types == nil {
				t.Fatal("Expected non-nil types")
			}
			if !slices.Equal(c.Types, tt.want) {
				t.Errorf("Expected types %v, got %v", tt.want, c.Types)
			}
			if c.Count != len(tt.blocks) {
				t.Errorf("Expected count %d, got %d", len(tt.blocks), c.Count)
			}
			if c.HasOrganization != tt.org {
				t.Errorf("Expected hasOrganization=%v", tt.org)
			}
			if c.HasLocalBusiness != tt.local {
				t.Errorf("Expected hasLocalBusiness=%v", tt.local)
			}
			if c.HasStructuredData != (len(tt.blocks) > 0) {
				t.Errorf("Unexpected hasStructuredData=%v", c.HasStructuredData)
			}
		})
	}
}

func TestParseJSONLD(t *testing.T) {
	scripts := []string{
		`{"@context": "https://schema.org", "@graph": [
			{"@type": "Organization", "name": "Acme", "url": "https://acme.test", "logo": "https://acme.test/l.png"},
			{"@type": "WebSite", "url": "https://acme.test", "name": "Acme"}
		]}`,
		`{not json`,
		`[{"@context": "http://schema.org", "@type": "BreadcrumbList", "itemListElement": [{"@type": "ListItem"}]}]`,
		`<!-- {"@context": "https://schema.org", "@type": "FAQPage", "mainEntity": []} -->`,
	}

	items := ParseJSONLD(scripts)
	if len(items) != 4 {
		t.Fatalf("Expected 4 items, got %d", len(items))
	}
	for _, item := range items[:3] {
		if len(item.Errors) != 0 || len(item.Warnings) != 0 {
			t.Errorf("Expected clean %v, got errors=%v warnings=%v", item.Types, item.Errors, item.Warnings)
		}
	}
	if !slices.Equal(items[0].Types, []string{"Organization"}) {
		t.Errorf("Unexpected first item types %v", items[0].Types)
	}

	// An empty mainEntity array does not satisfy the requirement.
	faq := items[3]
	if len(faq.Errors) != 1 || faq.Errors[0].Path != "mainEntity" {
		t.Errorf("Expected mainEntity error, got %v", faq.Errors)
	}
}

func TestSchemaValidation(t *testing.T) {
	items := ParseJSONLD([]string{
		`{"@type": "Organization"}`,
		`{"@context": "https://example.org/vocab", "name": "x"}`,
	})
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	org := items[0]
	paths := func(issues []Issue) []string {
		var out []string
		for _, i := range issues {
			out = append(out, i.Path)
		}
		return out
	}
	if got := paths(org.Errors); !slices.Equal(got, []string{"@context", "name"}) {
		t.Errorf("Unexpected organization errors %v", got)
	}
	if got := paths(org.Warnings); !slices.Equal(got, []string{"url", "logo"}) {
		t.Errorf("Unexpected organization warnings %v", got)
	}

	untyped := items[1]
	if got := paths(untyped.Errors); !slices.Equal(got, []string{"@type"}) {
		t.Errorf("Unexpected untyped errors %v", got)
	}
	if got := paths(untyped.Warnings); !slices.Equal(got, []string{"@context"}) {
		t.Errorf("Unexpected untyped warnings %v", got)
	}

	errs, warns := SchemaIssueCounts(items)
	if errs != 3 || warns != 3 {
		t.Errorf("Expected 3 errors and 3 warnings, got %d and %d", errs, warns)
	}
}

func TestSchemaFeatures(t *testing.T) {
	items := ParseJSONLD([]string{`{
		"@context": "https://schema.org",
		"@type": "LocalBusiness",
		"name": "Acme",
		"openingHours": "Mo-Fr 09:00-17:00",
		"address": {"@type": "PostalAddress", "streetAddress": "1 Main St"},
		"speakable": {"cssSelector": [".summary"]},
		"potentialAction": {"@type": "SearchAction", "target": "https://acme.test/?q={q}"}
	}`})

	features := SchemaFeatures(items)
	for _, want := range []string{"LocalBusiness", "OpeningHours", "PostalAddress", "SpeakableSpecification", "SearchAction"} {
		if !features[want] {
			t.Errorf("Expected feature %s in %v", want, features)
		}
	}
}
