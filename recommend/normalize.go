package recommend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
)

// wrapperKeys are envelope keys LLMs have been seen to nest the payload under.
var wrapperKeys = map[string]bool{
	"recommendations":    true,
	"ai_recommendations": true,
	"aiRecommendations":  true,
	"result":             true,
	"data":               true,
	"response":           true,
	"output":             true,
}

type alias struct {
	from, to string
}

var topLevelAliases = []alias{
	{"actionItems", "prioritised_actions"},
	{"action_items", "prioritised_actions"},
	{"actions", "prioritised_actions"},
	{"prioritized_actions", "prioritised_actions"},
	{"prioritizedActions", "prioritised_actions"},
	{"priorityActions", "prioritised_actions"},
	{"schema", "schema_recommendations"},
	{"schemas", "schema_recommendations"},
	{"schemaRecommendations", "schema_recommendations"},
	{"schema_blocks", "schema_recommendations"},
	{"structured_data", "schema_recommendations"},
}

var actionAliases = []alias{
	{"action", "task"},
	{"title", "task"},
	{"difficulty", "effort"},
	{"locations", "where"},
	{"pages", "where"},
}

var blockAliases = []alias{
	{"@type", "type"},
	{"schemaType", "type"},
	{"json_ld", "jsonld"},
	{"jsonLd", "jsonld"},
	{"markup", "jsonld"},
	{"html", "htmlCode"},
	{"html_code", "htmlCode"},
}

// Normalizer repairs known variance in LLM output, then validates it
// strictly. It is safe for concurrent use.
type Normalizer struct {
	// RepairSyntax enables a jsonrepair pass when the text is not valid JSON.
	RepairSyntax bool

	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		RepairSyntax: true,
		logger:       logger,
	}
}

// Normalize parses raw LLM text into AIRecommendations. Failures wrap
// ErrInvalidJSON or ErrSchemaMismatch; the latter carries a *ValidationError.
func (n *Normalizer) Normalize(raw string) (*AIRecommendations, Repairs, error) {
	var repairs Repairs

	text := stripFences(raw)
	if text == "" {
		return nil, repairs, fmt.Errorf("%w: empty response", ErrInvalidJSON)
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		if !n.RepairSyntax {
			return nil, repairs, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		fixed, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil {
			return nil, repairs, fmt.Errorf("%w: %v (repair failed: %v)", ErrInvalidJSON, err, rerr)
		}
		// A repair only counts when it recovers a non-empty object. Prose and
		// bare fragments repair into strings or {} and stay invalid.
		var repaired map[string]any
		if json.Unmarshal([]byte(fixed), &repaired) != nil || len(repaired) == 0 {
			return nil, repairs, fmt.Errorf("%w: %v (repair did not recover an object)", ErrInvalidJSON, err)
		}
		parsed = repaired
		repairs.SyntaxRepaired = true
		n.logger.Warn("repaired malformed LLM JSON", "bytes", len(text))
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, repairs, &ValidationError{Issues: []FieldError{{Path: "$", Message: "expected a JSON object"}}}
	}

	if key, inner, ok := unwrap(obj); ok {
		obj = inner
		repairs.UnwrappedKey = key
		n.logger.Warn("unwrapped LLM response envelope", "key", key)
	}

	repairs.RenamedFields = append(repairs.RenamedFields, renameAliases(obj, topLevelAliases, "")...)

	if actions, ok := obj["prioritised_actions"].([]any); ok {
		for i, a := range actions {
			action, ok := a.(map[string]any)
			if !ok {
				continue
			}
			prefix := fmt.Sprintf("prioritised_actions[%d].", i)
			repairs.RenamedFields = append(repairs.RenamedFields, renameAliases(action, actionAliases, prefix)...)
			for _, field := range []string{"impact", "effort"} {
				s, ok := action[field].(string)
				if !ok {
					continue
				}
				if level, ok := ParseLevel(s); ok && string(level) != s {
					action[field] = string(level)
					repairs.EnumRewrites++
				}
			}
		}
	}
	if blocks, ok := obj["schema_recommendations"].([]any); ok {
		for i, b := range blocks {
			if block, ok := b.(map[string]any); ok {
				prefix := fmt.Sprintf("schema_recommendations[%d].", i)
				repairs.RenamedFields = append(repairs.RenamedFields, renameAliases(block, blockAliases, prefix)...)
			}
		}
	}

	recs, issues := validate(obj)
	if len(issues) > 0 {
		return nil, repairs, &ValidationError{Issues: issues}
	}
	for i := range recs.SchemaRecommendations {
		b := &recs.SchemaRecommendations[i]
		b.HTMLCode = JSONLDScript(b.JSONLD)
	}
	return recs, repairs, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func unwrap(obj map[string]any) (string, map[string]any, bool) {
	if len(obj) != 1 {
		return "", nil, false
	}
	for key, v := range obj {
		inner, ok := v.(map[string]any)
		if ok && wrapperKeys[key] {
			return key, inner, true
		}
	}
	return "", nil, false
}

// renameAliases moves aliased keys to their canonical name unless the
// canonical key is already present.
func renameAliases(obj map[string]any, aliases []alias, prefix string) []string {
	var renamed []string
	for _, a := range aliases {
		v, ok := obj[a.from]
		if !ok {
			continue
		}
		if _, exists := obj[a.to]; exists {
			continue
		}
		obj[a.to] = v
		delete(obj, a.from)
		renamed = append(renamed, prefix+a.from+"->"+a.to)
	}
	return renamed
}

func validate(obj map[string]any) (*AIRecommendations, []FieldError) {
	var issues []FieldError
	fail := func(path, msg string) {
		issues = append(issues, FieldError{Path: path, Message: msg})
	}
	recs := &AIRecommendations{
		PrioritisedActions:    []Action{},
		SchemaRecommendations: []SchemaBlock{},
	}

	switch v := obj["version"].(type) {
	case nil:
		fail("version", "required")
	case string:
		if v != ContractVersion {
			fail("version", fmt.Sprintf("must be %q", ContractVersion))
		}
		recs.Version = v
	default:
		fail("version", fmt.Sprintf("must be the string %q", ContractVersion))
	}

	if s, ok := obj["summary"].(string); !ok {
		fail("summary", "required string")
	} else {
		recs.Summary = clean(s)
	}

	if actions, ok := obj["prioritised_actions"].([]any); !ok {
		fail("prioritised_actions", "required array")
	} else {
		for i, a := range actions {
			path := fmt.Sprintf("prioritised_actions[%d]", i)
			m, ok := a.(map[string]any)
			if !ok {
				fail(path, "must be an object")
				continue
			}
			var action Action
			if task, ok := nonEmpty(m["task"]); !ok {
				fail(path+".task", "required non-empty string")
			} else {
				action.Task = task
			}
			for _, field := range []string{"impact", "effort"} {
				s, _ := m[field].(string)
				level := Level(s)
				if !level.Valid() {
					fail(path+"."+field, fmt.Sprintf("must be one of high, med, low; got %v", m[field]))
					continue
				}
				if field == "impact" {
					action.Impact = level
				} else {
					action.Effort = level
				}
			}
			if w, present := m["where"]; present && w != nil {
				where, ok := stringArray(w)
				if !ok {
					fail(path+".where", "must be an array of non-empty strings")
				}
				action.Where = where
			}
			recs.PrioritisedActions = append(recs.PrioritisedActions, action)
		}
	}

	if blocks, ok := obj["schema_recommendations"].([]any); !ok {
		fail("schema_recommendations", "required array")
	} else {
		for i, b := range blocks {
			path := fmt.Sprintf("schema_recommendations[%d]", i)
			m, ok := b.(map[string]any)
			if !ok {
				fail(path, "must be an object")
				continue
			}
			var block SchemaBlock
			if typ, ok := nonEmpty(m["type"]); !ok {
				fail(path+".type", "required non-empty string")
			} else {
				block.Type = typ
			}
			if where, ok := stringArray(m["where"]); !ok {
				fail(path+".where", "required array of non-empty strings")
			} else {
				block.Where = where
			}
			if jsonld, ok := m["jsonld"].(map[string]any); !ok {
				fail(path+".jsonld", "required object")
			} else {
				block.JSONLD = jsonld
			}
			if code, present := m["htmlCode"]; present && code != nil {
				if _, ok := code.(string); !ok {
					fail(path+".htmlCode", "must be a string")
				}
			}
			recs.SchemaRecommendations = append(recs.SchemaRecommendations, block)
		}
	}

	if n, present := obj["notes"]; present && n != nil {
		notes, ok := stringArray(n)
		if !ok {
			fail("notes", "must be an array of non-empty strings")
		}
		recs.Notes = notes
	}

	return recs, issues
}

// stringArray accepts only arrays whose entries are non-empty after clean.
func stringArray(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := nonEmpty(e)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func nonEmpty(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = clean(s)
	return s, s != ""
}

// clean normalises LLM free text. The text is plain: mentions such as
// "<h1>" are kept literally and entities are not decoded, so whatever
// displays it must escape it. Control characters other than newline and
// tab are dropped.
func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r != '\n' && r != '\t' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// JSONLDScript renders a JSON-LD object as a paste-ready script tag.
// encoding/json escapes '<', so the payload cannot close the tag early.
func JSONLDScript(jsonld map[string]any) string {
	body, err := json.MarshalIndent(jsonld, "", "  ")
	if err != nil {
		return ""
	}
	return "<script type=\"application/ld+json\">\n" + string(body) + "\n</script>"
}
