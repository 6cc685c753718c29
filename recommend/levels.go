package recommend

import (
	"strings"
	"unicode"
)

// levelSynonyms maps cleaned spellings to canonical levels. Keys are
// lower-case letters only, as produced by cleanLevel.
var levelSynonyms = map[string]Level{
	"high":        LevelHigh,
	"h":           LevelHigh,
	"hi":          LevelHigh,
	"maximum":     LevelHigh,
	"max":         LevelHigh,
	"major":       LevelHigh,
	"significant": LevelHigh,
	"strong":      LevelHigh,
	"hard":        LevelHigh,
	"difficult":   LevelHigh,

	"medium":       LevelMed,
	"med":          LevelMed,
	"mid":          LevelMed,
	"moderate":     LevelMed,
	"average":      LevelMed,
	"normal":       LevelMed,
	"m":            LevelMed,
	"intermediate": LevelMed,
	"middle":       LevelMed,
	"fair":         LevelMed,

	"low":     LevelLow,
	"l":       LevelLow,
	"lo":      LevelLow,
	"minimum": LevelLow,
	"min":     LevelLow,
	"minor":   LevelLow,
	"small":   LevelLow,
	"minimal": LevelLow,
	"easy":    LevelLow,
	"quick":   LevelLow,
}

// ParseLevel maps a free-text spelling to its canonical level. Unknown
// spellings report false; they are never defaulted.
func ParseLevel(raw string) (Level, bool) {
	level, ok := levelSynonyms[cleanLevel(raw)]
	return level, ok
}

func cleanLevel(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (l Level) Valid() bool {
	return l == LevelHigh || l == LevelMed || l == LevelLow
}
