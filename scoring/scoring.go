// Package scoring turns extracted page signals into the weighted AI
// visibility score.
package scoring

import (
	"math"

	"github.com/seo-optimizer/aivisibility/analyzer"
)

// Band is the three-tier classification of the overall score.
type Band string

const (
	BandRed   Band = "red"
	BandAmber Band = "amber"
	BandGreen Band = "green"
)

// BandFor classifies an overall score: up to 40 is red, up to 70 amber.
func BandFor(score int) Band {
	switch {
	case score <= 40:
		return BandRed
	case score <= 70:
		return BandAmber
	default:
		return BandGreen
	}
}

// Area weights in percent. They sum to 100.
const (
	WeightSchema        = 25
	WeightPerformance   = 20
	WeightContent       = 20
	WeightImages        = 15
	WeightAccessibility = 10
	WeightTechnicalSEO  = 10
)

// SubScoreResult is the outcome of one scoring dimension.
type SubScoreResult struct {
	Score              int      `json:"score"`
	Notes              []string `json:"notes"`
	AIVisibilityImpact []string `json:"aiVisibilityImpact"`
}

type AreaScore struct {
	Score         int `json:"score"`
	WeightedScore int `json:"weightedScore"`
	Weight        int `json:"weight"`
}

type AreaBreakdown struct {
	Schema        AreaScore `json:"schema"`
	Performance   AreaScore `json:"performance"`
	Content       AreaScore `json:"content"`
	Images        AreaScore `json:"images"`
	Accessibility AreaScore `json:"accessibility"`
	TechnicalSEO  AreaScore `json:"technicalSeo"`
}

// Weights returns the weight of every area in breakdown order.
func (b AreaBreakdown) Weights() []int {
	return []int{
		b.Schema.Weight, b.Performance.Weight, b.Content.Weight,
		b.Images.Weight, b.Accessibility.Weight, b.TechnicalSEO.Weight,
	}
}

// AreaText holds per-area strings, used for both notes and AI commentary.
type AreaText struct {
	Schema        []string `json:"schema"`
	Performance   []string `json:"performance"`
	Content       []string `json:"content"`
	Images        []string `json:"images"`
	Accessibility []string `json:"accessibility"`
	TechnicalSEO  []string `json:"technicalSeo"`
}

type OverallScoreResult struct {
	OverallScore  int           `json:"overallScore"`
	Band          Band          `json:"band"`
	AreaBreakdown AreaBreakdown `json:"areaBreakdown"`
	AICommentary  AreaText      `json:"aiCommentary"`
	AreaNotes     AreaText      `json:"areaNotes"`
}

// Aggregate runs all six scorers and combines them into the overall score.
// It is pure: identical inputs always give identical results.
func Aggregate(items []analyzer.SchemaItem, signals analyzer.SeoSignals) OverallScoreResult {
	signals = signals.Normalized()

	schema := ScoreSchema(items)
	perf := ScorePerformance(signals)
	content := ScoreContent(signals)
	images := ScoreImages(signals)
	access := ScoreAccessibility(signals)
	tech := ScoreTechnicalSEO(signals)

	breakdown := AreaBreakdown{
		Schema:        weigh(schema.Score, WeightSchema),
		Performance:   weigh(perf.Score, WeightPerformance),
		Content:       weigh(content.Score, WeightContent),
		Images:        weigh(images.Score, WeightImages),
		Accessibility: weigh(access.Score, WeightAccessibility),
		TechnicalSEO:  weigh(tech.Score, WeightTechnicalSEO),
	}
	overall := overallOf(breakdown)

	return OverallScoreResult{
		OverallScore:  overall,
		Band:          BandFor(overall),
		AreaBreakdown: breakdown,
		AICommentary: AreaText{
			Schema:        schema.AIVisibilityImpact,
			Performance:   perf.AIVisibilityImpact,
			Content:       content.AIVisibilityImpact,
			Images:        images.AIVisibilityImpact,
			Accessibility: access.AIVisibilityImpact,
			TechnicalSEO:  tech.AIVisibilityImpact,
		},
		AreaNotes: AreaText{
			Schema:        schema.Notes,
			Performance:   perf.Notes,
			Content:       content.Notes,
			Images:        images.Notes,
			Accessibility: access.Notes,
			TechnicalSEO:  tech.Notes,
		},
	}
}

// Placeholder is the minimal result reported when a page could not be
// analysed at all. Every area gets the same low score and the same note.
func Placeholder(areaScore int, note string) OverallScoreResult {
	areaScore = clamp(areaScore)
	breakdown := AreaBreakdown{
		Schema:        weigh(areaScore, WeightSchema),
		Performance:   weigh(areaScore, WeightPerformance),
		Content:       weigh(areaScore, WeightContent),
		Images:        weigh(areaScore, WeightImages),
		Accessibility: weigh(areaScore, WeightAccessibility),
		TechnicalSEO:  weigh(areaScore, WeightTechnicalSEO),
	}
	overall := max(overallOf(breakdown), 1)
	notes := []string{note}
	text := AreaText{
		Schema: notes, Performance: notes, Content: notes,
		Images: notes, Accessibility: notes, TechnicalSEO: notes,
	}
	return OverallScoreResult{
		OverallScore:  overall,
		Band:          BandFor(overall),
		AreaBreakdown: breakdown,
		AICommentary:  text,
		AreaNotes:     text,
	}
}

func weigh(score, weight int) AreaScore {
	return AreaScore{
		Score:         score,
		WeightedScore: int(math.Round(float64(score*weight) / 100)),
		Weight:        weight,
	}
}

func overallOf(b AreaBreakdown) int {
	sum := b.Schema.WeightedScore + b.Performance.WeightedScore + b.Content.WeightedScore +
		b.Images.WeightedScore + b.Accessibility.WeightedScore + b.TechnicalSEO.WeightedScore
	return clamp(sum)
}

func clamp(score int) int {
	return max(0, min(100, score))
}
