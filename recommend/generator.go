package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PlaceholderSummary is shown when AI recommendations could not be produced.
const PlaceholderSummary = "AI recommendations are temporarily unavailable. The scores and notes above still apply."

// Generator wraps one LLM call with a time box and the normaliser.
type Generator struct {
	llm        Completer
	normalizer *Normalizer
	timeout    time.Duration
	logger     *slog.Logger
}

func NewGenerator(llm Completer, normalizer *Normalizer, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer = NewNormalizer(logger)
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Generator{llm: llm, normalizer: normalizer, timeout: timeout, logger: logger}
}

// Generate builds the prompt, calls the LLM and normalises its reply.
func (g *Generator) Generate(ctx context.Context, in PromptInput) (*AIRecommendations, Repairs, error) {
	if g.llm == nil {
		return nil, Repairs{}, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.llm.Complete(ctx, BuildPrompt(in))
	if err != nil {
		return nil, Repairs{}, fmt.Errorf("llm completion: %w", err)
	}

	recs, repairs, err := g.normalizer.Normalize(raw)
	if err != nil {
		g.logger.Warn("LLM output rejected", "url", in.URL, "error", err)
		return nil, repairs, err
	}
	if repairs.Any() {
		g.logger.Info("LLM output normalised",
			"url", in.URL,
			"syntax_repaired", repairs.SyntaxRepaired,
			"unwrapped", repairs.UnwrappedKey,
			"renamed", len(repairs.RenamedFields),
			"enum_rewrites", repairs.EnumRewrites,
		)
	}
	return recs, repairs, nil
}

// Placeholder is the AI section used when generation fails.
func Placeholder() *AIRecommendations {
	return &AIRecommendations{
		Version:               ContractVersion,
		Summary:               PlaceholderSummary,
		PrioritisedActions:    []Action{},
		SchemaRecommendations: []SchemaBlock{},
	}
}
