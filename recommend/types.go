// Package recommend turns untrusted LLM output into validated
// recommendations, and produces that output in the first place.
package recommend

import (
	"errors"
	"fmt"
	"strings"
)

// ContractVersion is the only accepted value of AIRecommendations.Version.
const ContractVersion = "1.0"

var (
	// ErrInvalidJSON means the LLM text could not be parsed, even after repair.
	ErrInvalidJSON = errors.New("recommend: invalid JSON")
	// ErrSchemaMismatch means the JSON parsed but does not fit the contract.
	ErrSchemaMismatch = errors.New("recommend: schema mismatch")
)

// Level is one of exactly three canonical impact/effort values.
type Level string

const (
	LevelHigh Level = "high"
	LevelMed  Level = "med"
	LevelLow  Level = "low"
)

type Action struct {
	Task   string   `json:"task"`
	Impact Level    `json:"impact"`
	Effort Level    `json:"effort"`
	Where  []string `json:"where,omitempty"`
}

type SchemaBlock struct {
	Type     string         `json:"type"`
	Where    []string       `json:"where"`
	JSONLD   map[string]any `json:"jsonld"`
	HTMLCode string         `json:"htmlCode,omitempty"`
}

// AIRecommendations is normalised, validated LLM output.
type AIRecommendations struct {
	Version               string        `json:"version"`
	Summary               string        `json:"summary"`
	PrioritisedActions    []Action      `json:"prioritised_actions"`
	SchemaRecommendations []SchemaBlock `json:"schema_recommendations"`
	Notes                 []string      `json:"notes,omitempty"`
}

// Repairs records what the normaliser had to change to make the input fit.
type Repairs struct {
	SyntaxRepaired bool     `json:"syntaxRepaired"`
	UnwrappedKey   string   `json:"unwrappedKey,omitempty"`
	RenamedFields  []string `json:"renamedFields,omitempty"`
	EnumRewrites   int      `json:"enumRewrites"`
}

// Any reports whether any repair was applied.
func (r Repairs) Any() bool {
	return r.SyntaxRepaired || r.UnwrappedKey != "" || len(r.RenamedFields) > 0 || r.EnumRewrites > 0
}

type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation. It matches
// ErrSchemaMismatch with errors.Is.
type ValidationError struct {
	Issues []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Path, i.Message))
	}
	return fmt.Sprintf("%s: %s", ErrSchemaMismatch, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrSchemaMismatch
}
