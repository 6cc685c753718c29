// Package scan runs one audit end to end: render, extract, score, ask the
// LLM for recommendations, charge the user and store the result.
package scan

import (
	"errors"
	"strings"
	"time"

	"github.com/seo-optimizer/aivisibility/analyzer"
	"github.com/seo-optimizer/aivisibility/credits"
	"github.com/seo-optimizer/aivisibility/recommend"
	"github.com/seo-optimizer/aivisibility/scoring"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusRendering    Status = "rendering"
	StatusExtracting   Status = "extracting"
	StatusScoring      Status = "scoring"
	StatusAIGenerating Status = "ai_generating"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

// Final reports whether no further transition can follow.
func (s Status) Final() bool {
	return s == StatusComplete || s == StatusFailed
}

var (
	ErrInvalidURL  = errors.New("scan: invalid url")
	ErrMissingUser = errors.New("scan: user id or email required")
	ErrNotFound    = errors.New("scan: not found")
	ErrBusy        = errors.New("scan: too many scans in progress")
	ErrFinished    = errors.New("scan: already finished")
	ErrCancelled   = errors.New("scan: cancelled")

	ErrInsufficientCredits = credits.ErrInsufficientCredits
)

// Request identifies the page to audit and who pays for it.
type Request struct {
	URL    string `json:"url" binding:"required"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// UserKey is the ledger key: the user id, else the lower-cased email.
func (r Request) UserKey() string {
	if id := strings.TrimSpace(r.UserID); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// Analysis is the locally computed part of a result.
type Analysis struct {
	Signals        analyzer.SeoSignals        `json:"signals"`
	Classification analyzer.Classification    `json:"schema"`
	Score          scoring.OverallScoreResult `json:"score"`
	Renderer       string                     `json:"renderer,omitempty"`
}

// ScanResult is the stored and returned record of one scan.
type ScanResult struct {
	RunID            string                       `json:"runId"`
	URL              string                       `json:"url"`
	FinalURL         string                       `json:"finalUrl,omitempty"`
	Status           Status                       `json:"status"`
	Cost             int                          `json:"cost"`
	RemainingCredits int                          `json:"remainingCredits"`
	FreeScan         bool                         `json:"freeScan"`
	Analysis         *Analysis                    `json:"analysis,omitempty"`
	AI               *recommend.AIRecommendations `json:"ai,omitempty"`
	AIAvailable      bool                         `json:"aiAvailable"`
	Degraded         bool                         `json:"degraded"`
	Error            string                       `json:"error,omitempty"`
	CreatedAt        time.Time                    `json:"createdAt"`
	UpdatedAt        time.Time                    `json:"updatedAt"`
	CompletedAt      *time.Time                   `json:"completedAt,omitempty"`
}
