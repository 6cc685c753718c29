// Package credits is the scan credit ledger: an append-only list of signed
// deltas per user, plus a free-scan allowance. Every write is idempotent on a
// caller-supplied key.
package credits

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientCredits means the balance cannot cover a consumption.
var ErrInsufficientCredits = errors.New("credits: insufficient credits")

type ConsumeResult struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remainingBalance"`
	// Idempotent is true when jobID had already been charged.
	Idempotent bool `json:"idempotent"`
}

type GrantResult struct {
	Success    bool `json:"success"`
	NewBalance int  `json:"newBalance"`
	Idempotent bool `json:"idempotent"`
}

type GrantOptions struct {
	// ExpiresAt, when set, removes the grant from the balance after that time.
	ExpiresAt *time.Time
	// ExtRef deduplicates grants, e.g. a payment id.
	ExtRef string
}

// Ledger is what the scan pipeline needs from billing.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Consume(ctx context.Context, userID, jobID string, amount int) (ConsumeResult, error)
	Grant(ctx context.Context, userID string, amount int, reason string, opts GrantOptions) (GrantResult, error)
	FreeScansRemaining(ctx context.Context, userKey string) (int, error)
	// UseFreeScan records a free scan for jobID. It reports false when the
	// allowance is already spent; repeating a recorded jobID reports true.
	UseFreeScan(ctx context.Context, userKey, jobID string) (bool, error)
}
