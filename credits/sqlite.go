package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger stores the ledger in SQLite. A single connection serialises
// writers, so balance checks and debits in one transaction cannot race.
type SQLiteLedger struct {
	db        *sql.DB
	freeScans int
	now       func() time.Time
}

// OpenSQLite opens (or creates) the ledger at path. Use ":memory:" in tests.
func OpenSQLite(path string, freeScans int) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	l := &SQLiteLedger{db: db, freeScans: max(freeScans, 0), now: time.Now}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credit_entries (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            delta INTEGER NOT NULL,
            reason TEXT NOT NULL,
            job_id TEXT UNIQUE,
            ext_ref TEXT UNIQUE,
            expires_at INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_user ON credit_entries(user_id);`,
		`CREATE TABLE IF NOT EXISTS free_scans (
            user_key TEXT NOT NULL,
            job_id TEXT NOT NULL UNIQUE,
            used_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_free_scans_user ON free_scans(user_key);`,
	}
	for _, q := range stmts {
		if _, err := l.db.Exec(q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLiteLedger) balance(ctx context.Context, q querier, userID string) (int, error) {
	var sum int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM credit_entries
        WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		userID, l.now().Unix()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("query balance %s: %w", userID, err)
	}
	return max(sum, 0), nil
}

func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int, error) {
	return l.balance(ctx, l.db, userID)
}

func (l *SQLiteLedger) Consume(ctx context.Context, userID, jobID string, amount int) (ConsumeResult, error) {
	if jobID == "" {
		return ConsumeResult{}, errors.New("credits: job id required")
	}
	if amount <= 0 {
		return ConsumeResult{}, fmt.Errorf("credits: invalid amount %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_entries WHERE job_id = ?`, jobID).Scan(&existing)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("lookup job %s: %w", jobID, err)
	}
	balance, err := l.balance(ctx, tx, userID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if existing > 0 {
		return ConsumeResult{Success: true, Remaining: balance, Idempotent: true}, nil
	}
	if balance < amount {
		return ConsumeResult{Remaining: balance}, ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO credit_entries(user_id, delta, reason, job_id, created_at)
        VALUES(?,?,?,?,?)`, userID, -amount, "scan", jobID, l.now().Unix())
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("debit job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return ConsumeResult{}, fmt.Errorf("commit consume: %w", err)
	}
	return ConsumeResult{Success: true, Remaining: balance - amount}, nil
}

func (l *SQLiteLedger) Grant(ctx context.Context, userID string, amount int, reason string, opts GrantOptions) (GrantResult, error) {
	if amount <= 0 {
		return GrantResult{}, fmt.Errorf("credits: invalid amount %d", amount)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "grant"
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return GrantResult{}, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	var extRef, expiresAt any
	if opts.ExtRef != "" {
		extRef = opts.ExtRef
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_entries WHERE ext_ref = ?`, opts.ExtRef).Scan(&existing); err != nil {
			return GrantResult{}, fmt.Errorf("lookup ext ref %s: %w", opts.ExtRef, err)
		}
		if existing > 0 {
			balance, err := l.balance(ctx, tx, userID)
			if err != nil {
				return GrantResult{}, err
			}
			return GrantResult{Success: true, NewBalance: balance, Idempotent: true}, nil
		}
	}
	if opts.ExpiresAt != nil {
		expiresAt = opts.ExpiresAt.Unix()
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO credit_entries(user_id, delta, reason, ext_ref, expires_at, created_at)
        VALUES(?,?,?,?,?,?)`, userID, amount, reason, extRef, expiresAt, l.now().Unix())
	if err != nil {
		return GrantResult{}, fmt.Errorf("grant %s: %w", userID, err)
	}
	balance, err := l.balance(ctx, tx, userID)
	if err != nil {
		return GrantResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return GrantResult{}, fmt.Errorf("commit grant: %w", err)
	}
	return GrantResult{Success: true, NewBalance: balance}, nil
}

func (l *SQLiteLedger) FreeScansRemaining(ctx context.Context, userKey string) (int, error) {
	var used int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM free_scans WHERE user_key = ?`, userKey).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("query free scans %s: %w", userKey, err)
	}
	return max(l.freeScans-used, 0), nil
}

func (l *SQLiteLedger) UseFreeScan(ctx context.Context, userKey, jobID string) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin free scan: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_key FROM free_scans WHERE job_id = ?`, jobID).Scan(&owner)
	switch {
	case err == nil:
		return owner == userKey, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("lookup free scan %s: %w", jobID, err)
	}

	var used int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM free_scans WHERE user_key = ?`, userKey).Scan(&used); err != nil {
		return false, fmt.Errorf("count free scans %s: %w", userKey, err)
	}
	if used >= l.freeScans {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO free_scans(user_key, job_id, used_at) VALUES(?,?,?)`,
		userKey, jobID, l.now().Unix()); err != nil {
		return false, fmt.Errorf("record free scan %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit free scan: %w", err)
	}
	return true, nil
}
