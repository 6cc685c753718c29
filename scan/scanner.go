package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seo-optimizer/aivisibility/analyzer"
	"github.com/seo-optimizer/aivisibility/credits"
	"github.com/seo-optimizer/aivisibility/events"
	"github.com/seo-optimizer/aivisibility/recommend"
	"github.com/seo-optimizer/aivisibility/render"
	"github.com/seo-optimizer/aivisibility/scoring"
	"github.com/seo-optimizer/aivisibility/stats"
	"github.com/seo-optimizer/aivisibility/store"
)

// BlockedNote is the remediation text attached to a blocked scan.
const BlockedNote = "The page could not be read: it returned almost no content, which usually means bot protection. " +
	"Allow our crawler or try again later. You were not charged."

// placeholderAreaScore is what every area reports when nothing could be measured.
const placeholderAreaScore = 5

type Renderer interface {
	Render(ctx context.Context, pageURL string) (*render.Result, error)
}

type Recommender interface {
	Generate(ctx context.Context, in recommend.PromptInput) (*recommend.AIRecommendations, recommend.Repairs, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

type Recorder interface {
	RecordScan(o stats.ScanOutcome)
}

type Config struct {
	MaxConcurrent     int
	CreditCost        int
	ResultTTL         time.Duration
	ExcerptChars      int
	AllowPrivateHosts bool
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.CreditCost <= 0 {
		c.CreditCost = 1
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
	if c.ExcerptChars <= 0 {
		c.ExcerptChars = recommend.DefaultExcerptChars
	}
}

// Deps are the collaborators of a Scanner. Recommender, Publisher and
// Recorder are optional.
type Deps struct {
	Renderer    Renderer
	Ledger      credits.Ledger
	Store       store.Store
	Recommender Recommender
	Publisher   Publisher
	Recorder    Recorder
	Logger      *slog.Logger
}

type run struct {
	mu          sync.Mutex
	result      ScanResult
	cancelled   bool
	stageCancel context.CancelFunc
	aiCancel    context.CancelFunc
}

func (r *run) snapshot() ScanResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

type job struct {
	run  *run
	key  string
	free bool
}

// Scanner runs scans with a global cap on how many render at once.
type Scanner struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	sem  chan struct{}
	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc

	newID func() string
	now   func() time.Time
}

func New(cfg Config, deps Deps) (*Scanner, error) {
	if deps.Renderer == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, errors.New("scan: renderer, ledger and store are required")
	}
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scanner{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		runs:    make(map[string]*run),
		baseCtx: ctx,
		stop:    stop,
		newID:   newRunID,
		now:     time.Now,
	}, nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run executes a scan and waits for it. Pipeline failures come back as a
// failed ScanResult; the error is reserved for rejected requests.
func (s *Scanner) Run(ctx context.Context, req Request) (*ScanResult, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, j)
}

// Submit queues a scan and returns its run id immediately.
func (s *Scanner) Submit(ctx context.Context, req Request) (string, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(s.baseCtx, j); err != nil {
			s.log.Warn("async scan rejected", "run_id", j.run.result.RunID, "error", err)
		}
	}()
	return j.run.snapshot().RunID, nil
}

func (s *Scanner) prepare(ctx context.Context, req Request) (*job, error) {
	pageURL, err := NormalizeURL(req.URL, s.cfg.AllowPrivateHosts)
	if err != nil {
		return nil, err
	}
	key := req.UserKey()
	if key == "" {
		return nil, ErrMissingUser
	}

	free, err := s.eligible(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &run{result: ScanResult{
		RunID:     s.newID(),
		URL:       pageURL,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.mu.Lock()
	s.runs[r.result.RunID] = r
	s.mu.Unlock()

	s.persist(r.result)
	s.publish(r.result)
	return &job{run: r, key: key, free: free}, nil
}

// eligible reports whether the scan will use a free allowance, or fails
// with ErrInsufficientCredits when neither allowance nor balance covers it.
func (s *Scanner) eligible(ctx context.Context, key string) (bool, error) {
	remaining, err := s.deps.Ledger.FreeScansRemaining(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check free scans: %w", err)
	}
	if remaining > 0 {
		return true, nil
	}
	balance, err := s.deps.Ledger.Balance(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check balance: %w", err)
	}
	if balance < s.cfg.CreditCost {
		return false, ErrInsufficientCredits
	}
	return false, nil
}

func (s *Scanner) execute(ctx context.Context, j *job) (*ScanResult, error) {
	r := j.run
	start := time.Now()

	ctx, cancelStages := context.WithCancel(ctx)
	defer cancelStages()
	r.mu.Lock()
	r.stageCancel = cancelStages
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return s.finish(r, StatusFailed, ErrCancelled.Error(), nil, stats.ScanOutcome{}), nil
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		if s.isCancelled(r) {
			return s.finish(r, StatusFailed, ErrCancelled.Error(), nil, stats.ScanOutcome{}), nil
		}
		res := s.finish(r, StatusFailed, ErrBusy.Error(), nil, stats.ScanOutcome{})
		return res, ErrBusy
	}

	pageURL := r.snapshot().URL

	if err := s.advance(ctx, r, StatusRendering); err != nil {
		return s.finish(r, StatusFailed, err.Error(), nil, stats.ScanOutcome{}), nil
	}
	page, err := s.deps.Renderer.Render(ctx, pageURL)
	degraded := false
	switch {
	case errors.Is(err, render.ErrBlocked):
		analysis := &Analysis{
			Signals: analyzer.DefaultSignals(pageURL),
			Score:   scoring.Placeholder(placeholderAreaScore, BlockedNote),
		}
		return s.finish(r, StatusFailed, "blocked: "+BlockedNote, analysis, stats.ScanOutcome{Blocked: true}), nil
	case errors.Is(err, render.ErrPrivateAddress):
		s.log.Warn("render refused a private address", "run_id", r.result.RunID, "url", pageURL, "error", err)
		return s.finish(r, StatusFailed, ErrInvalidURL.Error()+": target resolves to a private address", nil, stats.ScanOutcome{}), nil
	case err != nil && (ctx.Err() != nil || s.isCancelled(r)):
		return s.finish(r, StatusFailed, ErrCancelled.Error(), nil, stats.ScanOutcome{}), nil
	case err != nil:
		s.log.Warn("render failed, scoring defaults", "run_id", r.result.RunID, "url", pageURL, "error", err)
		degraded = true
	}

	if err := s.advance(ctx, r, StatusExtracting); err != nil {
		return s.finish(r, StatusFailed, err.Error(), nil, stats.ScanOutcome{}), nil
	}
	signals := analyzer.DefaultSignals(pageURL)
	finalURL, renderer, html := pageURL, "", ""
	if !degraded {
		finalURL, renderer, html = page.FinalURL, page.Renderer, page.HTML
		signals = analyzer.Extract(page.HTML, finalURL).WithPerformance(page.Performance)
		signals.URL = pageURL
		if prober, ok := s.deps.Renderer.(render.SiteProber); ok {
			signals = signals.WithSiteFiles(prober.ProbeSiteFiles(ctx, finalURL))
		}
	}

	// Scoring is the last point a scan can be cancelled. From here on it
	// runs to completion even if the caller goes away.
	if err := s.advance(ctx, r, StatusScoring); err != nil {
		return s.finish(r, StatusFailed, err.Error(), nil, stats.ScanOutcome{}), nil
	}
	work := context.WithoutCancel(ctx)
	classification := analyzer.ClassifyItems(signals.SchemaItems)
	analysis := &Analysis{
		Signals:        signals,
		Classification: classification,
		Score:          scoring.Aggregate(signals.SchemaItems, signals),
		Renderer:       renderer,
	}

	outcome := stats.ScanOutcome{Completed: true, Degraded: degraded}
	ai, available := s.generate(work, r, analysis, finalURL, html, &outcome)

	r.mu.Lock()
	r.result.FinalURL = finalURL
	r.result.Analysis = analysis
	r.result.AI = ai
	r.result.AIAvailable = available
	r.result.Degraded = degraded
	r.mu.Unlock()

	if err := s.charge(work, j); err != nil {
		// The AI call already happened, so its counters stand.
		failed := outcome
		failed.Completed = false
		if errors.Is(err, ErrInsufficientCredits) {
			res := s.finish(r, StatusFailed, err.Error(), nil, failed)
			return res, ErrInsufficientCredits
		}
		s.log.Error("charging scan failed", "run_id", r.result.RunID, "error", err)
		return s.finish(r, StatusFailed, "billing unavailable; you were not charged", nil, failed), nil
	}

	res := s.finish(r, StatusComplete, "", analysis, outcome)
	s.log.Info("scan complete",
		"run_id", res.RunID,
		"url", pageURL,
		"score", analysis.Score.OverallScore,
		"band", analysis.Score.Band,
		"ai", available,
		"degraded", degraded,
		"duration", time.Since(start),
	)
	return res, nil
}

// generate asks the LLM for recommendations. Failures are absorbed into the
// placeholder section.
func (s *Scanner) generate(ctx context.Context, r *run, analysis *Analysis, finalURL, html string, outcome *stats.ScanOutcome) (*recommend.AIRecommendations, bool) {
	if s.deps.Recommender == nil {
		return recommend.Placeholder(), false
	}
	s.transition(r, StatusAIGenerating)
	outcome.AIAttempted = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.aiCancel = cancel
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return recommend.Placeholder(), false
	}

	excerpt := ""
	if html != "" {
		md, err := recommend.Excerpt(html, finalURL, s.cfg.ExcerptChars)
		if err != nil {
			s.log.Debug("page excerpt failed", "run_id", r.result.RunID, "error", err)
		}
		excerpt = md
	}

	recs, repairs, err := s.deps.Recommender.Generate(ctx, recommend.PromptInput{
		URL:            finalURL,
		Signals:        analysis.Signals,
		Classification: analysis.Classification,
		Score:          analysis.Score,
		Excerpt:        excerpt,
	})
	outcome.SyntaxRepaired = repairs.SyntaxRepaired
	outcome.Unwrapped = repairs.UnwrappedKey != ""
	if err != nil {
		s.log.Warn("AI generation failed, continuing without recommendations", "run_id", r.result.RunID, "error", err)
		return recommend.Placeholder(), false
	}
	outcome.AIGenerated = true
	return recs, true
}

// charge takes the free scan or the credits for j. Both are idempotent on
// the run id, so a retried charge never bills twice.
func (s *Scanner) charge(ctx context.Context, j *job) error {
	runID := j.run.snapshot().RunID
	if j.free {
		ok, err := s.deps.Ledger.UseFreeScan(ctx, j.key, runID)
		if err != nil {
			return fmt.Errorf("use free scan: %w", err)
		}
		if ok {
			balance, err := s.deps.Ledger.Balance(ctx, j.key)
			if err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			j.run.mu.Lock()
			j.run.result.FreeScan = true
			j.run.result.RemainingCredits = balance
			j.run.mu.Unlock()
			return nil
		}
		// The allowance was spent by a concurrent scan; fall back to credits.
	}

	res, err := s.deps.Ledger.Consume(ctx, j.key, runID, s.cfg.CreditCost)
	if err != nil {
		return err
	}
	j.run.mu.Lock()
	j.run.result.Cost = s.cfg.CreditCost
	j.run.result.RemainingCredits = res.Remaining
	j.run.mu.Unlock()
	return nil
}

func (s *Scanner) isCancelled(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// advance moves to the next stage unless the scan was cancelled.
func (s *Scanner) advance(ctx context.Context, r *run, next Status) error {
	if ctx.Err() != nil || s.isCancelled(r) {
		return ErrCancelled
	}
	s.transition(r, next)
	return nil
}

func (s *Scanner) transition(r *run, next Status) {
	r.mu.Lock()
	r.result.Status = next
	r.result.UpdatedAt = s.now()
	snap := r.result
	r.mu.Unlock()

	s.log.Debug("scan state", "run_id", snap.RunID, "status", next)
	s.persist(snap)
	s.publish(snap)
}

func (s *Scanner) finish(r *run, status Status, errMsg string, analysis *Analysis, outcome stats.ScanOutcome) *ScanResult {
	now := s.now()
	r.mu.Lock()
	r.result.Status = status
	r.result.Error = errMsg
	if analysis != nil {
		r.result.Analysis = analysis
	} else if status == StatusFailed {
		r.result.Analysis = nil
		r.result.AI = nil
		r.result.AIAvailable = false
	}
	r.result.UpdatedAt = now
	r.result.CompletedAt = &now
	r.aiCancel = nil
	r.stageCancel = nil
	snap := r.result
	r.mu.Unlock()

	s.persist(snap)
	s.mu.Lock()
	delete(s.runs, snap.RunID)
	s.mu.Unlock()
	s.publish(snap)

	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordScan(outcome)
	}
	if status == StatusFailed {
		s.log.Info("scan failed", "run_id", snap.RunID, "url", snap.URL, "error", errMsg)
	}
	return &snap
}

func recordKey(runID string) string { return "scan:" + runID }

func (s *Scanner) persist(res ScanResult) {
	b, err := json.Marshal(res)
	if err != nil {
		s.log.Error("failed to marshal scan record", "run_id", res.RunID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.Put(ctx, recordKey(res.RunID), b, s.cfg.ResultTTL); err != nil {
		s.log.Error("failed to store scan record", "run_id", res.RunID, "error", err)
	}
}

func eventOf(res ScanResult) events.Event {
	return events.Event{
		RunID:  res.RunID,
		Status: string(res.Status),
		At:     res.UpdatedAt,
		Error:  res.Error,
		Final:  res.Status.Final(),
	}
}

func (s *Scanner) publish(res ScanResult) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(eventOf(res))
	}
}

// Get returns the live state of an in-flight scan or the stored record.
func (s *Scanner) Get(ctx context.Context, runID string) (*ScanResult, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		snap := r.snapshot()
		return &snap, nil
	}

	b, err := s.deps.Store.Get(ctx, recordKey(runID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load scan %s: %w", runID, err)
	}
	var res ScanResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decode scan %s: %w", runID, err)
	}
	return &res, nil
}

// Cancel asks a scan to stop. Scans stop at the next stage boundary; once
// scoring has started they complete, and an LLM answer still pending is
// discarded.
func (s *Scanner) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.Get(ctx, runID); err != nil {
			return err
		}
		return ErrFinished
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.Status.Final() {
		return ErrFinished
	}
	r.cancelled = true
	if r.stageCancel != nil {
		r.stageCancel()
	}
	if r.aiCancel != nil {
		r.aiCancel()
	}
	s.log.Info("scan cancellation requested", "run_id", runID, "status", r.result.Status)
	return nil
}

// Snapshot returns the latest event for a run, for late stream subscribers.
func (s *Scanner) Snapshot(runID string) (events.Event, bool) {
	res, err := s.Get(context.Background(), runID)
	if err != nil {
		return events.Event{}, false
	}
	return eventOf(*res), true
}

// InFlight reports the number of scans not yet finished.
func (s *Scanner) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Close cancels queued and running async scans and waits for them.
func (s *Scanner) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}
