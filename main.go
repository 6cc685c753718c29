package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seo-optimizer/aivisibility/config"
	"github.com/seo-optimizer/aivisibility/credits"
	"github.com/seo-optimizer/aivisibility/events"
	"github.com/seo-optimizer/aivisibility/logging"
	"github.com/seo-optimizer/aivisibility/middleware"
	"github.com/seo-optimizer/aivisibility/recommend"
	"github.com/seo-optimizer/aivisibility/render"
	"github.com/seo-optimizer/aivisibility/scan"
	"github.com/seo-optimizer/aivisibility/stats"
	"github.com/seo-optimizer/aivisibility/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ledger, err := credits.OpenSQLite(cfg.Database, *cfg.Scan.FreeScans)
	if err != nil {
		return fmt.Errorf("open credit ledger: %w", err)
	}
	defer ledger.Close()

	results, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "scans.db"))
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer results.Close()

	monthly, err := stats.NewStorage(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open scan statistics: %w", err)
	}
	defer monthly.Close()

	requests := logging.NewStatistics(cfg.DataDir, logger)
	defer func() {
		if err := requests.Save(); err != nil {
			logger.Error("failed to save request statistics", "error", err)
		}
	}()

	renderer, err := render.New(render.Config{
		Mode:            cfg.Renderer.Mode,
		RemoteURL:       cfg.Renderer.RemoteURL,
		Timeout:         cfg.Renderer.Timeout,
		MinContentChars: cfg.Renderer.MinContentChars,
		AllowPrivate:    cfg.Scan.AllowPrivateHosts,
	}, logger)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	defer renderer.Close()

	hub := events.NewHub(logger)
	deps := scan.Deps{
		Renderer:  renderer,
		Ledger:    ledger,
		Store:     results,
		Publisher: hub,
		Recorder:  monthly,
		Logger:    logger,
	}
	if cfg.LLM.APIKey != "" {
		client := recommend.NewOpenAIClient(recommend.ClientConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}, logger)
		deps.Recommender = recommend.NewGenerator(client, recommend.NewNormalizer(logger), cfg.LLM.Timeout, logger)
	} else {
		logger.Warn("OPENAI_API_KEY not set, scans will complete without AI recommendations")
	}

	scanner, err := scan.New(scan.Config{
		MaxConcurrent:     cfg.Scan.MaxConcurrent,
		CreditCost:        cfg.Scan.CreditCost,
		ResultTTL:         cfg.Scan.ResultTTL,
		AllowPrivateHosts: cfg.Scan.AllowPrivateHosts,
	}, deps)
	if err != nil {
		return err
	}
	defer scanner.Close()

	srv := &server{
		scanner:  scanner,
		ledger:   ledger,
		hub:      hub,
		requests: requests,
		monthly:  monthly,
		limiter:  middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst),
		devMode:  cfg.DevMode,
		logger:   logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go housekeeping(ctx, results, monthly, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", "http://localhost:"+cfg.Port, "renderer", cfg.Renderer.Mode, "dev_mode", cfg.DevMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// statsRetainMonths is how many months of scan counters are kept.
const statsRetainMonths = 12

// housekeeping drops expired scan records and old monthly counters once an hour.
func housekeeping(ctx context.Context, results *store.SQLiteStore, monthly *stats.Storage, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monthly.Cleanup(statsRetainMonths)
			n, err := results.Prune(ctx)
			if err != nil {
				logger.Warn("failed to prune scan records", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned expired scan records", "count", n)
			}
		}
	}
}
