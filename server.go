package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seo-optimizer/aivisibility/credits"
	"github.com/seo-optimizer/aivisibility/events"
	"github.com/seo-optimizer/aivisibility/logging"
	"github.com/seo-optimizer/aivisibility/middleware"
	"github.com/seo-optimizer/aivisibility/scan"
	"github.com/seo-optimizer/aivisibility/stats"
)

const scanPath = "/api/scan"

// server holds the handlers' collaborators.
type server struct {
	scanner  *scan.Scanner
	ledger   credits.Ledger
	hub      *events.Hub
	requests *logging.Statistics
	monthly  *stats.Storage
	limiter  *middleware.RateLimiter
	devMode  bool
	logger   *slog.Logger
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(middleware.ErrorHandler(s.logger))
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.CORS())
	r.Use(middleware.StatsMiddleware(s.requests, scanPath))

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/statistics", s.statistics)

		scans := api.Group("/scan")
		scans.POST("", s.limiter.RateLimit(), s.startScan)
		scans.GET("/:id", s.getScan)
		scans.DELETE("/:id", s.cancelScan)
		scans.GET("/:id/events", events.WSHandler(s.hub, s.scanner.Snapshot))

		api.GET("/credits", s.getCredits)
		api.POST("/credits/grant", s.grantCredits)
	}
	return r
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported generically.
func (s *server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scan.ErrInvalidURL), errors.Is(err, scan.ErrMissingUser):
		status = http.StatusBadRequest
	case errors.Is(err, scan.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, scan.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scan.ErrFinished):
		status = http.StatusConflict
	case errors.Is(err, scan.ErrBusy):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"inFlight": s.scanner.InFlight(),
	})
}

func (s *server) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requests": s.requests.GetStatistics(s.devMode),
		"scans":    s.monthly.GetCurrentStats(),
	})
}

type scanRequest struct {
	scan.Request
	Async bool `json:"async"`
}

func (s *server) startScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: url is required"})
		return
	}
	c.Set(middleware.ScanURLKey, req.URL)

	if req.Async {
		runID, err := s.scanner.Submit(c.Request.Context(), req.Request)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": runID})
		return
	}

	res, err := s.scanner.Run(c.Request.Context(), req.Request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) getScan(c *gin.Context) {
	res, err := s.scanner.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) cancelScan(c *gin.Context) {
	runID := c.Param("id")
	if err := s.scanner.Cancel(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID, "cancelRequested": true})
}

func (s *server) getCredits(c *gin.Context) {
	key := scan.Request{UserID: c.Query("userId"), Email: c.Query("email")}.UserKey()
	if key == "" {
		s.writeError(c, scan.ErrMissingUser)
		return
	}
	ctx := c.Request.Context()
	balance, err := s.ledger.Balance(ctx, key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	free, err := s.ledger.FreeScansRemaining(ctx, key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance, "freeScansRemaining": free})
}

type grantRequest struct {
	UserID    string     `json:"userId" binding:"required"`
	Amount    int        `json:"amount" binding:"required,gt=0"`
	Reason    string     `json:"reason"`
	ExtRef    string     `json:"extRef"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// grantCredits is a development aid; production grants come from billing.
func (s *server) grantCredits(c *gin.Context) {
	if !s.devMode {
		c.JSON(http.StatusForbidden, gin.H{"error": "credit grants are only available in dev mode"})
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid grant: userId and a positive amount are required"})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	res, err := s.ledger.Grant(c.Request.Context(), req.UserID, req.Amount, reason, credits.GrantOptions{
		ExpiresAt: req.ExpiresAt,
		ExtRef:    req.ExtRef,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
