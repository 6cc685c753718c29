// Package logging builds the process logger and keeps lightweight request
// statistics for the statistics endpoint.
package logging

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// NewLogger returns a text or JSON slog logger. Unknown levels fall back to info.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const statisticsFile = "statistics.json"

// visitorWindow is how long a client counts as a unique visitor.
const visitorWindow = 24 * time.Hour

// Statistics represents the collected request statistics
type Statistics struct {
	UniqueVisitors map[string]time.Time `json:"uniqueVisitors"` // client -> last visit
	ScanRequests   int                  `json:"scanRequests"`
	ErrorCount     int                  `json:"errorCount"`
	PopularHosts   map[string]int       `json:"popularHosts"`
	AverageLatency float64              `json:"averageLatencyMs"`
	TotalLatency   float64              `json:"totalLatencyMs"`
	LastPersisted  time.Time            `json:"lastPersisted"`

	path   string
	now    func() time.Time
	logger *slog.Logger
	mutex  sync.RWMutex
}

// NewStatistics loads statistics from dataDir, starting empty when the file
// is missing or unreadable.
func NewStatistics(dataDir string, logger *slog.Logger) *Statistics {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Statistics{
		UniqueVisitors: make(map[string]time.Time),
		PopularHosts:   make(map[string]int),
		path:           filepath.Join(dataDir, statisticsFile),
		now:            time.Now,
		logger:         logger,
	}
	if err := s.Load(); err != nil {
		logger.Warn("could not load request statistics", "path", s.path, "error", err)
	}
	return s
}

// TrackVisitor records a unique visitor
func (s *Statistics) TrackVisitor(client string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.UniqueVisitors[client] = s.now()
}

// scannedHost reduces a scanned URL to its host. Loopback targets and our
// own API paths are not tracked.
func scannedHost(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.Contains(strings.ToLower(u.Path), "/api/") {
		return ""
	}
	return strings.TrimPrefix(host, "www.")
}

// TrackScan records one scan request with its handling latency.
func (s *Statistics) TrackScan(targetURL string, latency time.Duration, hasError bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ScanRequests++
	if host := scannedHost(targetURL); host != "" {
		s.PopularHosts[host]++
	}
	if hasError {
		s.ErrorCount++
	}
	s.TotalLatency += float64(latency.Milliseconds())
	s.AverageLatency = s.TotalLatency / float64(s.ScanRequests)
}

func (s *Statistics) uniqueVisitorsLocked() int {
	cutoff := s.now().Add(-visitorWindow)
	count := 0
	for _, lastVisit := range s.UniqueVisitors {
		if lastVisit.After(cutoff) {
			count++
		}
	}
	return count
}

// GetUniqueVisitorsCount returns the number of unique visitors in the last 24 hours
func (s *Statistics) GetUniqueVisitorsCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.uniqueVisitorsLocked()
}

type HostCount struct {
	Host  string `json:"host"`
	Count int    `json:"count"`
}

func (s *Statistics) popularHostsLocked(n int) []HostCount {
	out := make([]HostCount, 0, len(s.PopularHosts))
	for host, count := range s.PopularHosts {
		out = append(out, HostCount{Host: host, Count: count})
	}
	slices.SortFunc(out, func(a, b HostCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Host, b.Host)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// GetPopularHosts returns the n most scanned hosts, most frequent first.
func (s *Statistics) GetPopularHosts(n int) []HostCount {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.popularHostsLocked(n)
}

func (s *Statistics) errorRateLocked() float64 {
	if s.ScanRequests == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.ScanRequests) * 100
}

// GetErrorRate returns the error rate as a percentage
func (s *Statistics) GetErrorRate() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.errorRateLocked()
}

// Requests returns the number of scan requests tracked so far.
func (s *Statistics) Requests() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ScanRequests
}

// Save persists the statistics, dropping visitors outside the window.
func (s *Statistics) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := s.now().Add(-visitorWindow)
	for client, lastVisit := range s.UniqueVisitors {
		if !lastVisit.After(cutoff) {
			delete(s.UniqueVisitors, client)
		}
	}
	s.LastPersisted = s.now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode statistics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("could not create statistics dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("could not write statistics file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("could not replace statistics file: %w", err)
	}
	return nil
}

// SaveAsync persists in the background and logs failures.
func (s *Statistics) SaveAsync() {
	go func() {
		if err := s.Save(); err != nil {
			s.logger.Error("failed to save request statistics", "error", err)
		}
	}()
}

// Load reads the statistics from disk. A missing file is not an error.
func (s *Statistics) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not open statistics file: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("could not decode statistics: %w", err)
	}
	if s.UniqueVisitors == nil {
		s.UniqueVisitors = make(map[string]time.Time)
	}
	if s.PopularHosts == nil {
		s.PopularHosts = make(map[string]int)
	}
	return nil
}

// GetStatistics returns a summary. Popular hosts are only included in dev mode.
func (s *Statistics) GetStatistics(devMode bool) map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := map[string]any{
		"uniqueVisitors24h": s.uniqueVisitorsLocked(),
		"totalRequests":     s.ScanRequests,
		"errorRate":         s.errorRateLocked(),
		"averageLatencyMs":  s.AverageLatency,
	}
	if devMode {
		out["popularHosts"] = s.popularHostsLocked(5)
	}
	return out
}
