package stats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// MonthlyStats counts scan outcomes for one calendar month.
type MonthlyStats struct {
	ScansCompleted  int       `json:"scans_completed"`
	ScansFailed     int       `json:"scans_failed"`
	ScansBlocked    int       `json:"scans_blocked"`
	ScansDegraded   int       `json:"scans_degraded"`
	AIGenerated     int       `json:"ai_generated"`
	AIFailed        int       `json:"ai_failed"`
	SyntaxRepairs   int       `json:"syntax_repairs"`
	EnvelopeUnwraps int       `json:"envelope_unwraps"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ScanOutcome is what one finished scan contributes to the counters.
type ScanOutcome struct {
	Completed bool
	Blocked   bool
	Degraded  bool
	// AIAttempted is false when no LLM was configured.
	AIAttempted    bool
	AIGenerated    bool
	SyntaxRepaired bool
	Unwrapped      bool
}

// Storage handles persistent storage of statistics
type Storage struct {
	mutex       sync.RWMutex
	saveMu      sync.Mutex
	stats       map[string]*MonthlyStats // key: "YYYY-MM"
	filePath    string
	lastWrite   time.Time
	writeBuffer chan struct{}
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	now         func() time.Time
	logger      *slog.Logger
}

// NewStorage creates a new statistics storage instance
func NewStorage(dataDir string, logger *slog.Logger) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Storage{
		stats:       make(map[string]*MonthlyStats),
		filePath:    filepath.Join(dataDir, "scan_stats.json"),
		writeBuffer: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
		logger:      logger,
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	go s.backgroundWriter()

	return s, nil
}

// load reads statistics from file
func (s *Storage) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return json.Unmarshal(data, &s.stats)
}

// save writes statistics to a temp file and renames it into place.
func (s *Storage) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mutex.RLock()
	data, err := json.Marshal(s.stats)
	s.mutex.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, s.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

func (s *Storage) saveLogged() {
	if err := s.save(); err != nil {
		s.logger.Error("failed to save scan statistics", "error", err)
	}
}

// backgroundWriter handles periodic writes to disk
func (s *Storage) backgroundWriter() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.writeBuffer:
			s.saveLogged()
		case <-ticker.C:
			s.saveLogged()
		case <-s.stop:
			s.saveLogged()
			return
		}
	}
}

func (s *Storage) currentMonth() string {
	return s.now().Format("2006-01")
}

// requestWrite signals that a write to disk is needed
func (s *Storage) requestWrite() {
	select {
	case s.writeBuffer <- struct{}{}:
	default:
		// write already pending
	}
}

// RecordScan adds one finished scan to the current month.
func (s *Storage) RecordScan(o ScanOutcome) {
	month := s.currentMonth()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stats, exists := s.stats[month]
	if !exists {
		stats = &MonthlyStats{}
		s.stats[month] = stats
	}

	switch {
	case o.Completed:
		stats.ScansCompleted++
	case o.Blocked:
		stats.ScansBlocked++
	default:
		stats.ScansFailed++
	}
	if o.Degraded {
		stats.ScansDegraded++
	}
	if o.AIAttempted {
		if o.AIGenerated {
			stats.AIGenerated++
		} else {
			stats.AIFailed++
		}
	}
	if o.SyntaxRepaired {
		stats.SyntaxRepairs++
	}
	if o.Unwrapped {
		stats.EnvelopeUnwraps++
	}
	now := s.now()
	stats.LastUpdated = now

	if now.Sub(s.lastWrite) > time.Minute {
		s.requestWrite()
		s.lastWrite = now
	}
}

// GetCurrentStats returns statistics for the current month
func (s *Storage) GetCurrentStats() MonthlyStats {
	month := s.currentMonth()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if stats, exists := s.stats[month]; exists {
		return *stats
	}
	return MonthlyStats{}
}

// Cleanup keeps the current month and the retainMonths months before it.
func (s *Storage) Cleanup(retainMonths int) {
	now := s.now()
	keep := make(map[string]bool, retainMonths+1)
	for i := 0; i <= max(retainMonths, 0); i++ {
		keep[now.AddDate(0, -i, 0).Format("2006-01")] = true
	}

	s.mutex.Lock()
	removed := 0
	for key := range s.stats {
		if !keep[key] {
			delete(s.stats, key)
			removed++
		}
	}
	s.mutex.Unlock()

	s.requestWrite()
	s.logger.Debug("pruned scan statistics", "removed_months", removed, "retained", retainMonths)
}

// GetMonthlyStats returns statistics for a specific month
func (s *Storage) GetMonthlyStats(yearMonth string) (MonthlyStats, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if stats, exists := s.stats[yearMonth]; exists {
		return *stats, true
	}
	return MonthlyStats{}, false
}

// GetAllMonths returns all months with statistics, newest first.
func (s *Storage) GetAllMonths() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	months := make([]string, 0, len(s.stats))
	for month := range s.stats {
		months = append(months, month)
	}
	slices.Sort(months)
	slices.Reverse(months)
	return months
}

// Close stops the background writer after a final save.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
