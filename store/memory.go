package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	storedAt  time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps records in process memory. Expired entries are dropped
// by a background sweep, and the oldest entries go first once MaxEntries
// is exceeded.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore starts a sweep every cleanupInterval (5 minutes when zero).
// maxEntries <= 0 means unbounded.
func NewMemoryStore(maxEntries int, cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go m.periodicCleanup(cleanupInterval)
	return m
}

func (m *MemoryStore) periodicCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

// cleanup removes expired entries and enforces the size limit.
func (m *MemoryStore) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}

	if m.maxEntries <= 0 || len(m.entries) <= m.maxEntries {
		return
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	entries := make([]aged, 0, len(m.entries))
	for key, e := range m.entries {
		entries = append(entries, aged{key, e.storedAt})
	}
	slices.SortFunc(entries, func(a, b aged) int {
		return a.storedAt.Compare(b.storedAt)
	})
	for _, e := range entries[:len(entries)-m.maxEntries] {
		delete(m.entries, e.key)
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	m.entries[key] = memoryEntry{
		value:     slices.Clone(value),
		expiresAt: expiry(now, ttl),
		storedAt:  now,
	}
	over := m.maxEntries > 0 && len(m.entries) > m.maxEntries
	m.mu.Unlock()

	if over {
		m.cleanup()
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included until the
// next sweep.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
