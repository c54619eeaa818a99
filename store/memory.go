package store

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often Run removes expired entries unless configured otherwise.
const DefaultSweepInterval = time.Minute

type memoryEntry struct {
	count      int64
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: counters are local to the process. When several server instances run,
// each keeps its own counts, so a client spreading requests across instances can
// exceed the intended limits. Use Memory for single-instance deployments, tests,
// and as the secondary store behind Fallback.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]*memoryEntry
	now      func() time.Time
	interval time.Duration
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval sets how often Run removes expired entries.
// Non-positive values keep the default.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMemory creates an in-memory store.
//
// Expired entries are never returned, but they stay in the map until a sweep
// removes them. Call Run in its own goroutine to sweep periodically; it stops
// when its context is cancelled.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  make(map[string]*memoryEntry),
		now:      time.Now,
		interval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Increment adds amount to the counter for key. The expiry check, window reset and
// increment run under a single write lock, so concurrent callers never lose updates.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration, amount int64) (int64, time.Duration, error) {
	if err := validateIncrement(window, amount); err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.expiration) {
		m.entries[key] = &memoryEntry{
			count:      amount,
			expiration: now.Add(window),
		}
		return amount, window, nil
	}

	entry.count += amount
	return entry.count, max(0, entry.expiration.Sub(now)), nil
}

// Get returns the current count for key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.expiration) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close drops all entries.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run sweeps expired entries on a fixed interval until ctx is done.
// It always returns nil so it can run directly inside an errgroup.
func (m *Memory) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep removes all expired entries and returns how many it removed.
// Candidates are re-checked under the write lock: an increment may have started a
// fresh window for the same key between the two lock acquisitions.
func (m *Memory) sweep() int {
	now := m.now()
	var expired []string

	m.mu.RLock()
	for key, entry := range m.entries {
		if !now.Before(entry.expiration) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	now = m.now()
	for _, key := range expired {
		if entry, exists := m.entries[key]; exists && !now.Before(entry.expiration) {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}
