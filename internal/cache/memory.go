// Package cache provides content-hash caches used to skip unchanged payloads.
package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	hash    string
	expires time.Time
}

// Memory is a process-local cache with per-entry TTL.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory constructs a Memory cache. A zero TTL keeps entries forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Seen reports whether the source's last remembered hash matches.
func (m *Memory) Seen(_ context.Context, source, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[source]
	if !ok {
		return false, nil
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		delete(m.entries, source)
		return false, nil
	}
	return entry.hash == hash, nil
}

// Remember stores the source's current hash.
func (m *Memory) Remember(_ context.Context, source, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{hash: hash}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.entries[source] = entry
	return nil
}

// Close drops all entries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
