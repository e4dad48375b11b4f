// Package memory provides an in-memory record store for development/testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/polldata/crawlerd/internal/crawler"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("memory store is closed")

// Store keeps records in memory.
type Store struct {
	mu      sync.RWMutex
	records []crawler.Record
	closed  bool
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{}
}

// SaveRecords appends the batch.
func (s *Store) SaveRecords(_ context.Context, records []crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records = append(s.records, records...)
	return nil
}

// DeleteOlderThan drops records fetched before the cutoff.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if rec.FetchedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

// Records returns a copy of the stored records.
func (s *Store) Records() []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
