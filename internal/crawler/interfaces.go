package crawler

import (
	"context"
	"net/http"
	"time"
)

// Fetcher retrieves one URL and classifies the result. Implementations never
// return an error; all failures are folded into the Outcome.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header) Outcome
}

// RecordStore persists processed records.
type RecordStore interface {
	SaveRecords(ctx context.Context, records []Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Cache remembers content hashes per source so unchanged payloads can be
// skipped. Cache failures are advisory; callers must treat errors as a miss.
type Cache interface {
	Seen(ctx context.Context, source, hash string) (bool, error)
	Remember(ctx context.Context, source, hash string) error
	Close() error
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
