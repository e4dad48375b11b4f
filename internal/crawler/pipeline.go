package crawler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/metrics"
)

// Pipeline turns batch outcomes into records and persists them. Payloads whose
// content hash is already cached for their source are skipped.
type Pipeline struct {
	store  RecordStore
	cache  Cache
	hasher Hasher
	clock  Clock
	logger *zap.Logger
}

// NewPipeline constructs a Pipeline. The cache may be nil, in which case every
// payload is stored.
func NewPipeline(store RecordStore, cache Cache, hasher Hasher, clock Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		cache:  cache,
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}
}

// Process maps every successful outcome to records and saves them in one
// batch. Failed outcomes are counted and skipped; they were already logged at
// fetch time. The returned count is the number of records stored.
func (p *Pipeline) Process(ctx context.Context, batch BatchResult) (int, error) {
	var records []Record
	var hashes []sourceHash
	skipped := 0

	for _, outcome := range batch {
		if !outcome.OK() {
			continue
		}
		hash, err := p.hasher.Hash(outcome.Body)
		if err != nil {
			p.logger.Error("hash payload failed", zap.String("url", outcome.URL), zap.Error(err))
			continue
		}
		if p.seen(ctx, outcome.URL, hash) {
			skipped++
			continue
		}
		records = append(records, p.toRecords(outcome, hash)...)
		hashes = append(hashes, sourceHash{source: outcome.URL, hash: hash})
	}

	if skipped > 0 {
		metrics.RecordsDeduplicated(skipped)
	}
	if len(records) == 0 {
		p.logger.Debug("batch produced no new records",
			zap.Int("outcomes", len(batch)),
			zap.Int("unchanged", skipped),
		)
		return 0, nil
	}

	if err := p.store.SaveRecords(ctx, records); err != nil {
		return 0, fmt.Errorf("persist batch: %w", err)
	}
	// Hashes are remembered only after the persist lands, so a failed batch is
	// refetched as unseen on the next cycle.
	for _, sh := range hashes {
		p.remember(ctx, sh.source, sh.hash)
	}
	metrics.RecordsStored(len(records))
	p.logger.Info("batch persisted",
		zap.Int("records", len(records)),
		zap.Int("unchanged", skipped),
		zap.Int("failed", batch.Failed()),
	)
	return len(records), nil
}

type sourceHash struct {
	source string
	hash   string
}

// toRecords flattens a payload into records. A JSON array of objects yields
// one record per element; anything else yields a single record holding the
// raw payload.
func (p *Pipeline) toRecords(outcome Outcome, hash string) []Record {
	now := p.clock.Now()

	items, ok := outcome.Value.([]any)
	if outcome.Content != ContentJSON || !ok {
		return []Record{{
			ID:          uuid.NewString(),
			Source:      outcome.URL,
			Content:     string(outcome.Body),
			ContentHash: hash,
			FetchedAt:   now,
		}}
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec := Record{
			ID:          uuid.NewString(),
			Source:      outcome.URL,
			ContentHash: hash,
			FetchedAt:   now,
		}
		if obj, ok := item.(map[string]any); ok {
			rec.Title = stringField(obj, "title")
			rec.Content = stringField(obj, "body", "content")
		} else {
			rec.Content = fmt.Sprint(item)
		}
		records = append(records, rec)
	}
	return records
}

func (p *Pipeline) seen(ctx context.Context, source, hash string) bool {
	if p.cache == nil {
		return false
	}
	seen, err := p.cache.Seen(ctx, source, hash)
	if err != nil {
		// Cache trouble must never fail the pipeline; treat as a miss.
		p.logger.Warn("cache lookup failed", zap.String("source", source), zap.Error(err))
		return false
	}
	return seen
}

func (p *Pipeline) remember(ctx context.Context, source, hash string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Remember(ctx, source, hash); err != nil {
		p.logger.Warn("cache store failed", zap.String("source", source), zap.Error(err))
	}
}

func stringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
