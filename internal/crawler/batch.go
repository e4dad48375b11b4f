package crawler

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchRunner executes many independent fetches under a concurrency cap.
type BatchRunner struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewBatchRunner constructs a BatchRunner over the given fetcher.
func NewBatchRunner(fetcher Fetcher, logger *zap.Logger) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{fetcher: fetcher, logger: logger}
}

// Run fetches every URL with at most limit requests in flight and returns one
// outcome per URL in input order. A failing URL never cancels its siblings;
// an empty input returns immediately without touching the limiter.
func (b *BatchRunner) Run(ctx context.Context, urls []string, limit int) BatchResult {
	if len(urls) == 0 {
		return BatchResult{}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(urls) {
		limit = len(urls)
	}

	results := make(BatchResult, len(urls))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, url := range urls {
		g.Go(func() error {
			results[i] = b.fetcher.Fetch(ctx, url, nil)
			return nil
		})
	}
	// Fetchers fold failures into outcomes, so Wait never reports an error.
	_ = g.Wait()

	b.logger.Debug("batch finished",
		zap.Int("urls", len(urls)),
		zap.Int("limit", limit),
		zap.Int("succeeded", results.Succeeded()),
		zap.Int("failed", results.Failed()),
	)
	return results
}
