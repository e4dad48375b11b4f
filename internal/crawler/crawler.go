// Package crawler wires the fetch pipeline behind a start/stop lifecycle.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/clock/system"
	"github.com/polldata/crawlerd/internal/hash/sha256"
	"github.com/polldata/crawlerd/internal/metrics"
	"github.com/polldata/crawlerd/internal/scheduler"
)

// Config holds the static crawler configuration supplied by the host.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
	PerHostQPS  float64
	// Sources polled by the standard API job; Feeds by the feed job.
	Sources   []string
	Feeds     []string
	Retention time.Duration
}

// StoreOpener creates the record store when the crawler starts. The store is
// owned by the crawler until Stop closes it.
type StoreOpener func(ctx context.Context) (RecordStore, error)

// CacheOpener creates the dedupe cache when the crawler starts.
type CacheOpener func(ctx context.Context) (Cache, error)

// FetcherFactory builds the fetch client around the shared session.
type FetcherFactory func(session *http.Client) Fetcher

// Crawler is the lifecycle controller. It exclusively owns the shared HTTP
// session, record store, and cache; job bodies borrow them for the duration
// of one invocation and must never close or replace them.
type Crawler struct {
	cfg        Config
	logger     *zap.Logger
	clock      Clock
	hasher     Hasher
	openStore  StoreOpener
	openCache  CacheOpener
	newFetcher FetcherFactory
	newSession func() *http.Client

	mu       sync.Mutex
	running  bool
	session  *http.Client
	store    RecordStore
	cache    Cache
	runner   *BatchRunner
	pipeline *Pipeline
	sched    *scheduler.Scheduler
	jobs     []scheduler.Job
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// WithHasher overrides the content hasher.
func WithHasher(h Hasher) Option {
	return func(c *Crawler) { c.hasher = h }
}

// WithCacheOpener supplies a dedupe cache factory.
func WithCacheOpener(open CacheOpener) Option {
	return func(c *Crawler) { c.openCache = open }
}

// WithFetcherFactory overrides how the fetch client is built (used in tests).
func WithFetcherFactory(f FetcherFactory) Option {
	return func(c *Crawler) { c.newFetcher = f }
}

// WithSessionFactory overrides how the shared HTTP session is built.
func WithSessionFactory(f func() *http.Client) Option {
	return func(c *Crawler) { c.newSession = f }
}

// New constructs a stopped Crawler. The fetcher factory binds the fetch
// client to the session the controller opens on Start.
func New(cfg Config, openStore StoreOpener, newFetcher FetcherFactory, logger *zap.Logger, opts ...Option) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		cfg:        cfg,
		logger:     logger,
		openStore:  openStore,
		newFetcher: newFetcher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddJob registers a recurring job. Usable before Start; a duplicate name
// fails with scheduler.ErrDuplicateJob and leaves the first job in place.
func (c *Crawler) AddJob(name string, interval time.Duration, body scheduler.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		if j.Name == name {
			return fmt.Errorf("add job %q: %w", name, scheduler.ErrDuplicateJob)
		}
	}
	job := scheduler.Job{Name: name, Interval: interval, Body: body}
	if c.sched != nil {
		if err := c.sched.Register(job); err != nil {
			return err
		}
	}
	c.jobs = append(c.jobs, job)
	return nil
}

// RegisterStandardJobs adds the built-in poll and cleanup jobs derived from
// the configuration: an API poll over Sources on Interval, a feed poll over
// Feeds at twice the interval, and a daily retention cleanup.
func (c *Crawler) RegisterStandardJobs() error {
	if len(c.cfg.Sources) > 0 {
		if err := c.AddJob("api_poll", c.cfg.Interval, c.pollBody(c.cfg.Sources)); err != nil {
			return err
		}
	}
	if len(c.cfg.Feeds) > 0 {
		if err := c.AddJob("feed_poll", 2*c.cfg.Interval, c.pollBody(c.cfg.Feeds)); err != nil {
			return err
		}
	}
	if c.cfg.Retention > 0 {
		if err := c.AddJob("cleanup", 24*time.Hour, c.cleanupBody()); err != nil {
			return err
		}
	}
	return nil
}

// Start opens the shared session, store, and cache, then starts every
// registered job. Idempotent; a second call while running returns nil.
// When the crawler is disabled, Start logs and returns without side effects.
func (c *Crawler) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if !c.cfg.Enabled {
		c.logger.Info("crawler is disabled")
		return nil
	}
	c.logger.Info("starting crawler",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.Int("jobs", len(c.jobs)),
	)

	session := c.buildSession()

	store, err := c.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	var cache Cache
	if c.openCache != nil {
		cache, err = c.openCache(ctx)
		if err != nil {
			c.closeStore(store)
			return fmt.Errorf("open cache: %w", err)
		}
	}

	fetcher := c.newFetcher(session)
	c.session = session
	c.store = store
	c.cache = cache
	c.runner = NewBatchRunner(fetcher, c.logger)
	c.pipeline = NewPipeline(store, cache, c.contentHasher(), c.timeSource(), c.logger)

	c.sched = scheduler.New(c.logger)
	for _, job := range c.jobs {
		if err := c.sched.Register(job); err != nil {
			// Job names were already checked in AddJob.
			c.logger.Error("register job failed", zap.String("job", job.Name), zap.Error(err))
		}
	}
	c.sched.StartAll()
	c.running = true
	c.logger.Info("crawler started")
	return nil
}

// Stop cancels all jobs, waits for in-flight bodies, then releases the
// session and store in that order. Close errors are logged and swallowed;
// the crawler is marked stopped regardless. Idempotent and non-blocking when
// already stopped.
func (c *Crawler) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.logger.Info("stopping crawler")
	sched := c.sched
	session := c.session
	store := c.store
	cache := c.cache
	c.running = false
	c.sched = nil
	c.session = nil
	c.store = nil
	c.cache = nil
	c.runner = nil
	c.pipeline = nil
	c.mu.Unlock()

	// In-flight bodies hold their own references to the borrowed handles, so
	// draining before release is safe.
	sched.StopAll()

	session.CloseIdleConnections()
	c.closeStore(store)
	if cache != nil {
		if err := cache.Close(); err != nil {
			c.logger.Warn("close cache failed", zap.Error(err))
		}
	}
	c.logger.Info("crawler stopped")
}

// Status returns a point-in-time snapshot. It never blocks on job execution
// and never fails.
func (c *Crawler) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:        c.running,
		RegisteredJobs: len(c.jobs),
		Config: StatusConfig{
			Enabled:         c.cfg.Enabled,
			IntervalSeconds: c.cfg.Interval.Seconds(),
			Concurrency:     c.cfg.Concurrency,
			TimeoutSeconds:  c.cfg.Timeout.Seconds(),
		},
	}
	if c.sched != nil {
		st.ActiveJobs = c.sched.ActiveCount()
	}
	return st
}

// RunBatch fetches the given URLs under the configured concurrency cap and
// feeds the results through the pipeline. Returns ErrNotRunning when the
// crawler is stopped.
func (c *Crawler) RunBatch(ctx context.Context, urls []string) (BatchResult, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	runner := c.runner
	pipeline := c.pipeline
	limit := c.cfg.Concurrency
	c.mu.Unlock()

	metrics.ObserveBatch(len(urls))
	batch := runner.Run(ctx, urls, limit)
	if _, err := pipeline.Process(ctx, batch); err != nil {
		return batch, err
	}
	return batch, nil
}

func (c *Crawler) pollBody(urls []string) scheduler.Body {
	return func(ctx context.Context) error {
		_, err := c.RunBatch(ctx, urls)
		if errors.Is(err, ErrNotRunning) {
			// Shutdown raced the tick; nothing to do.
			return nil
		}
		return err
	}
}

func (c *Crawler) cleanupBody() scheduler.Body {
	return func(ctx context.Context) error {
		c.mu.Lock()
		store := c.store
		c.mu.Unlock()
		if store == nil {
			return nil
		}
		cutoff := c.timeSource().Now().Add(-c.cfg.Retention)
		deleted, err := store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup old records: %w", err)
		}
		c.logger.Info("cleanup completed",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
		return nil
	}
}

func (c *Crawler) buildSession() *http.Client {
	if c.newSession != nil {
		return c.newSession()
	}
	return &http.Client{}
}

func (c *Crawler) closeStore(store RecordStore) {
	if err := store.Close(); err != nil {
		c.logger.Warn("close record store failed", zap.Error(err))
	}
}

func (c *Crawler) timeSource() Clock {
	if c.clock != nil {
		return c.clock
	}
	return system.New()
}

func (c *Crawler) contentHasher() Hasher {
	if c.hasher != nil {
		return c.hasher
	}
	return sha256.New()
}
