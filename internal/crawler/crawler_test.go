package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/scheduler"
)

type stubFetcher struct {
	outcome func(url string) Outcome
	calls   atomic.Int64
	block   chan struct{}
}

func (f *stubFetcher) Fetch(_ context.Context, url string, _ http.Header) Outcome {
	f.calls.Add(1)
	if f.block != nil {
		// Deliberately ignores cancellation so tests can model a fetch that
		// has not yet observed it.
		<-f.block
	}
	if f.outcome != nil {
		return f.outcome(url)
	}
	return SuccessText(url, http.StatusOK, nil, []byte("ok"), time.Millisecond)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    time.Hour,
		Concurrency: 2,
		Timeout:     5 * time.Second,
	}
}

func newTestCrawler(cfg Config, store *fakeStore, fetcher Fetcher) *Crawler {
	return New(
		cfg,
		func(context.Context) (RecordStore, error) { return store, nil },
		func(*http.Client) Fetcher { return fetcher },
		zap.NewNop(),
	)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	c := newTestCrawler(testConfig(), store, &stubFetcher{})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.True(t, c.Status().Running)
	c.Stop(context.Background())
}

func TestStartWhenDisabledIsNoOp(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	opened := false
	c := New(
		cfg,
		func(context.Context) (RecordStore, error) { opened = true; return &fakeStore{}, nil },
		func(*http.Client) Fetcher { return &stubFetcher{} },
		zap.NewNop(),
	)

	require.NoError(t, c.Start(context.Background()))
	require.False(t, opened, "disabled crawler must not open resources")
	require.False(t, c.Status().Running)
}

func TestStartFailsWhenStoreCannotOpen(t *testing.T) {
	t.Parallel()

	c := New(
		testConfig(),
		func(context.Context) (RecordStore, error) { return nil, errors.New("dsn unreachable") },
		func(*http.Client) Fetcher { return &stubFetcher{} },
		zap.NewNop(),
	)

	err := c.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "open record store")
	require.False(t, c.Status().Running)
}

func TestStopReleasesResourcesInOrder(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	c := newTestCrawler(testConfig(), store, &stubFetcher{})

	require.NoError(t, c.Start(context.Background()))
	c.Stop(context.Background())

	require.True(t, store.closed)
	st := c.Status()
	require.False(t, st.Running)
	require.Zero(t, st.ActiveJobs)
}

func TestStopTwiceIsNoOpAndNeverBlocks(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	c := newTestCrawler(testConfig(), store, &stubFetcher{})
	require.NoError(t, c.Start(context.Background()))

	c.Stop(context.Background())
	done := make(chan struct{})
	go func() {
		c.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop blocked")
	}
}

func TestStopWaitsForInFlightFetch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	fetcher := &stubFetcher{block: make(chan struct{})}
	c := newTestCrawler(testConfig(), store, fetcher)
	require.NoError(t, c.AddJob("poll", time.Hour, func(ctx context.Context) error {
		_, err := c.RunBatch(ctx, []string{"https://example.com"})
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		c.Stop(context.Background())
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a fetch was still blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(fetcher.block)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight fetch resolved")
	}
	require.True(t, store.closed)
}

func TestStopSwallowsCloseErrors(t *testing.T) {
	t.Parallel()

	store := &erroringStore{fakeStore: &fakeStore{}}
	c := New(
		testConfig(),
		func(context.Context) (RecordStore, error) { return store, nil },
		func(*http.Client) Fetcher { return &stubFetcher{} },
		zap.NewNop(),
	)

	require.NoError(t, c.Start(context.Background()))
	c.Stop(context.Background())
	require.False(t, c.Status().Running, "crawler must be marked stopped even when close fails")
}

type erroringStore struct{ *fakeStore }

func (s *erroringStore) Close() error { return errors.New("close failed") }

func TestAddJobDuplicateName(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(testConfig(), &fakeStore{}, &stubFetcher{})
	body := func(context.Context) error { return nil }

	require.NoError(t, c.AddJob("poll", time.Minute, body))
	err := c.AddJob("poll", time.Second, body)
	require.ErrorIs(t, err, scheduler.ErrDuplicateJob)
	require.Equal(t, 1, c.Status().RegisteredJobs)
}

func TestRunBatchRequiresRunningCrawler(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(testConfig(), &fakeStore{}, &stubFetcher{})

	_, err := c.RunBatch(context.Background(), []string{"https://example.com"})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRunBatchFetchesAndPersists(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	fetcher := &stubFetcher{}
	c := newTestCrawler(testConfig(), store, fetcher)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	batch, err := c.RunBatch(context.Background(), []string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, 2, batch.Succeeded())
	require.Len(t, store.saved, 1)
	require.Len(t, store.saved[0], 2)
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 90 * time.Second
	c := newTestCrawler(cfg, &fakeStore{}, &stubFetcher{})
	require.NoError(t, c.AddJob("poll", time.Hour, func(context.Context) error { return nil }))
	require.NoError(t, c.AddJob("cleanup", time.Hour, func(context.Context) error { return nil }))

	st := c.Status()
	require.False(t, st.Running)
	require.Equal(t, 2, st.RegisteredJobs)
	require.Zero(t, st.ActiveJobs)
	require.Equal(t, 90.0, st.Config.IntervalSeconds)
	require.Equal(t, 2, st.Config.Concurrency)
	require.True(t, st.Config.Enabled)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().ActiveJobs == 2 }, time.Second, 5*time.Millisecond)
	c.Stop(context.Background())
	require.Zero(t, c.Status().ActiveJobs)
}

func TestRegisterStandardJobs(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sources = []string{"https://api.example.com/posts"}
	cfg.Feeds = []string{"https://feeds.example.com/rss"}
	cfg.Retention = 30 * 24 * time.Hour
	c := newTestCrawler(cfg, &fakeStore{}, &stubFetcher{})

	require.NoError(t, c.RegisterStandardJobs())
	require.Equal(t, 3, c.Status().RegisteredJobs)

	// Registering again collides on the job names.
	require.ErrorIs(t, c.RegisterStandardJobs(), scheduler.ErrDuplicateJob)
}

func TestStandardPollJobStoresRecords(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sources = []string{"https://api.example.com/posts"}
	store := &fakeStore{}
	fetcher := &stubFetcher{outcome: func(url string) Outcome {
		return SuccessJSON(url, http.StatusOK, nil, []byte(`[{"title":"t","body":"b"}]`),
			[]any{map[string]any{"title": "t", "body": "b"}}, time.Millisecond)
	}}
	c := newTestCrawler(cfg, store, fetcher)
	require.NoError(t, c.RegisterStandardJobs())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	var runs atomic.Int64
	c := newTestCrawler(testConfig(), store, &stubFetcher{})
	require.NoError(t, c.AddJob("poll", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	c.Stop(context.Background())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop(context.Background())
}
