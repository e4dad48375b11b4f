package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/config"
	"github.com/polldata/crawlerd/internal/crawler"
)

type fakeService struct {
	status   crawler.Status
	batch    crawler.BatchResult
	batchErr error
	gotURLs  []string
}

func (f *fakeService) Status() crawler.Status { return f.status }

func (f *fakeService) RunBatch(_ context.Context, urls []string) (crawler.BatchResult, error) {
	f.gotURLs = urls
	return f.batch, f.batchErr
}

func testServerConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8000},
		Crawler: config.CrawlerConfig{MaxConcurrent: 5, TimeoutSeconds: 30, IntervalSeconds: 3600},
		DB:      config.DBConfig{Provider: "memory"},
		Cache:   config.CacheConfig{Provider: "memory"},
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeService{}, testServerConfig(), zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsCrawlerState(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: crawler.Status{
		Running: false,
		Config:  crawler.StatusConfig{Enabled: true},
	}}
	srv := NewServer(svc, testServerConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.status.Running = true
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzDisabledCrawlerIsReady(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: crawler.Status{Running: false}}
	srv := NewServer(svc, testServerConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: crawler.Status{
		Running:        true,
		ActiveJobs:     2,
		RegisteredJobs: 3,
		Config: crawler.StatusConfig{
			Enabled:         true,
			IntervalSeconds: 3600,
			Concurrency:     5,
			TimeoutSeconds:  30,
		},
	}}
	srv := NewServer(svc, testServerConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got crawler.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.True(t, got.Running)
	require.Equal(t, 2, got.ActiveJobs)
	require.Equal(t, 3, got.RegisteredJobs)
	require.Equal(t, 5, got.Config.Concurrency)
}

func TestPostFetch(t *testing.T) {
	t.Parallel()

	svc := &fakeService{batch: crawler.BatchResult{
		crawler.SuccessText("https://example.com/a", http.StatusOK, nil, []byte("hello"), 12*time.Millisecond),
		crawler.SoftFailure("https://example.com/b", http.StatusServiceUnavailable, "HTTP 503 Service Unavailable", time.Millisecond),
	}}
	srv := NewServer(svc, testServerConfig(), zap.NewNop())

	body, err := json.Marshal(map[string][]string{"urls": {"https://example.com/a", "https://example.com/b"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, svc.gotURLs)

	var resp struct {
		Outcomes  []map[string]any `json:"outcomes"`
		Succeeded int              `json:"succeeded"`
		Failed    int              `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Outcomes, 2)
	require.Equal(t, 1, resp.Succeeded)
	require.Equal(t, 1, resp.Failed)
	require.Equal(t, "success", resp.Outcomes[0]["kind"])
	require.Equal(t, "soft_failure", resp.Outcomes[1]["kind"])
}

func TestPostFetchValidation(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeService{}, testServerConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewReader([]byte("{not json"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewReader([]byte(`{"urls":[]}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostFetchWhenCrawlerStopped(t *testing.T) {
	t.Parallel()

	svc := &fakeService{batchErr: crawler.ErrNotRunning}
	srv := NewServer(svc, testServerConfig(), zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/fetch",
		bytes.NewReader([]byte(`{"urls":["https://example.com"]}`))))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	srv := NewServer(&fakeService{}, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status?api_key=sekret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeService{}, testServerConfig(), zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
