// Package httpfetch implements the fetch client over net/http.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/polldata/crawlerd/internal/crawler"
	"github.com/polldata/crawlerd/internal/metrics"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// PerHostQPS caps request rate per host; zero disables the limiter.
	PerHostQPS   float64
	PerHostBurst int
}

// Client fetches URLs and classifies each attempt into an Outcome. It never
// returns an error outward; timeouts and transport failures become hard
// failures, non-2xx statuses become soft failures.
type Client struct {
	cfg     Config
	session *http.Client
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Client around a shared HTTP session. The session is borrowed,
// not owned; the lifecycle controller creates and closes it.
func New(cfg Config, session *http.Client, logger *zap.Logger) *Client {
	if session == nil {
		session = &http.Client{Transport: NewTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	if cfg.PerHostBurst < 1 {
		cfg.PerHostBurst = 1
	}
	return &Client{
		cfg:      cfg,
		session:  session,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves one URL. JSON payloads are decoded into a structured value;
// everything else is returned as raw text paired with its URL and status.
func (c *Client) Fetch(ctx context.Context, target string, headers http.Header) crawler.Outcome {
	start := time.Now()

	if err := c.waitForHost(ctx, target); err != nil {
		return c.hard(target, fmt.Errorf("rate limit wait: %w", err), start)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return c.hard(target, fmt.Errorf("build request: %w", err), start)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.session.Do(req)
	if err != nil {
		return c.hard(target, fmt.Errorf("execute request: %w", err), start)
	}
	defer resp.Body.Close() //nolint:errcheck // read side already consumed

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return c.hard(target, fmt.Errorf("read body: %w", err), start)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.soft(target, resp.StatusCode, start)
	}
	return c.success(target, resp, body, start)
}

func (c *Client) success(target string, resp *http.Response, body []byte, start time.Time) crawler.Outcome {
	elapsed := time.Since(start)
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	var out crawler.Outcome
	if isJSON(contentType) {
		var value any
		if err := json.Unmarshal(body, &value); err != nil {
			return c.hard(target, fmt.Errorf("decode JSON body: %w", err), start)
		}
		out = crawler.SuccessJSON(target, resp.StatusCode, resp.Header.Clone(), body, value, elapsed)
	} else {
		out = crawler.SuccessText(target, resp.StatusCode, resp.Header.Clone(), body, elapsed)
	}

	metrics.ObserveFetch(string(crawler.OutcomeSuccess), elapsed)
	c.logger.Debug("fetch succeeded",
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.String("content", string(out.Content)),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", elapsed),
	)
	return out
}

func (c *Client) soft(target string, status int, start time.Time) crawler.Outcome {
	elapsed := time.Since(start)
	reason := fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	metrics.ObserveFetch(string(crawler.OutcomeSoftFailure), elapsed)
	c.logger.Warn("fetch returned error status",
		zap.String("url", target),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
	)
	return crawler.SoftFailure(target, status, reason, elapsed)
}

func (c *Client) hard(target string, err error, start time.Time) crawler.Outcome {
	elapsed := time.Since(start)
	metrics.ObserveFetch(string(crawler.OutcomeHardFailure), elapsed)
	c.logger.Error("fetch failed",
		zap.String("url", target),
		zap.Error(err),
		zap.Duration("duration", elapsed),
	)
	return crawler.HardFailure(target, err, elapsed)
}

// waitForHost blocks until the per-host limiter admits the request.
func (c *Client) waitForHost(ctx context.Context, target string) error {
	if c.cfg.PerHostQPS <= 0 {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		// Let request construction produce the definitive error.
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.PerHostQPS), c.cfg.PerHostBurst)
		c.limiters[u.Host] = limiter
	}
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host %s: %w", u.Host, err)
	}
	return nil
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json") ||
		strings.HasSuffix(firstToken(contentType), "+json")
}

func firstToken(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return strings.TrimSpace(contentType)
}

// NewTransport returns an HTTP transport with connection pooling tuned for
// repeated polling of a small set of hosts.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
