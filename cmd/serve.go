package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polldata/crawlerd/internal/api"
	"github.com/polldata/crawlerd/internal/cache"
	"github.com/polldata/crawlerd/internal/config"
	"github.com/polldata/crawlerd/internal/crawler"
	"github.com/polldata/crawlerd/internal/fetcher/httpfetch"
	"github.com/polldata/crawlerd/internal/logging"
	"github.com/polldata/crawlerd/internal/metrics"
	"github.com/polldata/crawlerd/internal/storage/memory"
	"github.com/polldata/crawlerd/internal/storage/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler and its status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			metrics.Init()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cr := buildCrawler(cfg, logger)
	if err := cr.RegisterStandardJobs(); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	if err := cr.Start(ctx); err != nil {
		return fmt.Errorf("start crawler: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(cr, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status API listening", zap.Int("port", cfg.Server.Port))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status API failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown failed", zap.Error(err))
	}
	cr.Stop(shutdownCtx)
	return nil
}

func buildCrawler(cfg config.Config, logger *zap.Logger) *crawler.Crawler {
	crawlerCfg := crawler.Config{
		Enabled:     cfg.Crawler.Enabled,
		Interval:    cfg.Crawler.Interval(),
		Concurrency: cfg.Crawler.MaxConcurrent,
		Timeout:     cfg.Crawler.Timeout(),
		UserAgent:   cfg.Crawler.UserAgent,
		PerHostQPS:  cfg.Crawler.PerHostQPS,
		Sources:     cfg.Crawler.Sources,
		Feeds:       cfg.Crawler.Feeds,
		Retention:   cfg.Crawler.Retention(),
	}

	opts := []crawler.Option{
		crawler.WithSessionFactory(func() *http.Client {
			return &http.Client{Transport: httpfetch.NewTransport()}
		}),
	}
	if opener := cacheOpener(cfg); opener != nil {
		opts = append(opts, crawler.WithCacheOpener(opener))
	}

	return crawler.New(
		crawlerCfg,
		storeOpener(cfg),
		fetcherFactory(cfg, logger),
		logger,
		opts...,
	)
}

func storeOpener(cfg config.Config) crawler.StoreOpener {
	switch cfg.DB.Provider {
	case "postgres":
		return func(ctx context.Context) (crawler.RecordStore, error) {
			return postgres.New(ctx, postgres.Config{
				DSN:      cfg.DB.DSN,
				Table:    cfg.DB.Table,
				MaxConns: cfg.DB.MaxConns,
				MinConns: cfg.DB.MinConns,
			})
		}
	default:
		return func(context.Context) (crawler.RecordStore, error) {
			return memory.NewStore(), nil
		}
	}
}

func cacheOpener(cfg config.Config) crawler.CacheOpener {
	switch cfg.Cache.Provider {
	case "redis":
		return func(ctx context.Context) (crawler.Cache, error) {
			return cache.NewRedis(ctx, cache.RedisConfig{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
				TTL:      cfg.Cache.TTL(),
			})
		}
	case "none":
		return nil
	default:
		return func(context.Context) (crawler.Cache, error) {
			return cache.NewMemory(cfg.Cache.TTL()), nil
		}
	}
}

func fetcherFactory(cfg config.Config, logger *zap.Logger) crawler.FetcherFactory {
	return func(session *http.Client) crawler.Fetcher {
		return httpfetch.New(httpfetch.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Crawler.Timeout(),
			MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
			PerHostQPS:   cfg.Crawler.PerHostQPS,
		}, session, logger)
	}
}
