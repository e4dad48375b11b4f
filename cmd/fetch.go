package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/polldata/crawlerd/internal/config"
	"github.com/polldata/crawlerd/internal/crawler"
	"github.com/polldata/crawlerd/internal/fetcher/httpfetch"
	"github.com/polldata/crawlerd/internal/logging"
	"github.com/polldata/crawlerd/internal/metrics"
)

func newFetchCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Run one bounded batch fetch and print the outcomes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if concurrency <= 0 {
				concurrency = cfg.Crawler.MaxConcurrent
			}

			session := &http.Client{Transport: httpfetch.NewTransport()}
			defer session.CloseIdleConnections()
			fetcher := httpfetch.New(httpfetch.Config{
				UserAgent:    cfg.Crawler.UserAgent,
				Timeout:      cfg.Crawler.Timeout(),
				MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
				PerHostQPS:   cfg.Crawler.PerHostQPS,
			}, session, logger)

			runner := crawler.NewBatchRunner(fetcher, logger)
			start := time.Now()
			batch := runner.Run(cmd.Context(), args, concurrency)

			for _, o := range batch {
				switch o.Kind {
				case crawler.OutcomeSuccess:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%d bytes\n",
						o.URL, o.StatusCode, o.Content, len(o.Body))
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
						o.URL, o.Kind, o.ErrorText())
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d succeeded, %d failed in %s\n",
				batch.Succeeded(), batch.Failed(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "max in-flight fetches (default: crawler.max_concurrent)")
	return cmd
}
