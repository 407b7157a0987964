package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/observability"
	"github.com/xkilldash9x/dvrs/internal/scraper"
)

func newScrapeCmd() *cobra.Command {
	scrapeCmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes a single source and saves the record",
	}
	scrapeCmd.AddCommand(
		newSourceScrapeCmd(scraper.SourceOfficial, "official <url|CVE>", "Scrapes an official advisory page (a bare CVE id expands to the configured advisory URL)"),
		newSourceScrapeCmd(scraper.SourceStackOverflow, "stackoverflow <query...>", "Searches Stack Overflow and saves the top result"),
		newSourceScrapeCmd(scraper.SourceSnyk, "snyk <query...>", "Searches the Snyk vulnerability database and saves the top result"),
	)
	return scrapeCmd
}

func newSourceScrapeCmd(source scraper.SourceID, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			c := newComponents(cfg, logger)
			defer c.Shutdown()

			query := strings.Join(args, " ")
			res, err := c.Registry.Dispatch(cmd.Context(), source, query)
			if err != nil {
				logger.Error("Scrape failed", zap.String("source", string(source)), zap.Error(err))
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().String("data-dir", "", "Directory records are written to. (Overrides config/env)")
	cmd.Flags().Int("max-results", 0, "Links to keep per search. (Overrides config/env)")
	cmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	cmd.Flags().Bool("no-crawler", false, "Do not forward collected URLs to the crawler.")
	return cmd
}
