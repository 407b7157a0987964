package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/dvrs/internal/observability"
	"github.com/xkilldash9x/dvrs/internal/scraper"
	"github.com/xkilldash9x/dvrs/internal/vuln"
)

func newBatchCmd() *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch [CVE...]",
		Short: "Scrapes every requested source for every CVE and saves one summary record",
		Long: `Scrapes every requested source for every CVE, in order, and saves one
batch-scraping record. CVEs come from the arguments, from --findings, or both.
A failing source never aborts the batch; it is recorded in the summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}

			findingsPath, _ := cmd.Flags().GetString("findings")
			cves, err := collectCVEs(args, findingsPath)
			if err != nil {
				return err
			}
			if len(cves) == 0 {
				return fmt.Errorf("no CVEs given (pass ids as arguments or use --findings)")
			}

			sourceNames, _ := cmd.Flags().GetStringSlice("sources")
			sources := make([]scraper.SourceID, 0, len(sourceNames))
			for _, s := range sourceNames {
				if s = strings.TrimSpace(s); s != "" {
					sources = append(sources, scraper.ParseSourceID(s))
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newComponents(cfg, observability.GetLogger())
			defer c.Shutdown()

			res, err := c.Orchestrator.RunBatch(ctx, cves, sources)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	batchCmd.Flags().StringSliceP("sources", "s", []string{"snyk", "stackoverflow"}, "Sources to query, in order.")
	batchCmd.Flags().StringP("findings", "f", "", "Findings JSON file to take CVE ids from.")
	batchCmd.Flags().String("data-dir", "", "Directory records are written to. (Overrides config/env)")
	batchCmd.Flags().Int("max-results", 0, "Links to keep per search. (Overrides config/env)")
	batchCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	batchCmd.Flags().Bool("no-crawler", false, "Do not forward collected URLs to the crawler.")
	return batchCmd
}

// collectCVEs merges argument ids with those referenced by the findings file, once each.
func collectCVEs(args []string, findingsPath string) ([]string, error) {
	cves := append([]string(nil), args...)
	if findingsPath != "" {
		findings, err := readFindings(findingsPath)
		if err != nil {
			return nil, err
		}
		cves = append(cves, vuln.ExtractCVEs(findings)...)
	}
	return vuln.NormalizeCVEs(cves), nil
}
