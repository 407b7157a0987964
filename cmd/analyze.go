package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/analysis"
	"github.com/xkilldash9x/dvrs/internal/observability"
)

func newAnalyzeCmd() *cobra.Command {
	analyzeCmd := &cobra.Command{
		Use:   "analyze <findings.json>",
		Short: "Generates an AI mitigation report for a findings file and saves it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			findings, err := readFindings(args[0])
			if err != nil {
				return err
			}

			svc, err := newAnalysisService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			logID, _ := cmd.Flags().GetString("log-id")
			res, err := svc.Analyze(cmd.Context(), analysis.Request{
				LogID: logID,
				Data:  &analysis.Payload{Findings: findings},
			})
			if err != nil {
				var aerr *analysis.Error
				if errors.As(err, &aerr) {
					for _, l := range aerr.Logs {
						logger.Info(l.Message, zap.String("type", string(l.Type)))
					}
				}
				return err
			}
			return printJSON(cmd, res)
		},
	}

	analyzeCmd.Flags().String("log-id", "", "Scan log id recorded with the analysis (generated when empty).")
	analyzeCmd.Flags().String("provider", "", "LLM provider: ollama or gemini. (Overrides config/env)")
	analyzeCmd.Flags().String("model", "", "Model name. (Overrides config/env)")
	return analyzeCmd
}
