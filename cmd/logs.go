package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/dvrs/internal/observability"
)

func newLogsCmd() *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Prints the application log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			follow, _ := cmd.Flags().GetBool("follow")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return observability.Follow(ctx, cfg.Logger.LogFile, follow, cmd.OutOrStdout())
		},
	}
	logsCmd.Flags().BoolP("follow", "F", false, "Keep printing new lines as they are written.")
	return logsCmd
}
