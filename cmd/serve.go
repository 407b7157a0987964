package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/api"
	"github.com/xkilldash9x/dvrs/internal/observability"
)

const warmupTimeout = 10 * time.Minute

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the scraping HTTP API used by the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newComponents(cfg, logger)
			defer c.Shutdown()

			analyzer, err := newAnalysisService(ctx, cfg, logger)
			if err != nil {
				logger.Warn("AI analysis disabled.", zap.Error(err))
			}

			deps := api.Deps{
				Dispatcher: c.Registry,
				Batch:      c.Orchestrator,
				Browser:    c.Browser,
				Records:    c.Store,
			}
			// A typed nil would defeat the handler's nil check.
			if analyzer != nil {
				deps.Analyzer = analyzer
			}
			server := api.NewServer(cfg.Server, api.NewHandlers(logger, deps), logger)

			if cfg.Server.WarmBrowser {
				go warmBrowser(ctx, c, logger)
			}
			return server.Run(ctx)
		},
	}

	serveCmd.Flags().String("listen", "", "Address to listen on. (Overrides config/env)")
	serveCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")
	return serveCmd
}

// warmBrowser launches the shared browser in the background so the first scrape is fast.
// Failure is logged and retried lazily by the next scrape.
func warmBrowser(ctx context.Context, c *components, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	logger.Info("Checking browser installation...")
	if _, err := c.Browser.Ensure(ctx); err != nil {
		logger.Error("Failed to ensure browser", zap.Error(err))
		return
	}
	logger.Info("Browser is ready")
}
