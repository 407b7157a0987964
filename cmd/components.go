package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/analysis"
	"github.com/xkilldash9x/dvrs/internal/batch"
	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/crawler"
	"github.com/xkilldash9x/dvrs/internal/scraper"
	"github.com/xkilldash9x/dvrs/internal/store"
)

// components holds the initialized services shared by the commands.
type components struct {
	Config       *config.Config
	Logger       *zap.Logger
	Browser      *browser.Session
	Store        *store.Store
	Crawler      *crawler.Client
	Registry     *scraper.Registry
	Orchestrator *batch.Orchestrator
}

// newComponents wires the scraping engine from cfg. Nothing is launched until first use.
func newComponents(cfg *config.Config, logger *zap.Logger, opts ...browser.SessionOption) *components {
	session := browser.NewSession(cfg.Browser, logger, opts...)
	st := store.New(cfg.Scraper.DataDir, logger)
	crawlerClient := crawler.New(cfg.Crawler, logger)

	env := scraper.Env{
		Pages:          session,
		Store:          st,
		Config:         cfg.Scraper,
		Crawler:        crawlerClient,
		CrawlerTimeout: cfg.Crawler.SingleTimeout,
		Logger:         logger,
	}
	ocr := scraper.NewTesseractEngine(cfg.Scraper.OCRCommand, cfg.Scraper.OCRLanguage)
	registry := scraper.NewRegistry(
		scraper.NewOfficial(env, ocr),
		scraper.NewStackOverflow(env),
		scraper.NewSnyk(env),
	)

	orch := batch.New(session, registry, st, batch.NewPacer(cfg.Batch, nil), logger,
		batch.WithCrawler(crawlerClient, cfg.Crawler.Timeout),
	)

	return &components{
		Config:       cfg,
		Logger:       logger,
		Browser:      session,
		Store:        st,
		Crawler:      crawlerClient,
		Registry:     registry,
		Orchestrator: orch,
	}
}

// newAnalysisService builds the analysis collaborator. Its records live in their own directory.
func newAnalysisService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*analysis.Service, error) {
	client, err := analysis.NewClient(ctx, cfg.Analysis, logger)
	if err != nil {
		return nil, err
	}
	st := store.New(cfg.Analysis.OutputDir, logger)
	return analysis.NewService(client, st, logger, analysis.WithProvider(string(cfg.Analysis.Provider))), nil
}

// Shutdown closes the shared browser.
func (c *components) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Browser.Cleanup(ctx); err != nil {
		c.Logger.Warn("Error during browser shutdown", zap.Error(err))
	}
}
