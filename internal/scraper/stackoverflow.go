package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	soSearchInput   = `input[name="q"]`
	soResultsReady  = `(() => { const c = document.querySelector('.js-post-summaries'); return !!c && c.children.length > 0; })()`
	soResultsSource = "stackoverflow"
)

var soLinkSelectors = []string{
	`.js-post-summaries .s-post-summary--content-title a`,
	`.js-post-summaries a`,
}

// StackOverflowRecord is the persisted shape of a Stack Overflow search.
type StackOverflowRecord struct {
	Metadata        Metadata            `json:"metadata"`
	Query           string              `json:"query"`
	FirstLink       string              `json:"firstLink"`
	URLsData        URLsData            `json:"urlsData"`
	CrawlerResponse jsoniter.RawMessage `json:"crawlerResponse,omitempty"`
	CrawlerError    string              `json:"crawlerError,omitempty"`
}

// StackOverflow searches stackoverflow.com and keeps the first result.
type StackOverflow struct {
	env Env
}

// NewStackOverflow builds the Stack Overflow scraper.
func NewStackOverflow(env Env) *StackOverflow {
	env = env.withDefaults()
	env.Logger = env.Logger.Named("stackoverflow")
	return &StackOverflow{env: env}
}

func (s *StackOverflow) Source() SourceID { return SourceStackOverflow }

func (s *StackOverflow) Scrape(ctx context.Context, query string) (*Result, error) {
	cfg := s.env.Config
	logger := s.env.Logger.With(zap.String("query", query))
	logger.Info("Searching Stack Overflow.")

	page, err := openPage(ctx, s.env.Pages)
	if err != nil {
		return nil, err
	}
	defer closePage(page, logger)

	if err := page.Navigate(ctx, cfg.StackOverflowURL, cfg.NavigationTimeout); err != nil {
		return nil, err
	}
	if err := page.Fill(ctx, soSearchInput, query); err != nil {
		return nil, fmt.Errorf("failed to fill search box: %w", err)
	}
	if err := page.Submit(ctx, soSearchInput); err != nil {
		return nil, fmt.Errorf("failed to submit search: %w", err)
	}
	// Leaves time for the human-verification interstitial to clear.
	if err := s.env.Sleep(ctx, cfg.SearchSettle); err != nil {
		return nil, err
	}

	wait := func() error {
		if err := page.WaitFor(ctx, soResultsReady, cfg.ResultsTimeout); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}
	reload := func(err error, _ time.Duration) {
		logger.Warn("Search results not ready, reloading.", zap.Error(err))
		if rerr := page.Reload(ctx, cfg.NavigationTimeout); rerr != nil {
			logger.Debug("Reload failed.", zap.Error(rerr))
		}
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.env.RetryInterval), uint64(cfg.ResultsRetries)),
		ctx,
	)
	if err := backoff.RetryNotify(wait, policy, reload); err != nil {
		return nil, fmt.Errorf("%w: stack overflow results for %q did not load: %v", ErrNoResultsFound, query, err)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read results page: %w", err)
	}
	base, _ := page.URL(ctx)
	if base == "" {
		base = cfg.StackOverflowURL
	}
	links, err := extractLinks(html, base, soLinkSelectors, cfg.MaxResults)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: stack overflow returned nothing for %q", ErrNoResultsFound, query)
	}
	logger.Info("Found result.", zap.String("link", links[0]), zap.Int("count", len(links)))

	record := &StackOverflowRecord{
		Metadata: Metadata{
			ScrapeDate:  s.env.Now().UTC(),
			SourceURL:   cfg.StackOverflowURL,
			SearchQuery: query,
		},
		Query:     query,
		FirstLink: links[0],
		URLsData:  URLsData{URLs: links},
	}
	filename, err := s.env.Store.Save(record, soResultsSource)
	if err != nil {
		return nil, err
	}

	record.CrawlerResponse, record.CrawlerError = forward(ctx, s.env, links)
	if record.CrawlerResponse != nil || record.CrawlerError != "" {
		if err := s.env.Store.Put(filename, record); err != nil {
			return nil, err
		}
	}

	return &Result{
		Success: true,
		Data:    record,
		SavedAs: filename,
		URLs:    links,
		Message: "Stack Overflow search completed",
	}, nil
}
