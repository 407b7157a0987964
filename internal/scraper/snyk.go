package scraper

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/vuln"
)

const (
	snykSearchInput = `.input__field`
	snykRows        = `.vulns-table__container table tbody tr`
	snykRowsReady   = `document.querySelectorAll('.vulns-table__container table tbody tr').length > 0`
)

// SnykRecord is the persisted shape of a Snyk vulnerability database search.
type SnykRecord struct {
	Metadata Metadata `json:"metadata"`
	Data     SnykData `json:"data"`
}

// SnykData holds the search outcome.
type SnykData struct {
	Source   string   `json:"source"`
	Query    string   `json:"query"`
	CVE      string   `json:"cve"`
	Results  []string `json:"results"`
	URLsData URLsData `json:"urlsData"`
}

// Snyk searches security.snyk.io and keeps the first matching advisory.
type Snyk struct {
	env Env
}

// NewSnyk builds the Snyk scraper.
func NewSnyk(env Env) *Snyk {
	env = env.withDefaults()
	env.Logger = env.Logger.Named("snyk")
	return &Snyk{env: env}
}

func (s *Snyk) Source() SourceID { return SourceSnyk }

func (s *Snyk) Scrape(ctx context.Context, query string) (*Result, error) {
	cfg := s.env.Config
	logger := s.env.Logger.With(zap.String("query", query))
	logger.Info("Searching Snyk.")

	page, err := openPage(ctx, s.env.Pages)
	if err != nil {
		return nil, err
	}
	defer closePage(page, logger)

	if err := page.Navigate(ctx, cfg.SnykURL, cfg.NavigationTimeout); err != nil {
		return nil, err
	}
	if err := s.env.Sleep(ctx, cfg.PostLoadWait); err != nil {
		return nil, err
	}
	if err := page.WaitVisible(ctx, snykSearchInput, cfg.ResultsTimeout); err != nil {
		return nil, fmt.Errorf("snyk search box not found: %w", err)
	}
	if err := page.Fill(ctx, snykSearchInput, query); err != nil {
		return nil, fmt.Errorf("failed to fill search box: %w", err)
	}
	if err := page.Submit(ctx, snykSearchInput); err != nil {
		return nil, fmt.Errorf("failed to submit search: %w", err)
	}
	if err := page.WaitFor(ctx, snykRowsReady, cfg.ResultsTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: snyk results for %q did not load: %v", ErrNoResultsFound, query, err)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read results page: %w", err)
	}
	base, _ := page.URL(ctx)
	if base == "" {
		base = cfg.SnykURL
	}
	links, err := extractRowLinks(html, base, snykRows, cfg.MaxResults)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: no links in the snyk results table for %q", ErrNoResultsFound, query)
	}

	cveCode := vuln.FindCVE(query)
	if cveCode == "" {
		cveCode = query
	}
	logger.Info("Found result.", zap.String("link", links[0]), zap.String("cve", cveCode))

	record := &SnykRecord{
		Metadata: Metadata{
			ScrapeDate:  s.env.Now().UTC(),
			SourceURL:   cfg.SnykURL,
			SearchQuery: query,
			ResultCount: len(links),
			CVECode:     cveCode,
		},
		Data: SnykData{
			Source:   string(SourceSnyk),
			Query:    query,
			CVE:      cveCode,
			Results:  links,
			URLsData: URLsData{URLs: links, CVE: cveCode, Source: string(SourceSnyk)},
		},
	}
	filename, err := s.env.Store.Save(record, "snyk-"+cveCode)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success: true,
		Data:    record,
		SavedAs: filename,
		URLs:    links,
		Message: "Snyk search completed",
	}, nil
}
