// Package batch fans a list of CVEs out over the requested sources and aggregates the evidence.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/crawler"
	"github.com/xkilldash9x/dvrs/internal/scraper"
)

const filenameHint = "batch-scraping"

var (
	// ErrEmptyCVEList is returned when no CVE ids were supplied.
	ErrEmptyCVEList = errors.New("cve list is empty")
	// ErrNoUsableSources is returned when none of the requested sources can be dispatched.
	ErrNoUsableSources = errors.New("no usable sources requested")
)

const noResultsMessage = "No results returned"

// SourceOutcome is the per-(CVE, source) result.
type SourceOutcome struct {
	Success  bool   `json:"success"`
	SavedAs  string `json:"savedAs,omitempty"`
	URLCount int    `json:"urlCount,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CVEResult collects every source's outcome for one CVE.
type CVEResult struct {
	CVE     string                             `json:"cve"`
	Sources map[scraper.SourceID]SourceOutcome `json:"sources"`
	URLs    []string                           `json:"urls"`
	Success bool                               `json:"success"`
}

// Metadata summarizes a batch run.
type Metadata struct {
	BatchID        string             `json:"batchId"`
	BatchDate      time.Time          `json:"batchDate"`
	TotalCVEs      int                `json:"totalCVEs"`
	SuccessfulCVEs int                `json:"successfulCVEs"`
	FailedCVEs     int                `json:"failedCVEs"`
	Sources        []scraper.SourceID `json:"sources"`
	SkippedSources []scraper.SourceID `json:"skippedSources,omitempty"`
	TotalURLs      int                `json:"totalUrls"`
}

// Data is the body of a batch record.
type Data struct {
	CVEList []string           `json:"cveList"`
	Sources []scraper.SourceID `json:"sources"`
	Results []CVEResult        `json:"results"`
	AllURLs []string           `json:"allUrls"`
}

// Record is the persisted batch summary.
type Record struct {
	Metadata      Metadata            `json:"metadata"`
	Data          Data                `json:"data"`
	CrawlerResult jsoniter.RawMessage `json:"crawlerResult,omitempty"`
	CrawlerError  string              `json:"crawlerError,omitempty"`
}

// Summary is the headline count returned to callers.
type Summary struct {
	TotalCVEs      int `json:"totalCVEs"`
	SuccessfulCVEs int `json:"successfulCVEs"`
	FailedCVEs     int `json:"failedCVEs"`
	TotalURLs      int `json:"totalUrls"`
}

// Result is what RunBatch returns.
type Result struct {
	Success       bool                `json:"success"`
	Summary       Summary             `json:"summary"`
	Data          *Record             `json:"data"`
	SavedAs       string              `json:"savedAs"`
	CrawlerResult jsoniter.RawMessage `json:"crawlerResult,omitempty"`
	CrawlerError  string              `json:"crawlerError,omitempty"`
	AllURLs       []string            `json:"allUrls"`
}

// Dispatcher resolves and runs source scrapers. *scraper.Registry satisfies it.
type Dispatcher interface {
	Resolve(id scraper.SourceID) (scraper.Scraper, error)
	Dispatch(ctx context.Context, id scraper.SourceID, query string) (*scraper.Result, error)
}

// Browser is the part of the browser session the orchestrator needs.
type Browser interface {
	Ensure(ctx context.Context) (*browser.Handle, error)
}

// Orchestrator runs batches sequentially over a shared browser.
type Orchestrator struct {
	browser        Browser
	dispatcher     Dispatcher
	store          scraper.RecordStore
	crawler        scraper.Forwarder
	crawlerTimeout time.Duration
	pacer          *Pacer
	logger         *zap.Logger
	now            func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCrawler enables forwarding of the aggregated URLs.
func WithCrawler(f scraper.Forwarder, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.crawler = f
		o.crawlerTimeout = timeout
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(b Browser, d Dispatcher, st scraper.RecordStore, pacer *Pacer, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		browser:    b,
		dispatcher: d,
		store:      st,
		pacer:      pacer,
		logger:     logger.Named("batch"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// QueryFor returns the search text a source expects for cve.
func QueryFor(source scraper.SourceID, cve string) string {
	if source == scraper.SourceStackOverflow {
		return cve + " vulnerability"
	}
	return cve
}

// TagURL appends the provenance fragment "#{cve}-{source}".
func TagURL(url, cve string, source scraper.SourceID) string {
	return fmt.Sprintf("%s#%s-%s", url, cve, source)
}

// RunBatch scrapes every requested source for every CVE, in order. Per-source failures are
// recorded in the result and never abort the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, cves []string, sources []scraper.SourceID) (*Result, error) {
	cveList := make([]string, 0, len(cves))
	for _, c := range cves {
		if c = strings.TrimSpace(c); c != "" {
			cveList = append(cveList, c)
		}
	}
	if len(cveList) == 0 {
		return nil, ErrEmptyCVEList
	}

	active, skipped := o.resolveSources(sources)
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableSources, sources)
	}

	batchID := uuid.NewString()
	logger := o.logger.With(zap.String("batch_id", batchID))
	logger.Info("Starting batch.", zap.Int("cves", len(cveList)), zap.Any("sources", active))

	if _, err := o.browser.Ensure(ctx); err != nil {
		return nil, err
	}

	record := &Record{
		Metadata: Metadata{
			BatchID:        batchID,
			SkippedSources: skipped,
			Sources:        active,
			TotalCVEs:      len(cveList),
		},
		Data: Data{
			CVEList: cveList,
			Sources: active,
			Results: make([]CVEResult, 0, len(cveList)),
			AllURLs: []string{},
		},
	}

	for i, cve := range cveList {
		result := CVEResult{
			CVE:     cve,
			Sources: make(map[scraper.SourceID]SourceOutcome, len(active)),
			URLs:    []string{},
		}

		for _, source := range active {
			if err := o.pacer.BeforeDispatch(ctx); err != nil {
				return nil, err
			}
			outcome, urls := o.dispatch(ctx, logger, cve, source)
			result.Sources[source] = outcome
			result.URLs = append(result.URLs, urls...)
			record.Data.AllURLs = append(record.Data.AllURLs, urls...)

			if err := o.pacer.AfterSource(ctx); err != nil {
				return nil, err
			}
		}

		result.Success = len(result.URLs) > 0
		if result.Success {
			record.Metadata.SuccessfulCVEs++
		} else {
			record.Metadata.FailedCVEs++
		}
		record.Data.Results = append(record.Data.Results, result)
		logger.Info("CVE processed.", zap.String("cve", cve), zap.Bool("success", result.Success), zap.Int("urls", len(result.URLs)))

		if i < len(cveList)-1 {
			if err := o.pacer.AfterCVE(ctx); err != nil {
				return nil, err
			}
		}
	}

	record.Metadata.BatchDate = o.now().UTC()
	record.Metadata.TotalURLs = len(record.Data.AllURLs)

	savedAs, err := o.store.Save(record, filenameHint)
	if err != nil {
		return nil, err
	}

	if len(record.Data.AllURLs) > 0 && o.crawler != nil {
		o.forward(ctx, logger, record)
		if record.CrawlerResult != nil || record.CrawlerError != "" {
			if err := o.store.Put(savedAs, record); err != nil {
				return nil, err
			}
		}
	}

	logger.Info("Batch complete.",
		zap.String("saved_as", savedAs),
		zap.Int("successful_cves", record.Metadata.SuccessfulCVEs),
		zap.Int("failed_cves", record.Metadata.FailedCVEs),
		zap.Int("total_urls", record.Metadata.TotalURLs),
	)

	return &Result{
		Success: true,
		Summary: Summary{
			TotalCVEs:      record.Metadata.TotalCVEs,
			SuccessfulCVEs: record.Metadata.SuccessfulCVEs,
			FailedCVEs:     record.Metadata.FailedCVEs,
			TotalURLs:      record.Metadata.TotalURLs,
		},
		Data:          record,
		SavedAs:       savedAs,
		CrawlerResult: record.CrawlerResult,
		CrawlerError:  record.CrawlerError,
		AllURLs:       record.Data.AllURLs,
	}, nil
}

// resolveSources keeps requested sources that have a scraper, in order and without duplicates.
func (o *Orchestrator) resolveSources(sources []scraper.SourceID) (active, skipped []scraper.SourceID) {
	seen := make(map[scraper.SourceID]struct{}, len(sources))
	for _, id := range sources {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, err := o.dispatcher.Resolve(id); err != nil {
			o.logger.Warn("Skipping source.", zap.String("source", string(id)), zap.Error(err))
			skipped = append(skipped, id)
			continue
		}
		active = append(active, id)
	}
	return active, skipped
}

// dispatch runs one (cve, source) pair and converts any failure into an outcome.
func (o *Orchestrator) dispatch(ctx context.Context, logger *zap.Logger, cve string, source scraper.SourceID) (SourceOutcome, []string) {
	logger = logger.With(zap.String("cve", cve), zap.String("source", string(source)))

	res, err := o.safeDispatch(ctx, source, QueryFor(source, cve))
	if err != nil {
		logger.Warn("Source failed.", zap.Error(err))
		return SourceOutcome{Success: false, Error: err.Error()}, nil
	}
	if res == nil || !res.Success || len(res.URLs) == 0 {
		logger.Info("Source returned no URLs.")
		return SourceOutcome{Success: false, Error: noResultsMessage}, nil
	}

	tagged := make([]string, len(res.URLs))
	for i, u := range res.URLs {
		tagged[i] = TagURL(u, cve, source)
	}
	return SourceOutcome{Success: true, SavedAs: res.SavedAs, URLCount: len(tagged)}, tagged
}

// safeDispatch turns a scraper panic into an error so one bad page cannot kill the batch.
func (o *Orchestrator) safeDispatch(ctx context.Context, source scraper.SourceID, query string) (res *scraper.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scraper panic: %v", r)
		}
	}()
	return o.dispatcher.Dispatch(ctx, source, query)
}

func (o *Orchestrator) forward(ctx context.Context, logger *zap.Logger, record *Record) {
	resp, err := o.crawler.Forward(ctx, record.Data.AllURLs, o.crawlerTimeout)
	switch {
	case errors.Is(err, crawler.ErrDisabled):
		logger.Debug("Crawler disabled, skipping hand-off.")
	case err != nil:
		logger.Warn("External crawler hand-off failed.", zap.Error(err))
		record.CrawlerError = err.Error()
	default:
		logger.Info("URLs handed to external crawler.", zap.Int("count", len(record.Data.AllURLs)))
		record.CrawlerResult = resp
	}
}
