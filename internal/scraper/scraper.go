// Package scraper implements the per-source scrapers that collect vulnerability evidence.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/crawler"
)

// SourceID names an external information provider.
type SourceID string

const (
	SourceOfficial      SourceID = "official"
	SourceStackOverflow SourceID = "stackoverflow"
	SourceSnyk          SourceID = "snyk"
	SourceGitHub        SourceID = "github"
	SourceCVE           SourceID = "cve"
)

var (
	// ErrNoResultsFound means the source had nothing for the query.
	ErrNoResultsFound = errors.New("no results found")
	// ErrSourceDisabled is returned for declared sources that have no implementation.
	ErrSourceDisabled = errors.New("source is disabled")
	// ErrUnknownSource is returned for ids that are not registered at all.
	ErrUnknownSource = errors.New("unknown source")
)

// Result is the normalized outcome of one scrape.
type Result struct {
	Success        bool        `json:"success"`
	Data           interface{} `json:"data"`
	SavedAs        string      `json:"savedAs"`
	URLs           []string    `json:"urls"`
	ScreenshotPath string      `json:"screenshotPath,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// Scraper is one source implementation.
type Scraper interface {
	Source() SourceID
	Scrape(ctx context.Context, query string) (*Result, error)
}

// Metadata is common to every persisted scrape record.
type Metadata struct {
	ScrapeDate     time.Time `json:"scrapeDate"`
	SourceURL      string    `json:"sourceUrl"`
	SearchQuery    string    `json:"searchQuery,omitempty"`
	ResultCount    int       `json:"resultCount,omitempty"`
	CVECode        string    `json:"cveCode,omitempty"`
	ScreenshotPath string    `json:"screenshotPath,omitempty"`
	OCRProcessed   bool      `json:"ocrProcessed,omitempty"`
}

// URLsData is the block handed to the crawler.
type URLsData struct {
	URLs   []string `json:"urls"`
	CVE    string   `json:"cve,omitempty"`
	Source string   `json:"source,omitempty"`
}

// RecordStore persists records. *store.Store satisfies it.
type RecordStore interface {
	Save(record interface{}, hint string) (string, error)
	Put(name string, record interface{}) error
}

// Forwarder hands URLs to the external crawler. *crawler.Client satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, urls []string, timeout time.Duration) (jsoniter.RawMessage, error)
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Env carries the dependencies shared by all scrapers.
type Env struct {
	Pages  browser.PageOpener
	Store  RecordStore
	Config config.ScraperConfig

	// Crawler is optional; nil skips forwarding.
	Crawler        Forwarder
	CrawlerTimeout time.Duration

	Logger        *zap.Logger
	Sleep         SleepFunc
	Now           func() time.Time
	RetryInterval time.Duration
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Sleep == nil {
		e.Sleep = Sleep
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.RetryInterval <= 0 {
		e.RetryInterval = 2 * time.Second
	}
	if e.Config.MaxResults < 1 {
		e.Config.MaxResults = 1
	}
	return e
}

// openPage wraps page acquisition errors. Launch errors keep their type.
func openPage(ctx context.Context, pages browser.PageOpener) (browser.Page, error) {
	page, err := pages.NewPage(ctx)
	if err != nil {
		if errors.Is(err, browser.ErrBrowserLaunch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open browser page: %w", err)
	}
	return page, nil
}

func closePage(page browser.Page, logger *zap.Logger) {
	if err := page.Close(); err != nil {
		logger.Debug("Failed to close page.", zap.Error(err))
	}
}

// forward sends urls to the crawler and reports the response or the failure as data.
func forward(ctx context.Context, env Env, urls []string) (jsoniter.RawMessage, string) {
	if env.Crawler == nil || len(urls) == 0 {
		return nil, ""
	}
	resp, err := env.Crawler.Forward(ctx, urls, env.CrawlerTimeout)
	if err != nil {
		if errors.Is(err, crawler.ErrDisabled) {
			return nil, ""
		}
		env.Logger.Warn("External crawler request failed.", zap.Error(err))
		return nil, err.Error()
	}
	return resp, ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
