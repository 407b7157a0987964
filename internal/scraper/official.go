package scraper

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/store"
)

const unknownContentID = "unknown-cve"

// extractionStage tries to produce a record. ok=false hands over to the next stage.
type extractionStage func(ctx context.Context, partial *AdvisoryRecord) (rec *AdvisoryRecord, ok bool)

// firstSuccess runs stages in order and returns the first usable record, or the last attempt.
func firstSuccess(ctx context.Context, stages ...extractionStage) *AdvisoryRecord {
	var rec *AdvisoryRecord
	for _, stage := range stages {
		next, ok := stage(ctx, rec)
		if next != nil {
			rec = next
		}
		if ok {
			return rec
		}
	}
	return rec
}

// Official scrapes a vendor or NVD advisory page, falling back to OCR of a screenshot.
type Official struct {
	env Env
	ocr OCREngine
}

// NewOfficial builds the official-page scraper.
func NewOfficial(env Env, ocr OCREngine) *Official {
	env = env.withDefaults()
	env.Logger = env.Logger.Named("official")
	return &Official{env: env, ocr: ocr}
}

func (o *Official) Source() SourceID { return SourceOfficial }

// Scrape accepts a detail URL or, for batch use, a bare CVE id expanded via the configured template.
func (o *Official) Scrape(ctx context.Context, query string) (*Result, error) {
	detailURL := strings.TrimSpace(query)
	if !strings.Contains(detailURL, "://") {
		if o.env.Config.OfficialURLTemplate == "" {
			return nil, fmt.Errorf("official source needs a URL, got %q", query)
		}
		detailURL = fmt.Sprintf(o.env.Config.OfficialURLTemplate, detailURL)
	}
	return o.ScrapeDetails(ctx, detailURL)
}

// ScrapeDetails scrapes a single advisory page.
func (o *Official) ScrapeDetails(ctx context.Context, detailURL string) (*Result, error) {
	logger := o.env.Logger.With(zap.String("url", detailURL))
	logger.Info("Scraping advisory page.")

	page, err := openPage(ctx, o.env.Pages)
	if err != nil {
		return nil, err
	}
	defer closePage(page, logger)

	if err := page.Navigate(ctx, detailURL, o.env.Config.NavigationTimeout); err != nil {
		return nil, err
	}
	// Network idle comes before client-rendered advisories finish painting.
	if err := o.env.Sleep(ctx, o.env.Config.PostLoadWait); err != nil {
		return nil, err
	}

	id := contentID(detailURL)
	now := o.env.Now()
	stamp := now.UnixMilli()

	png, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	screenshotPath, err := store.WriteFile(o.env.Config.ScreenshotsDir, fmt.Sprintf("%s-%d.png", id, stamp), png)
	if err != nil {
		return nil, err
	}

	structured := func(ctx context.Context, _ *AdvisoryRecord) (*AdvisoryRecord, bool) {
		html, err := page.HTML(ctx)
		if err != nil {
			logger.Warn("Failed to read page HTML.", zap.Error(err))
		}
		rec, err := extractAdvisory(html, detailURL)
		if err != nil {
			logger.Debug("Structured extraction failed.", zap.Error(err))
			return rec, false
		}
		return rec, structuredUsable(rec)
	}
	ocr := func(ctx context.Context, partial *AdvisoryRecord) (*AdvisoryRecord, bool) {
		rec := partial
		if rec == nil {
			rec, _ = extractAdvisory("", detailURL)
		}
		logger.Info("Structured extraction unusable, running OCR.", zap.String("title", rec.Title))
		if o.ocr == nil {
			applyOCR(rec, nil, fmt.Errorf("no ocr engine configured"))
			return rec, true
		}
		text, err := o.ocr.Recognize(ctx, screenshotPath)
		if err != nil {
			logger.Warn("OCR failed.", zap.Error(err))
			applyOCR(rec, nil, err)
			return rec, true
		}
		applyOCR(rec, &text, nil)
		return rec, true
	}

	rec := firstSuccess(ctx, structured, ocr)
	rec.Query = detailURL
	rec.Metadata.ScrapeDate = now.UTC()
	rec.Metadata.SourceURL = detailURL
	rec.Metadata.ScreenshotPath = screenshotPath

	filename := fmt.Sprintf("%s-%d.json", id, stamp)
	if err := o.env.Store.Put(filename, rec); err != nil {
		return nil, err
	}

	logger.Info("Advisory scraped.", zap.String("saved_as", filename), zap.Bool("ocr", rec.Metadata.OCRProcessed))
	return &Result{
		Success:        true,
		Data:           rec,
		SavedAs:        filename,
		URLs:           []string{},
		ScreenshotPath: screenshotPath,
		Message:        "Scraping completed successfully",
	}, nil
}

// contentID is the last non-empty path segment of rawURL, or "unknown-cve".
func contentID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownContentID
	}
	segment := path.Base(strings.TrimRight(u.Path, "/"))
	if segment == "" || segment == "." || segment == "/" {
		return unknownContentID
	}
	return sanitizeID(segment)
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}
