package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/analysis"
	"github.com/xkilldash9x/dvrs/internal/batch"
	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/scraper"
	"github.com/xkilldash9x/dvrs/internal/store"
	"github.com/xkilldash9x/dvrs/internal/vuln"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 10 << 20

// Dispatcher runs a single source scrape.
type Dispatcher interface {
	Dispatch(ctx context.Context, id scraper.SourceID, query string) (*scraper.Result, error)
}

// BatchRunner runs a multi-CVE, multi-source batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, cves []string, sources []scraper.SourceID) (*batch.Result, error)
}

// BrowserController exposes the shared browser's lifecycle.
type BrowserController interface {
	Cleanup(ctx context.Context) error
	Running() bool
}

// RecordLoader reads persisted records by id fragment.
type RecordLoader interface {
	Load(idFragment string) (*store.Record, error)
}

// Analyzer runs and retrieves mitigation analyses.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
	GetAnalysis(id string) (*store.Record, error)
}

// Handlers serves the scraping API.
type Handlers struct {
	log        *zap.Logger
	dispatcher Dispatcher
	batch      BatchRunner
	browser    BrowserController
	records    RecordLoader
	analyzer   Analyzer
}

// Deps are the collaborators Handlers delegates to. Analyzer may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Batch      BatchRunner
	Browser    BrowserController
	Records    RecordLoader
	Analyzer   Analyzer
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, deps Deps) *Handlers {
	return &Handlers{
		log:        logger.Named("api_handlers"),
		dispatcher: deps.Dispatcher,
		batch:      deps.Batch,
		browser:    deps.Browser,
		records:    deps.Records,
		analyzer:   deps.Analyzer,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", h.HandleScrapeOfficial)
		r.Post("/scrape/stackoverflow", h.handleSearch(scraper.SourceStackOverflow))
		r.Post("/scrape/snyk", h.handleSearch(scraper.SourceSnyk))
		r.Post("/scrape/batch", h.HandleBatch)
		r.Post("/cleanup", h.HandleCleanup)
		r.Get("/logs/{id}", h.HandleGetRecord)
		r.Post("/analyze/ai", h.HandleAnalyze)
		r.Get("/analyze/ai/{id}", h.HandleGetAnalysis)
		r.Post("/findings/cves", h.HandleExtractCVEs)
	})
}

// HandleHealthCheck reports liveness and whether the browser is up.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"browser": h.browser != nil && h.browser.Running(),
	})
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type batchRequest struct {
	CVEs    []string `json:"cves"`
	Sources []string `json:"sources"`
}

type findingsRequest struct {
	Findings []vuln.Finding `json:"findings"`
}

// HandleScrapeOfficial scrapes one advisory page.
func (h *Handlers) HandleScrapeOfficial(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.respondWithError(w, http.StatusBadRequest, "URL is required", "url must not be empty")
		return
	}
	h.runScrape(w, r, scraper.SourceOfficial, req.URL, "Failed to scrape vulnerability details")
}

func (h *Handlers) handleSearch(source scraper.SourceID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !h.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			h.respondWithError(w, http.StatusBadRequest, "Query is required", "query must not be empty")
			return
		}
		h.runScrape(w, r, source, req.Query, "Failed to scrape "+string(source))
	}
}

func (h *Handlers) runScrape(w http.ResponseWriter, r *http.Request, source scraper.SourceID, query, summary string) {
	res, err := h.dispatcher.Dispatch(r.Context(), source, query)
	if err != nil {
		h.log.Warn("Scrape failed.",
			zap.String("source", string(source)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		h.respondWithError(w, statusFor(err), summary, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// HandleBatch runs a batch synchronously and returns its summary.
func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.CVEs) == 0 || len(req.Sources) == 0 {
		h.respondWithError(w, http.StatusBadRequest, "Invalid batch request", "cves and sources must both be non-empty")
		return
	}

	sources := make([]scraper.SourceID, 0, len(req.Sources))
	for _, s := range req.Sources {
		sources = append(sources, scraper.ParseSourceID(s))
	}

	res, err := h.batch.RunBatch(r.Context(), req.CVEs, sources)
	if err != nil {
		h.log.Error("Batch failed.", zap.Error(err))
		h.respondWithError(w, statusFor(err), "Batch scraping failed", err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// HandleCleanup tears down the shared browser.
func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.browser.Cleanup(r.Context()); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Cleanup failed", err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleGetRecord returns a persisted scrape or batch record verbatim.
func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Load(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, statusFor(err), "Log not found", err.Error())
		return
	}
	h.respondRaw(w, rec.Data)
}

// HandleAnalyze runs an AI analysis over the findings of a scan log.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "AI analysis unavailable", "no analysis backend configured")
		return
	}
	var req analysis.Request
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.analyzer.Analyze(r.Context(), req)
	if err != nil {
		if errors.Is(err, analysis.ErrNoData) {
			h.respondWithError(w, http.StatusBadRequest, "No data provided for analysis", err.Error())
			return
		}
		body := map[string]interface{}{
			"error":   "Failed to generate AI analysis",
			"message": err.Error(),
		}
		var aerr *analysis.Error
		if errors.As(err, &aerr) {
			body["logs"] = aerr.Logs
		}
		h.respondJSON(w, http.StatusInternalServerError, body)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// HandleGetAnalysis returns a persisted analysis record.
func (h *Handlers) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.analyzer == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "AI analysis unavailable", "no analysis backend configured")
		return
	}
	rec, err := h.analyzer.GetAnalysis(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, statusFor(err), "Analysis not found", err.Error())
		return
	}
	h.respondRaw(w, rec.Data)
}

// HandleExtractCVEs lists the CVE ids referenced by a findings list.
func (h *Handlers) HandleExtractCVEs(w http.ResponseWriter, r *http.Request) {
	var req findingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	cves := vuln.ExtractCVEs(req.Findings)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cves":  cves,
		"count": len(cves),
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scraper.ErrNoResultsFound):
		return http.StatusNotFound
	case errors.Is(err, scraper.ErrUnknownSource),
		errors.Is(err, scraper.ErrSourceDisabled),
		errors.Is(err, batch.ErrEmptyCVEList),
		errors.Is(err, batch.ErrNoUsableSources):
		return http.StatusBadRequest
	case errors.Is(err, browser.ErrNavigationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// respondWithError sends the standard {error, message} payload.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, summary, message string) {
	h.respondJSON(w, statusCode, map[string]string{"error": summary, "message": message})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) respondRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("Failed to write response", zap.Error(err))
	}
}
