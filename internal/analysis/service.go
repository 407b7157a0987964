package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/store"
	"github.com/xkilldash9x/dvrs/internal/vuln"
)

const analysisVersion = "1.0"

// ErrNoData is returned when a request carries nothing to analyze.
var ErrNoData = errors.New("no data provided for analysis")

// LogType classifies a processing log entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
)

// ProcessingLog is one human-readable progress entry.
type ProcessingLog struct {
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TechnicalLog describes the backend's view of a generation.
type TechnicalLog struct {
	ModelInfo      string    `json:"modelInfo"`
	ProcessingTime int64     `json:"processingTime"`
	TokenCount     int       `json:"tokenCount"`
	PromptTokens   int       `json:"promptTokens"`
	Timestamp      time.Time `json:"timestamp"`
}

// Payload is the scan log handed in for analysis. Findings may sit at the top level
// or one level down under "data", matching how scan logs are stored.
type Payload struct {
	Findings []vuln.Finding `json:"findings,omitempty"`
	Data     *struct {
		Findings []vuln.Finding `json:"findings"`
	} `json:"data,omitempty"`
}

// AllFindings returns the findings wherever they were placed.
func (p *Payload) AllFindings() []vuln.Finding {
	if p == nil {
		return nil
	}
	if len(p.Findings) > 0 || p.Data == nil {
		return p.Findings
	}
	return p.Data.Findings
}

// Request asks for one analysis.
type Request struct {
	LogID string   `json:"logId"`
	Data  *Payload `json:"data"`
}

// RecordMetadata describes how an analysis was produced.
type RecordMetadata struct {
	Model           string   `json:"model"`
	Provider        string   `json:"provider,omitempty"`
	AnalysisVersion string   `json:"analysisVersion"`
	FindingCount    int      `json:"findingCount"`
	CVEs            []string `json:"cves"`
}

// Record is the persisted analysis.
type Record struct {
	Timestamp      time.Time       `json:"timestamp"`
	LogID          string          `json:"logId"`
	Analysis       string          `json:"analysis"`
	ProcessingLogs []ProcessingLog `json:"processingLogs"`
	TechnicalLogs  TechnicalLog    `json:"technicalLogs"`
	Metadata       RecordMetadata  `json:"metadata"`
}

// Result is returned to callers of Analyze.
type Result struct {
	Success       bool            `json:"success"`
	Analysis      string          `json:"analysis"`
	Logs          []ProcessingLog `json:"logs"`
	TechnicalLogs TechnicalLog    `json:"technicalLogs"`
	SavedAs       string          `json:"savedAs"`
}

// Error carries the processing logs collected before an analysis failed.
type Error struct {
	Err  error
	Logs []ProcessingLog
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Service runs analyses and persists them under the analysis output directory.
type Service struct {
	client   LLMClient
	provider string
	store    *store.Store
	logger   *zap.Logger
	now      func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceClock replaces time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithProvider records the backend name in persisted metadata.
func WithProvider(name string) ServiceOption {
	return func(s *Service) { s.provider = name }
}

// NewService creates an analysis service writing records to st.
func NewService(client LLMClient, st *store.Store, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		client: client,
		store:  st,
		logger: logger.Named("analysis"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// progress collects processing logs. It is safe for concurrent use.
type progress struct {
	mu   sync.Mutex
	now  func() time.Time
	logs []ProcessingLog
}

func (p *progress) add(t LogType, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, ProcessingLog{Type: t, Message: msg, Timestamp: p.now().UTC()})
}

func (p *progress) snapshot() []ProcessingLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProcessingLog(nil), p.logs...)
}

// Analyze builds the report prompt from req's findings, runs it and persists the outcome
// as "analysis-{logId}-{epochMillis}.json".
func (s *Service) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.Data == nil {
		return nil, ErrNoData
	}
	logID := strings.TrimSpace(req.LogID)
	if logID == "" {
		logID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("log_id", logID))
	findings := req.Data.AllFindings()

	prog := &progress{now: s.now}
	model := s.client.Model()
	prog.add(LogInfo, fmt.Sprintf("Initializing %s model...", model))
	prog.add(LogInfo, "Preparing vulnerability data for analysis...")
	prompt := BuildPrompt(findings)

	prog.add(LogInfo, fmt.Sprintf("Sending request to %s model...", model))
	logger.Info("Requesting analysis.", zap.Int("findings", len(findings)), zap.Int("prompt_bytes", len(prompt)))

	gen, err := s.client.Generate(ctx, prompt)
	if err != nil {
		prog.add(LogError, "Error: "+err.Error())
		logger.Error("Analysis failed.", zap.Error(err))
		return nil, &Error{Err: err, Logs: prog.snapshot()}
	}
	prog.add(LogSuccess, "Analysis completed successfully")

	technical := TechnicalLog{
		ModelInfo:      gen.Model,
		ProcessingTime: gen.Duration,
		TokenCount:     gen.CompletionTokens,
		PromptTokens:   gen.PromptTokens,
		Timestamp:      s.now().UTC(),
	}
	logs := prog.snapshot()

	record := &Record{
		Timestamp:      s.now().UTC(),
		LogID:          logID,
		Analysis:       gen.Text,
		ProcessingLogs: logs,
		TechnicalLogs:  technical,
		Metadata: RecordMetadata{
			Model:           model,
			Provider:        s.provider,
			AnalysisVersion: analysisVersion,
			FindingCount:    len(findings),
			CVEs:            vuln.ExtractCVEs(findings),
		},
	}
	savedAs, err := s.store.Save(record, "analysis-"+logID)
	if err != nil {
		return nil, &Error{Err: err, Logs: logs}
	}
	logger.Info("Analysis saved.", zap.String("saved_as", savedAs))

	return &Result{
		Success:       true,
		Analysis:      gen.Text,
		Logs:          logs,
		TechnicalLogs: technical,
		SavedAs:       savedAs,
	}, nil
}

// GetAnalysis loads the most recent analysis whose filename contains id.
func (s *Service) GetAnalysis(id string) (*store.Record, error) {
	return s.store.Load(id)
}
