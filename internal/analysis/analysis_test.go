package analysis

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/store"
	"github.com/xkilldash9x/dvrs/internal/vuln"
)

var testFindings = []vuln.Finding{
	{Name: "CVE-2024-9143 - openssl", Severity: vuln.SeverityMedium, Description: "Out-of-bounds write in GF(2^m) curve APIs."},
	{Name: "CVE-2023-1234 - libfoo", Severity: vuln.SeverityCritical, Description: "Heap overflow, see cve-2024-9143 too."},
}

func testConfig(endpoint string) config.AnalysisConfig {
	cfg := config.NewDefaultConfig().Analysis
	cfg.Endpoint = endpoint
	cfg.APITimeout = 5 * time.Second
	return cfg
}

// -- Prompt --

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testFindings)

	wantFindings := "Vulnerability Findings:\n" +
		"- Name: CVE-2024-9143 - openssl\n  Severity: MEDIUM\n  Description: Out-of-bounds write in GF(2^m) curve APIs.\n" +
		"- Name: CVE-2023-1234 - libfoo\n  Severity: CRITICAL\n  Description: Heap overflow, see cve-2024-9143 too.\n\n"
	assert.Contains(t, prompt, wantFindings)

	sections := []string{"1. SEVERITY OVERVIEW", "2. CRITICAL FINDINGS", "3. MITIGATION STRATEGIES", "4. SECURITY RECOMMENDATIONS", "5. PRIORITIZATION PLAN"}
	last := -1
	for _, s := range sections {
		idx := strings.Index(prompt, s)
		require.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
	assert.True(t, strings.HasPrefix(prompt, "As a security expert"))
}

func TestBuildPrompt_NoFindings(t *testing.T) {
	prompt := BuildPrompt(nil)
	assert.Contains(t, prompt, "Vulnerability Findings:\n\n\nPlease provide")
}

// -- Ollama --

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		var req ollamaRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "mistral:latest", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, "prompt text", req.Prompt)
		_, _ = w.Write([]byte(`{"model":"mistral:latest","response":"1. SEVERITY OVERVIEW ...","done":true,"total_duration":5043500667,"prompt_eval_count":26,"eval_count":298}`))
	}))
	defer server.Close()

	client := NewOllamaClient(testConfig(server.URL+"/"), zaptest.NewLogger(t))
	gen, err := client.Generate(context.Background(), "prompt text")
	require.NoError(t, err)

	want := &Generation{Text: "1. SEVERITY OVERVIEW ...", Model: "mistral:latest", PromptTokens: 26, CompletionTokens: 298, Duration: 5043500667}
	if diff := cmp.Diff(want, gen); diff != "" {
		t.Errorf("Generate() mismatch (-want +got):\n%s", diff)
	}
}

func TestOllamaClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer server.Close()

	core, logs := observer.New(zap.ErrorLevel)
	client := NewOllamaClient(testConfig(server.URL), zap.New(core))
	client.retryDelay = time.Millisecond

	gen, err := client.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.Text)
	assert.Equal(t, "mistral:latest", gen.Model, "falls back to the configured model")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("Ollama API returned error status").Len())
}

func TestOllamaClient_PermanentErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: "bad", wantErr: "status 400"},
		{name: "model missing", status: http.StatusNotFound, body: `{"error":"model 'x' not found"}`, wantErr: "status 404"},
		{name: "error field", status: http.StatusOK, body: `{"error":"out of memory"}`, wantErr: "out of memory"},
		{name: "garbage", status: http.StatusOK, body: `not json`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOllamaClient(testConfig(server.URL), zaptest.NewLogger(t))
			client.retryDelay = time.Millisecond
			_, err := client.Generate(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.EqualValues(t, 1, calls.Load(), "permanent errors are not retried")
		})
	}
}

func TestOllamaClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 2
	client := NewOllamaClient(cfg, zaptest.NewLogger(t))
	client.retryDelay = time.Millisecond

	_, err := client.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

// -- Gemini --

func TestGeminiClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.0-flash:generateContent"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "prompt text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "gemini report"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 34, "totalTokenCount": 46},
			"modelVersion": "gemini-2.0-flash-001"
		}`))
	}))
	defer server.Close()

	cfg := testConfig("")
	cfg.Provider = config.ProviderGemini
	cfg.Model = "gemini-2.0-flash"
	cfg.APIKey = "test-key"
	cfg.GeminiBaseURL = server.URL

	client, err := NewClient(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &GeminiClient{}, client)

	gen, err := client.Generate(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "gemini report", gen.Text)
	assert.Equal(t, "gemini-2.0-flash-001", gen.Model)
	assert.Equal(t, 12, gen.PromptTokens)
	assert.Equal(t, 34, gen.CompletionTokens)
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewClient(ctx, testConfig("http://localhost:11434"), logger)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, client)
	assert.Equal(t, "mistral:latest", client.Model())

	cfg := testConfig("")
	cfg.Provider = config.ProviderGemini
	_, err = NewClient(ctx, cfg, logger)
	assert.ErrorContains(t, err, "API Key is required")

	cfg.Provider = "anthropic"
	_, err = NewClient(ctx, cfg, logger)
	assert.ErrorContains(t, err, "unsupported LLM provider")
}

// -- Service --

type fakeClient struct {
	gen    *Generation
	err    error
	prompt string
}

func (f *fakeClient) Model() string { return "mistral:latest" }

func (f *fakeClient) Generate(_ context.Context, prompt string) (*Generation, error) {
	f.prompt = prompt
	return f.gen, f.err
}

func newTestService(t *testing.T, client LLMClient) (*Service, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ai-analysis")
	fixed := time.UnixMilli(1718000000000)
	clock := func() time.Time { return fixed }
	st := store.New(dir, zaptest.NewLogger(t), store.WithClock(clock))
	return NewService(client, st, zaptest.NewLogger(t), WithServiceClock(clock), WithProvider("ollama")), dir
}

func TestService_Analyze(t *testing.T) {
	client := &fakeClient{gen: &Generation{Text: "the report", Model: "mistral:latest", PromptTokens: 26, CompletionTokens: 298, Duration: 42}}
	svc, dir := newTestService(t, client)

	res, err := svc.Analyze(context.Background(), Request{LogID: "scan-42", Data: &Payload{Findings: testFindings}})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "the report", res.Analysis)
	assert.Equal(t, "analysis-scan-42-1718000000000.json", res.SavedAs)
	assert.Equal(t, BuildPrompt(testFindings), client.prompt)

	var messages []string
	for _, l := range res.Logs {
		messages = append(messages, string(l.Type)+": "+l.Message)
	}
	assert.Equal(t, []string{
		"info: Initializing mistral:latest model...",
		"info: Preparing vulnerability data for analysis...",
		"info: Sending request to mistral:latest model...",
		"success: Analysis completed successfully",
	}, messages)
	assert.Equal(t, TechnicalLog{
		ModelInfo: "mistral:latest", ProcessingTime: 42, TokenCount: 298, PromptTokens: 26,
		Timestamp: time.UnixMilli(1718000000000).UTC(),
	}, res.TechnicalLogs)

	data, err := os.ReadFile(filepath.Join(dir, res.SavedAs))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "scan-42", rec.LogID)
	assert.Equal(t, "the report", rec.Analysis)
	assert.Len(t, rec.ProcessingLogs, 4)
	assert.Equal(t, RecordMetadata{
		Model: "mistral:latest", Provider: "ollama", AnalysisVersion: "1.0",
		FindingCount: 2, CVEs: []string{"CVE-2024-9143", "CVE-2023-1234"},
	}, rec.Metadata)

	loaded, err := svc.GetAnalysis("scan-42")
	require.NoError(t, err)
	assert.Equal(t, res.SavedAs, loaded.Name)

	_, err = svc.GetAnalysis("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_AnalyzeNestedFindings(t *testing.T) {
	client := &fakeClient{gen: &Generation{Text: "r"}}
	svc, _ := newTestService(t, client)

	payload := &Payload{}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"findings":[{"name":"n1","severity":"HIGH","description":"d1"}]}}`), payload))

	res, err := svc.Analyze(context.Background(), Request{Data: payload})
	require.NoError(t, err)
	assert.Contains(t, client.prompt, "- Name: n1\n  Severity: HIGH\n  Description: d1")
	assert.True(t, strings.HasPrefix(res.SavedAs, "analysis-"), "missing log ids are generated")
}

func TestService_AnalyzeErrors(t *testing.T) {
	svc, dir := newTestService(t, &fakeClient{err: errors.New("connection refused")})

	_, err := svc.Analyze(context.Background(), Request{LogID: "x"})
	assert.ErrorIs(t, err, ErrNoData)

	_, err = svc.Analyze(context.Background(), Request{LogID: "x", Data: &Payload{Findings: testFindings}})
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Error(), "connection refused")
	require.NotEmpty(t, aerr.Logs)
	last := aerr.Logs[len(aerr.Logs)-1]
	assert.Equal(t, LogError, last.Type)
	assert.Equal(t, "Error: connection refused", last.Message)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "failed analyses are not persisted")
}
