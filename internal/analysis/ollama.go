package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OllamaClient talks to a local Ollama server through /api/generate.
type OllamaClient struct {
	endpoint   string
	model      string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// NewOllamaClient initializes the client.
func NewOllamaClient(cfg config.AnalysisConfig, logger *zap.Logger) *OllamaClient {
	return &OllamaClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/") + "/api/generate",
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: 2 * time.Second,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("llm_client.ollama"),
	}
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string { return c.model }

// Generate sends a non-streaming generation request, retrying transient failures.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (*Generation, error) {
	body, err := json.Marshal(ollamaRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var result *Generation
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload ollamaResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if payload.Error != "" {
			return backoff.Permanent(fmt.Errorf("ollama error: %s", payload.Error))
		}

		c.logger.Info("LLM generation complete (Ollama)",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.PromptEvalCount),
			zap.Int("completion_tokens", payload.EvalCount),
		)

		model := payload.Model
		if model == "" {
			model = c.model
		}
		result = &Generation{
			Text:             payload.Response,
			Model:            model,
			PromptTokens:     payload.PromptEvalCount,
			CompletionTokens: payload.EvalCount,
			Duration:         payload.TotalDuration,
		}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(max(c.maxRetries, 0)))
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *OllamaClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Ollama API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("ollama API error: status %d, body: %s", statusCode, strings.TrimSpace(string(body)))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusBadGateway:
		return err
	default:
		return backoff.Permanent(err)
	}
}
