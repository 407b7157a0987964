// Package crawler forwards collected URLs to the external crawling service.
package crawler

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxResponseBytes = 10 * 1024 * 1024

// ErrDisabled is returned by Forward when the crawler is switched off in config.
var ErrDisabled = errors.New("crawler forwarding is disabled")

// Request is the body posted to the crawler.
type Request struct {
	URLs []string `json:"urls"`
}

// Client posts URL lists to the crawler endpoint.
type Client struct {
	endpoint  string
	userAgent string
	enabled   bool
	timeout   time.Duration
	http      *http.Client
	logger    *zap.Logger
}

// New builds a crawler client from config.
func New(cfg config.CrawlerConfig, logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		enabled:   cfg.Enabled,
		timeout:   cfg.Timeout,
		http:      &http.Client{Transport: transport},
		logger:    logger.Named("crawler"),
	}
}

// Forward posts urls and returns the crawler's JSON response verbatim.
// A non-JSON body is returned as a JSON string. timeout bounds the whole exchange;
// zero falls back to the configured timeout.
func (c *Client) Forward(ctx context.Context, urls []string, timeout time.Duration) (jsoniter.RawMessage, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(Request{URLs: urls})
	if err != nil {
		return nil, fmt.Errorf("encode crawler request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build crawler request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("Forwarding URLs to crawler.", zap.String("endpoint", c.endpoint), zap.Int("count", len(urls)))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crawler request failed: %w", err)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("crawler returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return jsoniter.RawMessage("null"), nil
	}
	if !jsoniter.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return nil, fmt.Errorf("encode crawler response: %w", err)
		}
		return quoted, nil
	}
	return jsoniter.RawMessage(body), nil
}

func readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read crawler response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("crawler response exceeds %d bytes", maxResponseBytes)
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
