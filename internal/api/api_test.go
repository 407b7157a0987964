package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/dvrs/internal/analysis"
	"github.com/xkilldash9x/dvrs/internal/batch"
	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/scraper"
	"github.com/xkilldash9x/dvrs/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// -- Mocks --

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) Dispatch(ctx context.Context, id scraper.SourceID, query string) (*scraper.Result, error) {
	args := m.Called(ctx, id, query)
	res, _ := args.Get(0).(*scraper.Result)
	return res, args.Error(1)
}

type mockBatch struct{ mock.Mock }

func (m *mockBatch) RunBatch(ctx context.Context, cves []string, sources []scraper.SourceID) (*batch.Result, error) {
	args := m.Called(ctx, cves, sources)
	res, _ := args.Get(0).(*batch.Result)
	return res, args.Error(1)
}

type fakeBrowser struct {
	running  bool
	cleanups int
	err      error
}

func (b *fakeBrowser) Cleanup(context.Context) error {
	b.cleanups++
	return b.err
}

func (b *fakeBrowser) Running() bool { return b.running }

type mapLoader map[string]string

func (l mapLoader) Load(id string) (*store.Record, error) {
	for name, body := range l {
		if strings.Contains(name, id) {
			return &store.Record{Name: name, Data: []byte(body)}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

type fakeAnalyzer struct {
	res     *analysis.Result
	err     error
	records mapLoader
	req     analysis.Request
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req analysis.Request) (*analysis.Result, error) {
	a.req = req
	return a.res, a.err
}

func (a *fakeAnalyzer) GetAnalysis(id string) (*store.Record, error) { return a.records.Load(id) }

type fixture struct {
	server     *httptest.Server
	dispatcher *mockDispatcher
	batch      *mockBatch
	browser    *fakeBrowser
	analyzer   *fakeAnalyzer
}

func newFixture(t *testing.T, withAnalyzer bool) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher: &mockDispatcher{},
		batch:      &mockBatch{},
		browser:    &fakeBrowser{running: true},
		analyzer:   &fakeAnalyzer{records: mapLoader{"analysis-scan-42-1718000000000.json": `{"logId":"scan-42"}`}},
	}
	deps := Deps{
		Dispatcher: f.dispatcher,
		Batch:      f.batch,
		Browser:    f.browser,
		Records:    mapLoader{"batch-scraping-1718000000000.json": `{"metadata":{"totalCVEs":2}}`},
	}
	if withAnalyzer {
		deps.Analyzer = f.analyzer
	}
	logger := zaptest.NewLogger(t)
	srv := NewServer(config.ServerConfig{RequestTimeout: time.Minute}, NewHandlers(logger, deps), logger)
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		f.server.Close()
		f.dispatcher.AssertExpectations(t)
		f.batch.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.ContentLength != 0 && method != http.MethodOptions {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

// -- Tests --

func TestHealthz(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"status": "ok", "browser": true}, body)
}

func TestScrapeOfficial(t *testing.T) {
	f := newFixture(t, true)
	url := "https://nvd.nist.gov/vuln/detail/CVE-2024-9143"
	f.dispatcher.On("Dispatch", mock.Anything, scraper.SourceOfficial, url).Return(&scraper.Result{
		Success: true, SavedAs: "CVE-2024-9143-1718000000000.json", URLs: []string{}, Message: "Scraping completed successfully",
	}, nil).Once()

	status, body := f.do(t, http.MethodPost, "/api/scrape", `{"url":"`+url+`"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "CVE-2024-9143-1718000000000.json", body["savedAs"])
	assert.Equal(t, "Scraping completed successfully", body["message"])
}

func TestScrape_Validation(t *testing.T) {
	f := newFixture(t, true)

	status, body := f.do(t, http.MethodPost, "/api/scrape", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "URL is required", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/scrape/snyk", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Query is required", body["error"])

	status, body = f.do(t, http.MethodPost, "/api/scrape/stackoverflow", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid request body", body["error"])
}

func TestScrape_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"no results", fmt.Errorf("%w: nothing for zzz", scraper.ErrNoResultsFound), http.StatusNotFound},
		{"navigation timeout", fmt.Errorf("%w: after 30s", browser.ErrNavigationTimeout), http.StatusGatewayTimeout},
		{"launch failure", &browser.LaunchError{Err: errors.New("no chrome")}, http.StatusInternalServerError},
		{"disabled source", scraper.ErrSourceDisabled, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.dispatcher.On("Dispatch", mock.Anything, scraper.SourceStackOverflow, "openssl").Return(nil, tt.err).Once()

			status, body := f.do(t, http.MethodPost, "/api/scrape/stackoverflow", `{"query":"openssl"}`)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, "Failed to scrape stackoverflow", body["error"])
			assert.Equal(t, tt.err.Error(), body["message"])
		})
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t, true)
	cves := []string{"CVE-2024-9143", "CVE-2023-1234"}
	sources := []scraper.SourceID{scraper.SourceSnyk, scraper.SourceStackOverflow}
	f.batch.On("RunBatch", mock.Anything, cves, sources).Return(&batch.Result{
		Success: true,
		Summary: batch.Summary{TotalCVEs: 2, SuccessfulCVEs: 2, TotalURLs: 4},
		SavedAs: "batch-scraping-1718000000000.json",
		AllURLs: []string{"a#CVE-2024-9143-snyk"},
	}, nil).Once()

	status, body := f.do(t, http.MethodPost, "/api/scrape/batch", `{"cves":["CVE-2024-9143","CVE-2023-1234"],"sources":["Snyk"," stackoverflow"]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]interface{}{"totalCVEs": 2.0, "successfulCVEs": 2.0, "failedCVEs": 0.0, "totalUrls": 4.0}, body["summary"])
	assert.Equal(t, "batch-scraping-1718000000000.json", body["savedAs"])
}

func TestBatch_Errors(t *testing.T) {
	f := newFixture(t, true)

	status, _ := f.do(t, http.MethodPost, "/api/scrape/batch", `{"cves":[],"sources":["snyk"]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	f.batch.On("RunBatch", mock.Anything, []string{"CVE-1"}, []scraper.SourceID{scraper.SourceGitHub}).
		Return(nil, fmt.Errorf("%w: [github]", batch.ErrNoUsableSources)).Once()
	status, body := f.do(t, http.MethodPost, "/api/scrape/batch", `{"cves":["CVE-1"],"sources":["github"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Batch scraping failed", body["error"])
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodPost, "/api/cleanup", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, f.browser.cleanups)

	f.browser.err = errors.New("kill failed")
	status, body = f.do(t, http.MethodPost, "/api/cleanup", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "kill failed", body["message"])
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodGet, "/api/logs/batch-scraping", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"totalCVEs": 2.0}, body["metadata"])

	status, body = f.do(t, http.MethodGet, "/api/logs/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Log not found", body["error"])
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t, true)
	f.analyzer.res = &analysis.Result{Success: true, Analysis: "report", SavedAs: "analysis-scan-42-1.json"}

	status, body := f.do(t, http.MethodPost, "/api/analyze/ai",
		`{"logId":"scan-42","data":{"findings":[{"name":"CVE-2024-9143","severity":"HIGH","description":"d"}]}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "report", body["analysis"])
	assert.Equal(t, "scan-42", f.analyzer.req.LogID)
	assert.Len(t, f.analyzer.req.Data.AllFindings(), 1)

	f.analyzer.err = &analysis.Error{
		Err:  errors.New("connection refused"),
		Logs: []analysis.ProcessingLog{{Type: analysis.LogError, Message: "Error: connection refused"}},
	}
	status, body = f.do(t, http.MethodPost, "/api/analyze/ai", `{"logId":"scan-42","data":{}}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Failed to generate AI analysis", body["error"])
	assert.Len(t, body["logs"], 1)

	f.analyzer.err = analysis.ErrNoData
	status, _ = f.do(t, http.MethodPost, "/api/analyze/ai", `{"logId":"scan-42"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/analyze/ai/scan-42", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "scan-42", body["logId"])

	status, _ = f.do(t, http.MethodGet, "/api/analyze/ai/other", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAnalyze_Unconfigured(t *testing.T) {
	f := newFixture(t, false)
	status, _ := f.do(t, http.MethodPost, "/api/analyze/ai", `{"logId":"x","data":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestExtractCVEs(t *testing.T) {
	f := newFixture(t, true)
	status, body := f.do(t, http.MethodPost, "/api/findings/cves", `{"findings":[
		{"name":"pkg vulnerable to CVE-2024-9143"},
		{"name":"x","description":"see cve-2024-9143 advisory"},
		{"name":"y","uri":"https://nvd.nist.gov/vuln/detail/CVE-2023-1234"}
	]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{"CVE-2024-9143", "CVE-2023-1234"}, body["cves"])
	assert.Equal(t, 2.0, body["count"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, true)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/scrape", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	f := newFixture(t, true)
	f.dispatcher.On("Dispatch", mock.Anything, scraper.SourceSnyk, "boom").Run(func(mock.Arguments) {
		panic("unexpected nil page")
	}).Return(nil, nil).Once()

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/scrape/snyk", strings.NewReader(`{"query":"boom"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv := NewServer(config.ServerConfig{}, NewHandlers(logger, Deps{Browser: &fakeBrowser{}}), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	http.DefaultClient.CloseIdleConnections()
}
