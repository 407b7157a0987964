package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/dvrs/internal/browser"
	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/store"
)

// fakePage scripts page behavior and records the calls made against it.
type fakePage struct {
	mu sync.Mutex

	navigateErr    error
	waitVisibleErr error
	waitForErrs    []error
	html           string
	url            string
	screenshot     []byte

	calls   []string
	reloads int
	closed  bool
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) Navigate(_ context.Context, url string, _ time.Duration) error {
	p.record("navigate " + url)
	return p.navigateErr
}

func (p *fakePage) Reload(context.Context, time.Duration) error {
	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()
	p.record("reload")
	return nil
}

func (p *fakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	p.record("waitVisible " + selector)
	return p.waitVisibleErr
}

func (p *fakePage) WaitFor(context.Context, string, time.Duration) error {
	p.record("waitFor")
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waitForErrs) == 0 {
		return nil
	}
	err := p.waitForErrs[0]
	p.waitForErrs = p.waitForErrs[1:]
	return err
}

func (p *fakePage) Fill(_ context.Context, selector, text string) error {
	p.record("fill " + selector + " " + text)
	return nil
}

func (p *fakePage) Submit(_ context.Context, selector string) error {
	p.record("submit " + selector)
	return nil
}

func (p *fakePage) Evaluate(context.Context, string, interface{}) error { return nil }

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	if p.screenshot == nil {
		return []byte("\x89PNG fake"), nil
	}
	return p.screenshot, nil
}

func (p *fakePage) URL(context.Context) (string, error) { return p.url, nil }

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var _ browser.Page = (*fakePage)(nil)

type fakeOpener struct {
	page *fakePage
	err  error
}

func (o *fakeOpener) NewPage(context.Context) (browser.Page, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.page, nil
}

type fakeOCR struct {
	text  string
	err   error
	paths []string
}

func (f *fakeOCR) Recognize(_ context.Context, path string) (string, error) {
	f.paths = append(f.paths, path)
	return f.text, f.err
}

type fakeForwarder struct {
	resp  jsoniter.RawMessage
	err   error
	calls [][]string
}

func (f *fakeForwarder) Forward(_ context.Context, urls []string, _ time.Duration) (jsoniter.RawMessage, error) {
	f.calls = append(f.calls, urls)
	return f.resp, f.err
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errTimeout = errors.New("waiting for function failed: timeout")

// testEnv wires a real store in a temp dir with a fixed clock and no-op sleeps.
type testEnv struct {
	Env
	dataDir string
	sleeps  []time.Duration
}

func newTestEnv(t *testing.T, page *fakePage) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	fixed := time.UnixMilli(1718000000000)

	cfg := config.NewDefaultConfig().Scraper
	cfg.DataDir = dataDir
	cfg.ScreenshotsDir = filepath.Join(dataDir, "screenshots")

	te := &testEnv{dataDir: dataDir}
	te.Env = Env{
		Pages:         &fakeOpener{page: page},
		Store:         store.New(dataDir, zaptest.NewLogger(t), store.WithClock(func() time.Time { return fixed })),
		Config:        cfg,
		Logger:        zaptest.NewLogger(t),
		Now:           func() time.Time { return fixed },
		RetryInterval: time.Nanosecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			te.sleeps = append(te.sleeps, d)
			return nil
		},
	}
	return te
}
