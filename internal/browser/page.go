package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/browser/stealth"
)

const pageSetupTimeout = 30 * time.Second

// Page is one tab inside an isolated browser context.
type Page interface {
	// Navigate loads url and waits for network idle within timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Reload reloads the current document and waits for network idle within timeout.
	Reload(ctx context.Context, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// WaitFor polls a JavaScript expression until it is truthy.
	WaitFor(ctx context.Context, expression string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string) error
	// Submit presses Enter in the element matched by selector.
	Submit(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expression string, res interface{}) error
	HTML(ctx context.Context) (string, error)
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	URL(ctx context.Context) (string, error)
	Close() error
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	life lifecycleTracker

	closeOnce sync.Once
}

// lifecycleTracker resolves network-idle waits for the main frame's current document.
// Iframes share the target when site isolation is off, so their events are ignored.
type lifecycleTracker struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	pinned    bool
	loaderID  cdp.LoaderID
	idleWaits []chan struct{}
}

// pin fixes the main frame id. Without it the first init after arm is taken as the main frame.
func (t *lifecycleTracker) pin(id cdp.FrameID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mainFrame = id
	t.pinned = id != ""
}

func (t *lifecycleTracker) arm() <-chan struct{} {
	ch := make(chan struct{})
	t.mu.Lock()
	t.loaderID = ""
	if !t.pinned {
		t.mainFrame = ""
	}
	t.idleWaits = append(t.idleWaits, ch)
	t.mu.Unlock()
	return ch
}

func (t *lifecycleTracker) handle(e *page.EventLifecycleEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Name {
	case "init":
		if t.mainFrame == "" {
			t.mainFrame = e.FrameID
		}
		if e.FrameID != t.mainFrame {
			return
		}
		t.loaderID = e.LoaderID
	case "networkIdle":
		if t.mainFrame == "" || e.FrameID != t.mainFrame {
			return
		}
		if t.loaderID == "" || e.LoaderID != t.loaderID {
			return
		}
		for _, ch := range t.idleWaits {
			close(ch)
		}
		t.idleWaits = nil
	}
}

var _ Page = (*chromePage)(nil)

func newChromePage(ctx, browserCtx context.Context, persona stealth.Persona, logger *zap.Logger) (*chromePage, error) {
	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	p := &chromePage{ctx: tabCtx, cancel: cancel, logger: logger.Named("page")}

	chromedp.ListenTarget(tabCtx, p.onEvent)

	setup := append(chromedp.Tasks{page.SetLifecycleEventsEnabled(true)}, stealth.Apply(persona, p.logger)...)
	if err := runDetached(ctx, tabCtx, pageSetupTimeout, setup); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	// A page target's main frame shares its id.
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		p.life.pin(cdp.FrameID(c.Target.TargetID))
	}
	return p, nil
}

// onEvent tracks lifecycle events so navigations can wait for their own document's network idle.
func (p *chromePage) onEvent(ev interface{}) {
	if e, ok := ev.(*page.EventLifecycleEvent); ok {
		p.life.handle(e)
	}
}

func (p *chromePage) load(ctx context.Context, target string, timeout time.Duration, action chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	idle := p.life.arm()
	err := chromedp.Run(runCtx, action)
	if err == nil {
		select {
		case <-idle:
		case <-runCtx.Done():
			err = runCtx.Err()
		}
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, target, timeout)
	}
	return fmt.Errorf("failed to load %s: %w", target, err)
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return p.load(ctx, url, timeout, chromedp.Navigate(url))
}

func (p *chromePage) Reload(ctx context.Context, timeout time.Duration) error {
	return p.load(ctx, "reload", timeout, chromedp.Reload())
}

func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) WaitFor(ctx context.Context, expression string, timeout time.Duration) error {
	var res interface{}
	return p.run(ctx, 0, chromedp.Poll(expression, &res,
		chromedp.WithPollingTimeout(timeout),
		chromedp.WithPollingInterval(250*time.Millisecond),
	))
}

func (p *chromePage) Fill(ctx context.Context, selector, text string) error {
	return p.run(ctx, 0,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (p *chromePage) Submit(ctx context.Context, selector string) error {
	return p.run(ctx, 0, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, res interface{}) error {
	return p.run(ctx, 0, chromedp.Evaluate(expression, res))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 makes chromedp emit PNG.
	err := p.run(ctx, 0, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, 0, chromedp.Location(&loc))
	return loc, err
}

// Close closes the tab and disposes of its browser context. Safe to call more than once.
func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
