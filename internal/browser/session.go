// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/dvrs/internal/browser/stealth"
	"github.com/xkilldash9x/dvrs/internal/config"
)

const (
	installTimeout       = 5 * time.Minute
	shutdownGracePeriod  = 10 * time.Second
	defaultLaunchTimeout = 60 * time.Second
)

// PageOpener hands out isolated pages. Scrapers depend on this rather than on *Session.
type PageOpener interface {
	NewPage(ctx context.Context) (Page, error)
}

// LaunchFunc starts a browser process and returns a live handle.
type LaunchFunc func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Handle, error)

// InstallFunc installs the browser binary by running command.
type InstallFunc func(ctx context.Context, command []string) error

// Handle is a live browser process. Pages are created as children of it.
type Handle struct {
	ctx     context.Context
	cancel  context.CancelFunc
	newPage func(ctx context.Context) (Page, error)
}

func (h *Handle) alive() bool {
	return h != nil && h.ctx.Err() == nil
}

func (h *Handle) close() error {
	if h.cancel == nil {
		return nil
	}
	defer h.cancel()
	if chromedp.FromContext(h.ctx) == nil {
		return nil
	}
	// Cancel asks the browser to exit before the allocator kills it.
	return chromedp.Cancel(h.ctx)
}

// Session owns the single shared browser process for the service instance.
type Session struct {
	cfg     config.BrowserConfig
	persona stealth.Persona
	logger  *zap.Logger

	launch  LaunchFunc
	install InstallFunc

	group  singleflight.Group
	mu     sync.Mutex
	handle *Handle
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLauncher replaces the chromedp launcher.
func WithLauncher(fn LaunchFunc) SessionOption {
	return func(s *Session) { s.launch = fn }
}

// WithInstaller replaces the command-based browser installer.
func WithInstaller(fn InstallFunc) SessionOption {
	return func(s *Session) { s.install = fn }
}

// NewSession creates a session. Nothing is launched until the first Ensure.
func NewSession(cfg config.BrowserConfig, logger *zap.Logger, opts ...SessionOption) *Session {
	persona := stealth.DefaultPersona
	if cfg.UserAgent != "" {
		persona.UserAgent = cfg.UserAgent
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		persona.Width = int64(cfg.ViewportWidth)
		persona.Height = int64(cfg.ViewportHeight)
	}

	s := &Session{
		cfg:     cfg,
		persona: persona,
		logger:  logger.Named("browser"),
		launch:  LaunchChrome,
		install: runInstallCommand,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure returns the live handle, launching the browser when there is none.
// Concurrent callers share a single launch attempt.
func (s *Session) Ensure(ctx context.Context) (*Handle, error) {
	if h := s.current(); h != nil {
		return h, nil
	}

	v, err, _ := s.group.Do("launch", func() (interface{}, error) {
		if h := s.current(); h != nil {
			return h, nil
		}
		h, err := s.launchWithInstall(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.handle = h
		s.mu.Unlock()
		s.logger.Info("Browser launched.", zap.Bool("headless", s.cfg.Headless))
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (s *Session) current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle.alive() {
		return s.handle
	}
	// The browser died underneath us; forget it so the next Ensure relaunches.
	s.handle = nil
	return nil
}

func (s *Session) launchWithInstall(ctx context.Context) (*Handle, error) {
	h, err := s.launch(ctx, s.cfg, s.logger)
	if err == nil {
		return h, nil
	}
	if !isMissingBinary(err) {
		return nil, &LaunchError{Err: err}
	}

	s.logger.Warn("Browser binary not found, installing.", zap.Strings("command", s.cfg.InstallCommand), zap.Error(err))
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	if ierr := s.install(installCtx, s.cfg.InstallCommand); ierr != nil {
		return nil, &LaunchError{Installed: true, Err: fmt.Errorf("install failed: %w (launch error: %v)", ierr, err)}
	}

	retryCfg := s.cfg
	if retryCfg.ExecPath == "" {
		if path, ok := findInstalledChromium(); ok {
			s.logger.Info("Using installed browser binary.", zap.String("path", path))
			retryCfg.ExecPath = path
		}
	}

	h, err = s.launch(ctx, retryCfg, s.logger)
	if err != nil {
		return nil, &LaunchError{Installed: true, Err: err}
	}
	s.cfg = retryCfg
	return h, nil
}

// Cleanup closes the browser if one is running. Calling it on a clean session is a no-op.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.close() }()

	timer := time.NewTimer(shutdownGracePeriod)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Browser did not close cleanly.", zap.Error(err))
		}
	case <-timer.C:
		s.logger.Warn("Timed out waiting for browser to close.")
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Browser closed.")
	return nil
}

// Running reports whether a live browser is currently held.
func (s *Session) Running() bool {
	return s.current() != nil
}

// NewPage opens a page in a fresh browser context so cookies and storage never leak between scrapes.
func (s *Session) NewPage(ctx context.Context) (Page, error) {
	h, err := s.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if h.newPage != nil {
		return h.newPage(ctx)
	}
	return newChromePage(ctx, h.ctx, s.persona, s.logger)
}

// LaunchChrome starts a chromedp-managed browser with the configured allocator options.
func LaunchChrome(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Handle, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Debug("chromedp: " + fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	// The first Run allocates the browser and must use the browser context itself.
	if err := runDetached(ctx, browserCtx, timeout); err != nil {
		cancel()
		return nil, err
	}
	return &Handle{ctx: browserCtx, cancel: cancel}, nil
}

// runDetached runs actions on a chromedp context whose lifetime must not be tied to ctx,
// while still honoring ctx and timeout for the wait.
func runDetached(ctx, chromeCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(chromeCtx, actions...) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isMissingBinary(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") || strings.Contains(msg, "no such file or directory")
}

func runInstallCommand(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return errors.New("no install command configured (set browser.install_command)")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(command, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// findInstalledChromium looks for the newest Chromium in the Playwright browser cache.
func findInstalledChromium() (string, bool) {
	home, err := homedir.Dir()
	if err != nil {
		return "", false
	}
	cache := filepath.Join(home, ".cache", "ms-playwright")
	if dir := os.Getenv("PLAYWRIGHT_BROWSERS_PATH"); dir != "" {
		cache = dir
	}

	var candidates []string
	for _, pattern := range []string{
		"chromium-*/chrome-linux/chrome",
		"chromium-*/chrome-linux64/chrome",
		"chromium-*/chrome-mac/Chromium.app/Contents/MacOS/Chromium",
		"chromium-*/chrome-win/chrome.exe",
	} {
		matches, _ := filepath.Glob(filepath.Join(cache, pattern))
		candidates = append(candidates, matches...)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], true
}
