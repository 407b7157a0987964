package batch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/dvrs/internal/config"
	"github.com/xkilldash9x/dvrs/internal/scraper"
)

// Pacer spaces out dispatches so third-party sites are not hammered.
type Pacer struct {
	interSource time.Duration
	interCVE    time.Duration
	limiter     *rate.Limiter
	sleep       scraper.SleepFunc
}

// NewPacer builds a pacer from config. A nil sleep uses real timers.
func NewPacer(cfg config.BatchConfig, sleep scraper.SleepFunc) *Pacer {
	if sleep == nil {
		sleep = scraper.Sleep
	}
	p := &Pacer{
		interSource: cfg.InterSourceDelay,
		interCVE:    cfg.InterCVEDelay,
		sleep:       sleep,
	}
	if cfg.NavigationsPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.NavigationsPerMinute)), 1)
	}
	return p
}

// BeforeDispatch blocks until the navigation budget allows another dispatch.
func (p *Pacer) BeforeDispatch(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// AfterSource waits between two sources of the same CVE.
func (p *Pacer) AfterSource(ctx context.Context) error {
	return p.sleep(ctx, p.interSource)
}

// AfterCVE waits between two CVEs.
func (p *Pacer) AfterCVE(ctx context.Context) error {
	return p.sleep(ctx, p.interCVE)
}
