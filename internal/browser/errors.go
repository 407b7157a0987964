package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrBrowserLaunch marks failures to bring up the shared browser process.
	ErrBrowserLaunch = errors.New("browser launch failed")
	// ErrNavigationTimeout is returned when a page does not reach network idle in time.
	ErrNavigationTimeout = errors.New("navigation timed out")
)

// LaunchError describes a fatal launch failure, including whether an install was attempted.
type LaunchError struct {
	Installed bool
	Err       error
}

func (e *LaunchError) Error() string {
	if e.Installed {
		return fmt.Sprintf("browser launch failed after install: %v", e.Err)
	}
	return fmt.Sprintf("browser launch failed: %v", e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *LaunchError) Unwrap() []error {
	return []error{ErrBrowserLaunch, e.Err}
}
