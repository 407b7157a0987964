package observability

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
)

// Follow streams lines of the log file at path to w until ctx is done.
// With follow=false it prints the current contents and returns.
func Follow(ctx context.Context, path string, follow bool, w io.Writer) error {
	if path == "" {
		return fmt.Errorf("no log file configured (set logger.log_file)")
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				// Lines closes before the tail goroutine reports its exit reason.
				return t.Wait()
			}
			if line.Err != nil {
				return fmt.Errorf("error reading log file: %w", line.Err)
			}
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		}
	}
}
