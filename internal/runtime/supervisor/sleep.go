package supervisor

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, and reports whether ctx is still
// live. A non-positive d returns at once.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
