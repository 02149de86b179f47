package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fwdbot/internal/cooldown"
	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
)

// Sender makes one delivery attempt to one destination. It never returns an
// error; every failure mode is an Outcome.
type Sender struct {
	Tracker *cooldown.Tracker
	// Pause is slept after every successful forward.
	Pause time.Duration
}

func (s Sender) Send(ctx context.Context, c platform.Client, msg platform.Message, sourceID, destID int64) (out Outcome) {
	out = Outcome{Destination: destID}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Destination: destID, Kind: Failed, Err: fmt.Errorf("panic during send: %v", r)}
		}
	}()

	dest, err := c.ResolveDestination(ctx, destID)
	if err != nil {
		out.Kind, out.Err = Unreachable, err
		return out
	}
	if !dest.Exists {
		out.Kind, out.Err = Unreachable, platform.ErrUnreachable
		return out
	}

	unlock := s.Tracker.Guard(destID)
	defer unlock()

	if at, ok := s.Tracker.AvailableAt(destID); ok {
		out.Kind, out.AvailableAt = RateLimited, at
		return out
	}

	if err := c.Forward(ctx, msg, sourceID, destID); err != nil {
		var rl *platform.RateLimitError
		switch {
		case errors.As(err, &rl):
			out.Kind, out.AvailableAt, out.Err = RateLimited, s.Tracker.Record(destID, rl.RetryAfter), err
		case errors.Is(err, platform.ErrUnreachable):
			out.Kind, out.Err = Unreachable, err
		default:
			out.Kind, out.Err = Failed, err
		}
		return out
	}

	if dest.RateLimitWindow > 0 {
		s.Tracker.Record(destID, dest.RateLimitWindow)
	}
	unlock()

	supervisor.Sleep(ctx, s.Pause)
	out.Kind = Sent
	return out
}
