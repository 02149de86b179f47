// Package dispatch delivers one remembered message to many destinations:
// a single attempt per destination (Sender), chunked concurrent rounds
// (Dispatcher) and deferred retries for destinations under cooldown.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fwdbot/internal/platform"
)

type OutcomeKind int

const (
	Sent OutcomeKind = iota
	RateLimited
	Unreachable
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Sent:
		return "sent"
	case RateLimited:
		return "rate_limited"
	case Unreachable:
		return "unreachable"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one send attempt.
type Outcome struct {
	Destination int64
	Kind        OutcomeKind
	// AvailableAt is set for RateLimited.
	AvailableAt time.Time
	Err         error
}

// Report summarizes one dispatch cycle.
type Report struct {
	CycleID  uuid.UUID
	TenantID string

	// Message is the remembered message after the cycle; it differs from the
	// input when a newer one was found at the source.
	Message        platform.Message
	MessageChanged bool

	Sent        int
	RateLimited int
	Unreachable int
	Failed      int

	Outcomes []Outcome
	// Pending are the rate-limited destinations handed to retry chains.
	Pending []int64

	Rounds     int
	Cancelled  bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case Sent:
		r.Sent++
	case RateLimited:
		r.RateLimited++
	case Unreachable:
		r.Unreachable++
	default:
		r.Failed++
	}
}

// ClientSource hands out a tenant's client pinned for the duration of use.
type ClientSource interface {
	Use(tenantID string) (platform.Client, func(), error)
}

// Spawner runs detached work in the owner's cancellation scope. Go reports
// false when the scope is already closed and fn will not run.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Observer receives dispatch signals (metrics).
type Observer interface {
	Outcome(kind OutcomeKind)
	CycleDone(r Report)
	RetryPending(delta int)
}

type nopObserver struct{}

func (nopObserver) Outcome(OutcomeKind) {}
func (nopObserver) CycleDone(Report)    {}
func (nopObserver) RetryPending(int)    {}
