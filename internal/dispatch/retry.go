package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
	logx "fwdbot/pkg/logx"
)

// RetryItem is a destination that was rate limited until AvailableAt.
type RetryItem struct {
	Destination int64
	AvailableAt time.Time
}

// RetryBatch carries the rate-limited destinations of one cycle.
type RetryBatch struct {
	CycleID  uuid.UUID
	TenantID string
	SourceID int64
	Message  platform.Message
	Items    []RetryItem
}

// RetryResult is the Data payload of RetrySent and RetryAbandoned events.
type RetryResult struct {
	CycleID     uuid.UUID
	Destination int64
	MessageID   int
	Attempts    int
	Outcome     OutcomeKind
	Err         error
}

// Resolve starts one retry chain per item on sp. A chain sleeps until the
// destination's cooldown expires plus the retry margin, then tries once. A
// fresh rate limit schedules another attempt; Sent, Unreachable and Failed
// end the chain. Chains stop when sp's context is cancelled.
//
// A destination has at most one live chain per tenant. Items whose
// destination is already being retried are skipped.
func (d *Dispatcher) Resolve(sp Spawner, b RetryBatch) {
	for _, it := range b.Items {
		if !d.claim(b.TenantID, it.Destination) {
			d.log.Debug("retry already pending",
				logx.Tenant(b.TenantID),
				logx.String("cycle", b.CycleID.String()),
				logx.Chat("dest", it.Destination),
			)
			continue
		}
		started := sp.Go(fmt.Sprintf("retry.%d", it.Destination), func(ctx context.Context) error {
			defer d.unclaim(b.TenantID, it.Destination)
			d.retryChain(ctx, b, it)
			return nil
		})
		if !started {
			d.unclaim(b.TenantID, it.Destination)
		}
	}
}

func (d *Dispatcher) retryChain(ctx context.Context, b RetryBatch, it RetryItem) {
	log := d.log.With(
		logx.Tenant(b.TenantID),
		logx.String("cycle", b.CycleID.String()),
		logx.Chat("dest", it.Destination),
	)
	at := it.AvailableAt
	attempts := 0
	for {
		set := d.Settings()
		wait := at.Sub(d.now()) + set.RetryMargin
		if wait < set.RetryMargin {
			wait = set.RetryMargin
		}
		if !supervisor.Sleep(ctx, wait) {
			log.Debug("retry cancelled")
			return
		}

		attempts++
		var out Outcome
		client, release, err := d.clients.Use(b.TenantID)
		if err != nil {
			out = Outcome{Destination: it.Destination, Kind: Failed, Err: err}
		} else {
			out = d.sender(set).Send(ctx, client, b.Message, b.SourceID, it.Destination)
			release()
		}
		d.obs.Outcome(out.Kind)

		res := RetryResult{
			CycleID:     b.CycleID,
			Destination: it.Destination,
			MessageID:   b.Message.ID,
			Attempts:    attempts,
			Outcome:     out.Kind,
			Err:         out.Err,
		}
		switch out.Kind {
		case Sent:
			log.Info("retry delivered", logx.Int("attempts", attempts))
			d.bus.Publish(eventbus.Event{Type: eventbus.RetrySent, TenantID: b.TenantID, Data: res})
			return
		case RateLimited:
			at = out.AvailableAt
			log.Debug("still rate limited", logx.Time("available_at", at))
			continue
		default:
			if ctx.Err() != nil {
				return
			}
			log.Warn("retry abandoned", logx.String("outcome", out.Kind.String()), logx.Err(out.Err))
			d.bus.Publish(eventbus.Event{Type: eventbus.RetryAbandoned, TenantID: b.TenantID, Data: res})
			return
		}
	}
}

// claim marks dest as having a live chain. It reports false when one is
// already running.
func (d *Dispatcher) claim(tenantID string, dest int64) bool {
	d.pendingMu.Lock()
	set := d.pending[tenantID]
	if _, ok := set[dest]; ok {
		d.pendingMu.Unlock()
		return false
	}
	if set == nil {
		set = map[int64]struct{}{}
		d.pending[tenantID] = set
	}
	set[dest] = struct{}{}
	d.pendingMu.Unlock()
	d.obs.RetryPending(1)
	return true
}

func (d *Dispatcher) unclaim(tenantID string, dest int64) {
	d.pendingMu.Lock()
	set := d.pending[tenantID]
	if _, ok := set[dest]; !ok {
		d.pendingMu.Unlock()
		return
	}
	delete(set, dest)
	if len(set) == 0 {
		delete(d.pending, tenantID)
	}
	d.pendingMu.Unlock()
	d.obs.RetryPending(-1)
}

// Pending is the number of retry chains alive for tenantID.
func (d *Dispatcher) Pending(tenantID string) int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending[tenantID])
}

func (d *Dispatcher) PendingTotal() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	n := 0
	for _, set := range d.pending {
		n += len(set)
	}
	return n
}
