package app

import (
	"context"
	"encoding/json"
	"strconv"

	"fwdbot/internal/dispatch"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/forwarder"
	"fwdbot/internal/metrics"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

// auditEntry maps a forwarding event to an audit row. ok is false for events
// that are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	ent := storage.AuditEntry{At: e.Time, TenantID: e.TenantID}
	switch e.Type {
	case eventbus.JobStarted:
		ent.Action = "forward.start"
		if req, ok := e.Data.(forwarder.StartRequest); ok {
			ent.Target = strconv.FormatInt(req.SourceID, 10)
			if b, err := json.Marshal(req); err == nil {
				ent.MetaJSON = string(b)
			}
		}
	case eventbus.JobStopped:
		ent.Action = "forward.stop"
	case eventbus.ClientEvicted:
		ent.Action = "client.evict"
		if hadJob, ok := e.Data.(bool); ok && hadJob {
			ent.MetaJSON = `{"job_cancelled":true}`
		}
	case eventbus.CycleFinished:
		r, ok := e.Data.(dispatch.Report)
		if !ok {
			return ent, false
		}
		ent.Action = "forward.cycle"
		ent.Target = strconv.Itoa(r.Message.ID)
		ent.OK = r.Sent
		ent.Fail = r.Unreachable + r.Failed
		ent.TookMS = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
		if r.Err != nil {
			ent.Error = r.Err.Error()
		}
		meta := map[string]any{
			"cycle_id":     r.CycleID.String(),
			"rate_limited": r.RateLimited,
			"rounds":       r.Rounds,
		}
		if r.Cancelled {
			meta["cancelled"] = true
		}
		if b, err := json.Marshal(meta); err == nil {
			ent.MetaJSON = string(b)
		}
	case eventbus.RetryAbandoned:
		res, ok := e.Data.(dispatch.RetryResult)
		if !ok {
			return ent, false
		}
		ent.Action = "forward.retry_abandoned"
		ent.Target = strconv.FormatInt(res.Destination, 10)
		ent.Fail = 1
		if res.Err != nil {
			ent.Error = res.Err.Error()
		}
	default:
		return ent, false
	}
	return ent, true
}

// consumeEvents writes audit rows and keeps the job gauges in sync until ctx
// is cancelled. Audit writes are best-effort.
func consumeEvents(ctx context.Context, events <-chan eventbus.Event, store storage.Store, m *metrics.Metrics, activeJobs func() int, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Tenant(e.TenantID), logx.Time("time", e.Time))

			switch e.Type {
			case eventbus.TickSkipped:
				m.SkippedTicks.Inc()
			case eventbus.JobStarted, eventbus.JobStopped, eventbus.ClientEvicted:
				m.ActiveJobs.Set(float64(activeJobs()))
			}

			ent, ok := auditEntry(e)
			if !ok {
				continue
			}
			if err := store.AppendAudit(ctx, ent); err != nil {
				log.Warn("audit write failed", logx.String("action", ent.Action), logx.Err(err))
			}
		}
	}
}
