package forwarder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"fwdbot/internal/dispatch"
	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
)

// job is one tenant's recurring forward. Its supervisor is the parent of the
// tick, the in-flight dispatch and every retry chain of the tenant.
type job struct {
	tenantID  string
	sourceID  int64
	dests     []int64
	interval  int
	batch     int
	startedAt time.Time

	entryID cron.EntryID
	sup     *supervisor.Supervisor

	running atomic.Bool
	skipped atomic.Uint64

	mu      sync.Mutex
	message platform.Message
	last    *dispatch.Report
}

func (j *job) remembered() platform.Message {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.message
}

func (j *job) finish(r dispatch.Report) {
	j.mu.Lock()
	if !r.Message.IsZero() {
		j.message = r.Message
	}
	j.last = &r
	j.mu.Unlock()
}

func (j *job) lastReport() *dispatch.Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}
