// Package forwarder schedules the recurring per-tenant forwarding jobs.
//
// Each tenant has at most one cron entry. A tick dispatches the remembered
// message under the tenant's job supervisor; a tick that fires while the
// previous cycle is still running is skipped.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fwdbot/internal/clients"
	"fwdbot/internal/dispatch"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

type Service struct {
	clients *clients.Registry
	disp    *dispatch.Dispatcher
	store   storage.StatusStore
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	c    *cron.Cron
	jobs map[string]*job
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, reg *clients.Registry, disp *dispatch.Dispatcher, store storage.StatusStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		clients: reg,
		disp:    disp,
		store:   store,
		bus:     eventbus.Nop(),
		log:     log,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		jobs:    map[string]*job{},
	}
	for _, o := range opts {
		o(s)
	}
	reg.OnEvict(s.onEvict)
	return s
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
}

// Start runs the cron runner. Jobs live under ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.c = s.newCronLocked()
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.cfg.Location.String()))
}

// Stop removes every job and waits for in-flight cycles and retry chains,
// bounded by ctx. Persisted job rows are left as they are.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	n := len(s.jobs)
	s.jobs = map[string]*job{}
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	err := sup.Stop(ctx)
	s.log.Info("service stopped", logx.Int("jobs", n), logx.Duration("took", time.Since(start)))
	return err
}

// Apply swaps tunables. A new location restarts the cron runner and
// re-registers every job.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	oldLoc := s.cfg.Location
	s.cfg = cfg
	if s.c == nil || oldLoc.String() == cfg.Location.String() {
		return
	}
	<-s.c.Stop().Done()
	s.c = s.newCronLocked()
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", cfg.Location.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Initialize acquires the tenant's client, creating it if needed.
func (s *Service) Initialize(ctx context.Context, tenantID string) (clients.SessionInfo, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return clients.SessionInfo{}, fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	}
	if _, err := s.clients.Acquire(ctx, tenantID); err != nil {
		return clients.SessionInfo{}, err
	}
	info, _ := s.clients.Info(tenantID)
	return info, nil
}

func validateStart(req *StartRequest) error {
	if req.IntervalMinutes < MinIntervalMinutes || req.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, req.IntervalMinutes)
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	case req.SourceID == 0:
		return fmt.Errorf("%w: source chat required", ErrInvalidRequest)
	case len(req.DestinationIDs) == 0:
		return fmt.Errorf("%w: at least one destination required", ErrInvalidRequest)
	case req.BatchChunks < 0:
		return fmt.Errorf("%w: batch_chunks must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// StartForwarding replaces the tenant's job with a new one and dispatches
// once immediately. A status store failure is returned wrapped in
// ErrStatusStore; the job stays installed.
func (s *Service) StartForwarding(ctx context.Context, req StartRequest) error {
	if err := validateStart(&req); err != nil {
		return err
	}
	client, ok := s.clients.Get(req.TenantID)
	if !ok {
		return ErrNotInitialized
	}
	latest, err := client.RecentMessages(ctx, req.SourceID, 1)
	if err != nil {
		return fmt.Errorf("read source %d: %w", req.SourceID, err)
	}
	msg, ok := platform.LatestUnforwarded(latest, s.now(), 0)
	if !ok {
		return ErrNoMessageAvailable
	}

	cfg := s.config()
	batch := req.BatchChunks
	if batch == 0 {
		batch = cfg.BatchChunks
	}
	batch = min(batch, dispatch.MaxBatchChunks)

	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	prev := s.jobs[req.TenantID]
	if prev != nil {
		s.c.Remove(prev.entryID)
		prev.sup.Cancel()
	}
	j := &job{
		tenantID:  req.TenantID,
		sourceID:  req.SourceID,
		dests:     append([]int64(nil), req.DestinationIDs...),
		interval:  req.IntervalMinutes,
		batch:     batch,
		startedAt: s.now(),
		sup:       supervisor.New(s.sup.Context(), supervisor.WithLogger(s.log.With(logx.Tenant(req.TenantID)))),
		message:   msg,
	}
	s.jobs[req.TenantID] = j
	s.scheduleLocked(j)
	s.mu.Unlock()

	var storeErr error
	if err := s.store.PutJobStatus(ctx, storage.JobStatus{
		TenantID:        req.TenantID,
		Status:          storage.StatusActive,
		IntervalMinutes: req.IntervalMinutes,
		UpdatedAt:       s.now(),
	}); err != nil {
		storeErr = fmt.Errorf("%w: %w", ErrStatusStore, err)
		s.log.Warn("persist job status failed", logx.Tenant(req.TenantID), logx.Err(err))
	}

	s.tick(j)

	s.log.Info("forwarding started",
		logx.Tenant(req.TenantID),
		logx.Chat("source", req.SourceID),
		logx.Int("destinations", len(req.DestinationIDs)),
		logx.Int("interval_min", req.IntervalMinutes),
		logx.Int("batch_chunks", batch),
		logx.Int("message", msg.ID),
		logx.Bool("replaced", prev != nil),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, TenantID: req.TenantID, Data: req})
	return storeErr
}

func (s *Service) scheduleLocked(j *job) {
	every := time.Duration(j.interval) * time.Minute
	j.entryID = s.c.Schedule(cron.Every(every), cron.FuncJob(func() { s.tick(j) }))
}

// tick starts one dispatch cycle for j unless one is still running.
func (s *Service) tick(j *job) {
	if j.sup.Done() {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Warn("tick skipped: previous cycle still running", logx.Tenant(j.tenantID))
		s.bus.Publish(eventbus.Event{Type: eventbus.TickSkipped, TenantID: j.tenantID})
		return
	}
	j.sup.Go("dispatch", func(ctx context.Context) error {
		defer j.running.Store(false)
		rep := s.disp.Dispatch(ctx, dispatch.Cycle{
			TenantID:     j.tenantID,
			SourceID:     j.sourceID,
			Destinations: j.dests,
			Message:      j.remembered(),
			BatchChunks:  j.batch,
			Spawner:      j.sup,
		})
		j.finish(rep)
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, TenantID: j.tenantID, Data: rep})
		return nil
	})
}

// StopForwarding cancels the tenant's job with its retries, releases the
// client and persists the stopped status. It is safe to call without a job.
func (s *Service) StopForwarding(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	}

	s.mu.Lock()
	j := s.jobs[tenantID]
	delete(s.jobs, tenantID)
	if j != nil && s.c != nil {
		s.c.Remove(j.entryID)
	}
	s.mu.Unlock()

	if j != nil {
		j.sup.Cancel()
		if err := j.sup.Wait(ctx); err != nil {
			s.log.Warn("job did not stop cleanly", logx.Tenant(tenantID), logx.Err(err))
		}
	}
	if err := s.clients.Release(ctx, tenantID); err != nil {
		s.log.Warn("client release failed", logx.Tenant(tenantID), logx.Err(err))
	}

	var storeErr error
	if err := s.store.PutJobStatus(ctx, storage.JobStatus{
		TenantID:  tenantID,
		Status:    storage.StatusStopped,
		UpdatedAt: s.now(),
	}); err != nil {
		storeErr = fmt.Errorf("%w: %w", ErrStatusStore, err)
		s.log.Warn("persist job status failed", logx.Tenant(tenantID), logx.Err(err))
	}

	s.log.Info("forwarding stopped", logx.Tenant(tenantID), logx.Bool("had_job", j != nil))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStopped, TenantID: tenantID})
	return storeErr
}

// onEvict drops the job of a tenant whose client the idle sweep removed.
// The persisted row is not touched.
func (s *Service) onEvict(_ context.Context, tenantID string) {
	s.mu.Lock()
	j := s.jobs[tenantID]
	delete(s.jobs, tenantID)
	if j != nil && s.c != nil {
		s.c.Remove(j.entryID)
	}
	s.mu.Unlock()
	if j != nil {
		j.sup.Cancel()
		s.log.Info("job cancelled after client eviction", logx.Tenant(tenantID))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ClientEvicted, TenantID: tenantID, Data: j != nil})
}

// Status reports the live job state. It refreshes the client's last-used
// time and nothing else.
func (s *Service) Status(tenantID string) Status {
	tenantID = strings.TrimSpace(tenantID)
	st := Status{TenantID: tenantID}
	if s.clients.Touch(tenantID) {
		if info, ok := s.clients.Info(tenantID); ok {
			st.Client = &info
		}
	}

	s.mu.Lock()
	j := s.jobs[tenantID]
	var next time.Time
	if j != nil && s.c != nil {
		next = s.c.Entry(j.entryID).Next
	}
	s.mu.Unlock()
	if j == nil {
		return st
	}

	msg := j.remembered()
	st.Active = true
	st.IntervalMinutes = j.interval
	st.SourceID = j.sourceID
	st.Destinations = len(j.dests)
	st.BatchChunks = j.batch
	st.Running = j.running.Load()
	st.StartedAt = j.startedAt
	st.NextRun = next
	st.SkippedTicks = j.skipped.Load()
	st.PendingRetries = s.disp.Pending(tenantID)
	st.Message = &MessageRef{ID: msg.ID, ChatID: msg.ChatID, Date: msg.Date}
	if r := j.lastReport(); r != nil {
		st.LastCycle = summarize(*r)
	}
	return st
}

// PersistedStatus reads the stored job row; a missing row reads as stopped.
func (s *Service) PersistedStatus(ctx context.Context, tenantID string) (PersistedStatus, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return PersistedStatus{}, fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	}
	row, ok, err := s.store.GetJobStatus(ctx, tenantID)
	if err != nil {
		return PersistedStatus{}, fmt.Errorf("%w: %w", ErrStatusStore, err)
	}
	out := PersistedStatus{TenantID: tenantID}
	if ok {
		out.Status = row.Status
		out.IntervalMinutes = row.IntervalMinutes
		out.UpdatedAt = row.UpdatedAt
	}
	if info, ok := s.clients.Info(tenantID); ok {
		out.Client = &info
	}
	return out, nil
}

// Active lists tenants with an installed job.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	return out
}

func notInitialized(err error) error {
	if errors.Is(err, clients.ErrNoSession) {
		return ErrNotInitialized
	}
	return err
}
