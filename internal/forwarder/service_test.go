package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fwdbot/internal/clients"
	"fwdbot/internal/cooldown"
	"fwdbot/internal/dispatch"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/platform"
	"fwdbot/internal/platform/platformtest"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

const (
	tenant = "t1"
	source = int64(-500)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStatus struct{ storage.StatusStore }

func (failingStatus) PutJobStatus(context.Context, storage.JobStatus) error {
	return errors.New("disk full")
}

type fixture struct {
	svc   *Service
	reg   *clients.Registry
	disp  *dispatch.Dispatcher
	fake  *platformtest.Client
	store *storage.Memory
	clk   *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, status storage.StatusStore) *fixture {
	t.Helper()

	store := storage.NewMemory()
	if err := store.PutCredentials(context.Background(), storage.Credentials{TenantID: tenant, APIID: 1, APIHash: "h", Session: "s"}); err != nil {
		t.Fatal(err)
	}
	fake := platformtest.NewClient()
	for _, id := range []int64{1, 2, 3} {
		fake.AddDestination(id, 0)
	}
	dialer := platformtest.NewDialer()
	dialer.Register(tenant, fake)

	clk := &clock{now: time.Now()}
	reg := clients.New(clients.Config{IdleTimeout: time.Hour}, store, dialer, logx.Nop(), clients.WithClock(clk.Now))
	disp := dispatch.New(dispatch.Settings{
		ChunkSize:   20,
		BatchChunks: 3,
		ChunkPause:  time.Millisecond,
		RetryMargin: 10 * time.Millisecond,
	}, cooldown.New(), reg)

	if status == nil {
		status = store
	}
	bus := eventbus.New()
	svc := New(Config{
		ProbeGap:     time.Millisecond,
		ProbePoll:    5 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}, reg, disp, status, logx.Nop(), WithBus(bus))
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &fixture{svc: svc, reg: reg, disp: disp, fake: fake, store: store, clk: clk, bus: bus}
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	if _, err := f.svc.Initialize(context.Background(), tenant); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func (f *fixture) post(id int) {
	f.fake.Post(platform.Message{ID: id, ChatID: source, Text: "promo", Date: time.Now()})
}

func startReq(interval int) StartRequest {
	return StartRequest{TenantID: tenant, SourceID: source, DestinationIDs: []int64{1, 2, 3}, IntervalMinutes: interval}
}

func (f *fixture) entries() int {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	return len(f.svc.c.Entries())
}

func (f *fixture) job() *job {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	return f.svc.jobs[tenant]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRejectsInvalidInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)

	for _, interval := range []int{0, 61, -1} {
		if err := f.svc.StartForwarding(context.Background(), startReq(interval)); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("interval %d: got %v", interval, err)
		}
	}
	if n := f.entries(); n != 0 {
		t.Fatalf("entries=%d want 0", n)
	}
	if len(f.fake.Attempts()) != 0 {
		t.Fatalf("no dispatch expected")
	}
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.StartForwarding(ctx, startReq(5)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("uninitialized: got %v", err)
	}

	f.init(t)
	if err := f.svc.StartForwarding(ctx, startReq(5)); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("empty source: got %v", err)
	}

	f.fake.Post(platform.Message{ID: 9, ChatID: source, Date: time.Now(), Forwards: 3})
	if err := f.svc.StartForwarding(ctx, startReq(5)); !errors.Is(err, ErrNoMessageAvailable) {
		t.Fatalf("forwarded message: got %v", err)
	}

	bad := startReq(5)
	bad.DestinationIDs = nil
	if err := f.svc.StartForwarding(ctx, bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("no destinations: got %v", err)
	}
	if _, err := f.svc.Initialize(ctx, "ghost"); !errors.Is(err, clients.ErrTenantNotFound) {
		t.Fatalf("unknown tenant: got %v", err)
	}
}

func TestStartDispatchesImmediatelyAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)
	ctx := context.Background()

	if err := f.svc.StartForwarding(ctx, startReq(5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first cycle", func() bool {
		st := f.svc.Status(tenant)
		return st.LastCycle != nil && !st.Running
	})

	for _, id := range []int64{1, 2, 3} {
		if n := f.fake.AttemptsTo(id); n != 1 {
			t.Fatalf("dest %d attempts=%d", id, n)
		}
	}
	st := f.svc.Status(tenant)
	if !st.Active || st.IntervalMinutes != 5 || st.Message == nil || st.Message.ID != 1 || st.BatchChunks != 3 {
		t.Fatalf("status=%+v", st)
	}
	if st.LastCycle.Sent != 3 || st.Client == nil || st.NextRun.IsZero() {
		t.Fatalf("status=%+v last=%+v", st, st.LastCycle)
	}

	ps, err := f.svc.PersistedStatus(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if ps.Status != storage.StatusActive || ps.IntervalMinutes != 5 {
		t.Fatalf("persisted=%+v", ps)
	}
	if n := f.entries(); n != 1 {
		t.Fatalf("entries=%d", n)
	}
}

func TestRestartKeepsSingleEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)
	ctx := context.Background()

	if err := f.svc.StartForwarding(ctx, startReq(5)); err != nil {
		t.Fatal(err)
	}
	first := f.job()
	f.post(2)
	req := startReq(10)
	req.BatchChunks = 7
	if err := f.svc.StartForwarding(ctx, req); err != nil {
		t.Fatal(err)
	}
	if n := f.entries(); n != 1 {
		t.Fatalf("entries=%d want 1", n)
	}
	if !first.sup.Done() {
		t.Fatalf("replaced job must be cancelled")
	}
	st := f.svc.Status(tenant)
	if st.IntervalMinutes != 10 || st.BatchChunks != dispatch.MaxBatchChunks || st.Message.ID != 2 {
		t.Fatalf("status=%+v", st)
	}
}

func TestStopCancelsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)
	ctx := context.Background()

	events, unsub := f.bus.Subscribe(4, eventbus.JobStopped)
	defer unsub()

	if err := f.svc.StartForwarding(ctx, startReq(1)); err != nil {
		t.Fatal(err)
	}
	j := f.job()
	waitFor(t, "first cycle", func() bool { return j.lastReport() != nil })

	if err := f.svc.StopForwarding(ctx, tenant); err != nil {
		t.Fatalf("stop: %v", err)
	}
	before := len(f.fake.Attempts())

	// A tick racing the stop must not start a cycle.
	f.post(2)
	f.svc.tick(j)
	time.Sleep(20 * time.Millisecond)
	if after := len(f.fake.Attempts()); after != before {
		t.Fatalf("cycle ran after stop: %d -> %d attempts", before, after)
	}

	if n := f.entries(); n != 0 {
		t.Fatalf("entries=%d", n)
	}
	if st := f.svc.Status(tenant); st.Active || st.Client != nil {
		t.Fatalf("status after stop=%+v", st)
	}
	if f.fake.Disconnects() != 1 {
		t.Fatalf("client must be released on stop")
	}
	ps, err := f.svc.PersistedStatus(ctx, tenant)
	if err != nil || ps.Status != storage.StatusStopped || ps.IntervalMinutes != 0 {
		t.Fatalf("persisted=%+v err=%v", ps, err)
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatalf("no stop event")
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)
	f.fake.ForwardDelay = 100 * time.Millisecond

	if err := f.svc.StartForwarding(context.Background(), startReq(1)); err != nil {
		t.Fatal(err)
	}
	j := f.job()
	waitFor(t, "cycle running", func() bool { return j.running.Load() })
	f.svc.tick(j)

	if got := j.skipped.Load(); got != 1 {
		t.Fatalf("skipped=%d want 1", got)
	}
	waitFor(t, "cycle done", func() bool { return j.lastReport() != nil })
	if n := f.fake.AttemptsTo(1); n != 1 {
		t.Fatalf("attempts=%d want 1", n)
	}
}

func TestStatusStoreFailureKeepsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failingStatus{})
	f.init(t)
	f.post(1)

	err := f.svc.StartForwarding(context.Background(), startReq(5))
	if !errors.Is(err, ErrStatusStore) {
		t.Fatalf("got %v", err)
	}
	if !f.svc.Status(tenant).Active || f.entries() != 1 {
		t.Fatalf("job must stay installed")
	}
}

func TestEvictionCancelsJobButKeepsPersistedRow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.init(t)
	f.post(1)
	ctx := context.Background()

	if err := f.svc.StartForwarding(ctx, startReq(30)); err != nil {
		t.Fatal(err)
	}
	j := f.job()
	waitFor(t, "first cycle", func() bool { return j.lastReport() != nil && !j.running.Load() })

	f.clk.Advance(2 * time.Hour)
	if got := f.reg.Sweep(ctx); len(got) != 1 {
		t.Fatalf("evicted=%v", got)
	}
	if !j.sup.Done() || f.entries() != 0 || len(f.svc.Active()) != 0 {
		t.Fatalf("job must be cancelled on eviction")
	}
	ps, err := f.svc.PersistedStatus(ctx, tenant)
	if err != nil || ps.Status != storage.StatusActive {
		t.Fatalf("persisted=%+v err=%v", ps, err)
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.init(t)
		f.post(1)

		res, err := f.svc.Preflight(context.Background(), PreflightRequest{TenantID: tenant, SourceID: source, DestinationIDs: []int64{1, 2}})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != PreflightFound || res.Probed != 2 || len(res.Messages) != 1 || res.Messages[0].ID != 1 {
			t.Fatalf("result=%+v", res)
		}
		if n := len(f.fake.Texts()); n != 2 {
			t.Fatalf("probes=%d", n)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.init(t)

		res, err := f.svc.Preflight(context.Background(), PreflightRequest{TenantID: tenant, SourceID: source, DestinationIDs: []int64{1}})
		if err != nil || res.Status != PreflightTimeout {
			t.Fatalf("result=%+v err=%v", res, err)
		}
	})

	t.Run("probe rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		f.init(t)
		f.fake.SendTextErr = func(chatID int64) error {
			if chatID == 2 {
				return platform.ErrUnreachable
			}
			return nil
		}

		res, err := f.svc.Preflight(context.Background(), PreflightRequest{TenantID: tenant, SourceID: source, DestinationIDs: []int64{1, 2, 3}})
		if !errors.Is(err, ErrProbeFailed) || !errors.Is(err, platform.ErrUnreachable) {
			t.Fatalf("got %v", err)
		}
		if res.Probed != 1 || len(f.fake.Texts()) != 2 {
			t.Fatalf("probed=%d texts=%d", res.Probed, len(f.fake.Texts()))
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		_, err := f.svc.Preflight(context.Background(), PreflightRequest{TenantID: tenant, SourceID: source, DestinationIDs: []int64{1}})
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestDestinations(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if _, err := f.svc.Destinations(context.Background(), tenant); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v", err)
	}
	f.init(t)
	ds, err := f.svc.Destinations(context.Background(), tenant)
	if err != nil || len(ds) != 3 {
		t.Fatalf("dialogs=%v err=%v", ds, err)
	}
}
