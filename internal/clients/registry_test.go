package clients

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fwdbot/internal/platform/platformtest"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
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

func newFixture(t *testing.T, tenants ...string) (*Registry, *platformtest.Dialer, map[string]*platformtest.Client, *clock) {
	t.Helper()

	st := storage.NewMemory()
	d := platformtest.NewDialer()
	fakes := map[string]*platformtest.Client{}
	for i, id := range tenants {
		if err := st.PutCredentials(context.Background(), storage.Credentials{TenantID: id, APIID: i + 1, APIHash: "h", Session: "s"}); err != nil {
			t.Fatal(err)
		}
		c := platformtest.NewClient()
		fakes[id] = c
		d.Register(id, c)
	}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	r := New(Config{IdleTimeout: time.Hour, SweepInterval: time.Minute}, st, d, logx.Nop(), WithClock(clk.Now))
	return r, d, fakes, clk
}

func TestConcurrentAcquireDialsOnce(t *testing.T) {
	t.Parallel()

	r, d, fakes, _ := newFixture(t, "t1")
	d.DialDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Acquire(context.Background(), "t1")
			if err != nil {
				errs <- err
				return
			}
			if c != fakes["t1"] {
				errs <- errors.New("unexpected client instance")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if n := d.Dials("t1"); n != 1 {
		t.Fatalf("dials=%d want 1", n)
	}
	if r.Len() != 1 {
		t.Fatalf("sessions=%d", r.Len())
	}
}

func TestAcquireErrors(t *testing.T) {
	t.Parallel()

	r, _, fakes, _ := newFixture(t, "t1")

	if _, err := r.Acquire(context.Background(), "ghost"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("unknown tenant: got %v", err)
	}

	boom := errors.New("network down")
	fakes["t1"].ConnectErr = boom
	_, err := r.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrConnection) || !errors.Is(err, boom) {
		t.Fatalf("connect failure: got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failed connect must not register a session")
	}
}

func TestSweepEvictsIdleUnpinnedSessions(t *testing.T) {
	t.Parallel()

	r, _, fakes, clk := newFixture(t, "idle", "busy", "fresh")
	ctx := context.Background()
	for _, id := range []string{"idle", "busy", "fresh"} {
		if _, err := r.Acquire(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	var evicted []string
	r.OnEvict(func(_ context.Context, id string) { evicted = append(evicted, id) })

	_, release, err := r.Use("busy")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(61 * time.Minute)
	r.Touch("fresh")

	got := r.Sweep(ctx)
	if len(got) != 1 || got[0] != "idle" {
		t.Fatalf("evicted=%v want [idle]", got)
	}
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("hook saw %v", evicted)
	}
	if fakes["idle"].Connected() {
		t.Fatalf("evicted client must be disconnected")
	}
	if _, ok := r.Info("busy"); !ok {
		t.Fatalf("pinned session must survive the sweep")
	}

	// Releasing the pin refreshes last-used, so the next sweep still keeps it.
	release()
	if got := r.Sweep(ctx); len(got) != 0 {
		t.Fatalf("second sweep evicted %v", got)
	}
}

func TestReleaseAndInfo(t *testing.T) {
	t.Parallel()

	r, _, fakes, clk := newFixture(t, "t1")
	ctx := context.Background()
	if _, err := r.Acquire(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)
	info, ok := r.Info("t1")
	if !ok || info.Uptime != 10*time.Minute {
		t.Fatalf("info=%+v ok=%v", info, ok)
	}

	if err := r.Release(ctx, "t1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if fakes["t1"].Disconnects() != 1 {
		t.Fatalf("disconnects=%d", fakes["t1"].Disconnects())
	}
	if _, _, err := r.Use("t1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("use after release: %v", err)
	}
	if err := r.Release(ctx, "t1"); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
}

func TestCancelledAcquireDoesNotFailSharedDial(t *testing.T) {
	t.Parallel()

	r, d, fakes, _ := newFixture(t, "t1")
	d.DialDelay = 60 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "t1")
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		c, err := r.Acquire(context.Background(), "t1")
		if err == nil && c != fakes["t1"] {
			err = errors.New("unexpected client instance")
		}
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first acquire: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if n := d.Dials("t1"); n != 1 {
		t.Fatalf("dials=%d want 1", n)
	}
	if r.Len() != 1 || !fakes["t1"].Connected() {
		t.Fatalf("len=%d connected=%v", r.Len(), fakes["t1"].Connected())
	}
}

func TestReleaseDuringDialDropsSession(t *testing.T) {
	t.Parallel()

	r, d, fakes, _ := newFixture(t, "t1")
	d.DialDelay = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "t1")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := r.Release(context.Background(), "t1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := <-done; !errors.Is(err, ErrReleased) {
		t.Fatalf("acquire: %v want ErrReleased", err)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d want 0", r.Len())
	}
	if fakes["t1"].Disconnects() != 1 {
		t.Fatalf("disconnects=%d want 1", fakes["t1"].Disconnects())
	}

	if _, err := r.Acquire(context.Background(), "t1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
}
