package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fwdbot/internal/cooldown"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/platform"
	"fwdbot/internal/platform/platformtest"
	"fwdbot/internal/runtime/supervisor"
)

const source = int64(-1000)

type fixedSource struct {
	c   platform.Client
	err error
}

func (f fixedSource) Use(string) (platform.Client, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.c, func() {}, nil
}

func fastSettings() Settings {
	return Settings{
		ChunkSize:     20,
		BatchChunks:   1,
		ChunkPause:    time.Millisecond,
		SendPause:     0,
		RetryMargin:   10 * time.Millisecond,
		MessageMaxAge: time.Hour,
	}
}

func newFixture(t *testing.T, set Settings, dests ...int64) (*Dispatcher, *platformtest.Client, *cooldown.Tracker, platform.Message) {
	t.Helper()
	c := platformtest.NewClient()
	for _, d := range dests {
		c.AddDestination(d, 0)
	}
	msg := platform.Message{ID: 1, ChatID: source, Text: "hi", Date: time.Now()}
	c.Post(msg)
	tr := cooldown.New()
	return New(set, tr, fixedSource{c: c}), c, tr, msg
}

func ids(from, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(from + i)
	}
	return out
}

func TestDispatchVisitsEachDestinationOnce(t *testing.T) {
	t.Parallel()

	dests := ids(1, 45)
	d, c, _, msg := newFixture(t, fastSettings(), dests...)

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: dests, Message: msg})
	if rep.Err != nil {
		t.Fatalf("err: %v", rep.Err)
	}
	if rep.Sent != 45 || len(rep.Outcomes) != 45 {
		t.Fatalf("sent=%d outcomes=%d", rep.Sent, len(rep.Outcomes))
	}
	if rep.Rounds != 3 {
		t.Fatalf("rounds=%d want 3", rep.Rounds)
	}
	for _, id := range dests {
		if n := c.AttemptsTo(id); n != 1 {
			t.Fatalf("dest %d attempted %d times", id, n)
		}
	}
	if rep.CycleID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("cycle id not assigned")
	}
}

func TestDispatchConcurrencyBoundedByRound(t *testing.T) {
	t.Parallel()

	set := fastSettings()
	set.ChunkSize = 2
	set.BatchChunks = 2
	dests := ids(1, 10)
	d, c, _, msg := newFixture(t, set, dests...)
	c.ForwardDelay = 20 * time.Millisecond

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: dests, Message: msg})
	if rep.Sent != 10 {
		t.Fatalf("sent=%d", rep.Sent)
	}
	if got := c.MaxInFlight(); got > 4 || got < 2 {
		t.Fatalf("max in flight=%d want 2..4", got)
	}
	if rep.Rounds != 3 {
		t.Fatalf("rounds=%d want 3", rep.Rounds)
	}
}

func TestDispatchBatchChunksIsCapped(t *testing.T) {
	t.Parallel()

	set := fastSettings()
	set.ChunkSize = 1
	dests := ids(1, 8)
	d, c, _, msg := newFixture(t, set, dests...)
	c.ForwardDelay = 20 * time.Millisecond

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: dests, Message: msg, BatchChunks: 10})
	if rep.Rounds != 3 {
		t.Fatalf("rounds=%d want 3", rep.Rounds)
	}
	if got := c.MaxInFlight(); got > MaxBatchChunks {
		t.Fatalf("max in flight=%d", got)
	}
}

func TestDispatchOutcomeKinds(t *testing.T) {
	t.Parallel()

	d, c, tr, msg := newFixture(t, fastSettings(), 1, 2, 4)
	// 3 is unknown to the platform; 2 is cooling; 4 errors.
	tr.Record(2, time.Hour)
	c.ForwardErr = func(_ platform.Message, to int64, _ int) error {
		if to == 4 {
			return errors.New("internal")
		}
		return nil
	}

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{1, 2, 3, 4}, Message: msg})
	if rep.Sent != 1 || rep.RateLimited != 1 || rep.Unreachable != 1 || rep.Failed != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if c.AttemptsTo(2) != 0 {
		t.Fatalf("cooled destination must not be attempted")
	}
	if c.AttemptsTo(3) != 0 {
		t.Fatalf("unresolvable destination must not be attempted")
	}
	if len(rep.Pending) != 1 || rep.Pending[0] != 2 {
		t.Fatalf("pending=%v", rep.Pending)
	}
}

func TestProactiveCooldownAfterWindowedSuccess(t *testing.T) {
	t.Parallel()

	d, c, tr, msg := newFixture(t, fastSettings(), 1)
	c.AddDestination(2, time.Minute)

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{1, 2}, Message: msg})
	if rep.Sent != 2 {
		t.Fatalf("sent=%d", rep.Sent)
	}
	if !tr.IsOnCooldown(2) {
		t.Fatalf("windowed destination must cool down after success")
	}
	if tr.IsOnCooldown(1) {
		t.Fatalf("unrestricted destination must not cool down")
	}
}

func TestRateLimitedDestinationIsRetried(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.RetrySent, eventbus.RetryAbandoned)
	defer unsub()

	c := platformtest.NewClient()
	for _, id := range []int64{10, 11, 12} {
		c.AddDestination(id, 0)
	}
	msg := platform.Message{ID: 1, ChatID: source, Date: time.Now()}
	c.Post(msg)
	c.ForwardErr = func(_ platform.Message, to int64, attempt int) error {
		if to == 12 && attempt == 1 {
			return &platform.RateLimitError{ChatID: to, RetryAfter: 100 * time.Millisecond}
		}
		return nil
	}
	tr := cooldown.New()
	d := New(fastSettings(), tr, fixedSource{c: c}, WithBus(bus))

	sup := supervisor.New(context.Background())
	defer sup.Stop(context.Background())

	start := time.Now()
	rep := d.Dispatch(sup.Context(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{10, 11, 12}, Message: msg, Spawner: sup})
	if rep.Sent != 2 || rep.RateLimited != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if !tr.IsOnCooldown(12) || tr.IsOnCooldown(10) || tr.IsOnCooldown(11) {
		t.Fatalf("cooldowns=%+v", tr.Snapshot())
	}

	select {
	case e := <-events:
		if e.Type != eventbus.RetrySent {
			t.Fatalf("event=%s", e.Type)
		}
		res := e.Data.(RetryResult)
		if res.Destination != 12 || res.Attempts != 1 {
			t.Fatalf("result=%+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry never delivered")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("retried after %s, before the cooldown expired", elapsed)
	}
	if n := c.AttemptsTo(12); n != 2 {
		t.Fatalf("attempts to 12=%d want 2", n)
	}
	waitFor(t, func() bool { return d.Pending("t") == 0 })
}

func TestRetryKeepsWaitingWhileRateLimited(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.RetrySent)
	defer unsub()

	d, c, _, msg := newFixture(t, fastSettings(), 7)
	d.bus = bus
	c.ForwardErr = func(_ platform.Message, _ int64, attempt int) error {
		if attempt <= 2 {
			return &platform.RateLimitError{RetryAfter: 20 * time.Millisecond}
		}
		return nil
	}

	sup := supervisor.New(context.Background())
	defer sup.Stop(context.Background())
	d.Dispatch(sup.Context(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{7}, Message: msg, Spawner: sup})

	select {
	case e := <-events:
		if res := e.Data.(RetryResult); res.Attempts != 2 {
			t.Fatalf("attempts=%d want 2", res.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry never delivered")
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	d, c, _, msg := newFixture(t, fastSettings(), 7)
	c.ForwardErr = func(_ platform.Message, _ int64, attempt int) error {
		if attempt == 1 {
			return &platform.RateLimitError{RetryAfter: time.Hour}
		}
		return nil
	}

	sup := supervisor.New(context.Background())
	d.Dispatch(sup.Context(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{7}, Message: msg, Spawner: sup})
	if d.Pending("t") != 1 {
		t.Fatalf("pending=%d", d.Pending("t"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if d.Pending("t") != 0 || d.PendingTotal() != 0 {
		t.Fatalf("pending after stop=%d", d.Pending("t"))
	}
	if c.AttemptsTo(7) != 1 {
		t.Fatalf("cancelled chain must not retry")
	}
}

func TestRepeatedCyclesShareOneRetryChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		window time.Duration
	}{
		{name: "flood wait", window: 0},
		{name: "slow mode", window: 150 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, c, tr, msg := newFixture(t, fastSettings())
			c.AddDestination(12, tt.window)
			tr.Record(12, 150*time.Millisecond)

			sup := supervisor.New(context.Background())
			defer sup.Stop(context.Background())

			for i := 0; i < 3; i++ {
				rep := d.Dispatch(sup.Context(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{12}, Message: msg, Spawner: sup})
				if rep.RateLimited != 1 {
					t.Fatalf("cycle %d: report=%+v", i, rep)
				}
			}
			if n := d.Pending("t"); n != 1 {
				t.Fatalf("pending=%d want 1", n)
			}

			waitFor(t, func() bool { return d.Pending("t") == 0 })
			time.Sleep(250 * time.Millisecond)
			if n := c.AttemptsTo(12); n != 1 {
				t.Fatalf("attempts to 12=%d want 1", n)
			}
			if d.PendingTotal() != 0 {
				t.Fatalf("pending total=%d", d.PendingTotal())
			}
		})
	}
}

func TestResolveReleasesClaimWhenSpawnerClosed(t *testing.T) {
	t.Parallel()

	d, _, _, msg := newFixture(t, fastSettings(), 7)
	sup := supervisor.New(context.Background())
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.Resolve(sup, RetryBatch{TenantID: "t", Message: msg, Items: []RetryItem{{Destination: 7, AvailableAt: time.Now()}}})
	if n := d.Pending("t"); n != 0 {
		t.Fatalf("pending=%d want 0", n)
	}
}

func TestRetryAbandonedOnFailure(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	d, c, _, msg := newFixture(t, fastSettings(), 7)
	d.bus = bus
	c.ForwardErr = func(_ platform.Message, _ int64, attempt int) error {
		if attempt == 1 {
			return &platform.RateLimitError{RetryAfter: 10 * time.Millisecond}
		}
		return errors.New("boom")
	}

	sup := supervisor.New(context.Background())
	defer sup.Stop(context.Background())
	d.Dispatch(sup.Context(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{7}, Message: msg, Spawner: sup})

	select {
	case e := <-events:
		if e.Type != eventbus.RetryAbandoned {
			t.Fatalf("event=%s", e.Type)
		}
		if res := e.Data.(RetryResult); res.Outcome != Failed {
			t.Fatalf("outcome=%s", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal event")
	}
	if c.AttemptsTo(7) != 2 {
		t.Fatalf("failed destination must not be retried again")
	}
}

func TestDispatchPicksUpNewerMessageBetweenRounds(t *testing.T) {
	t.Parallel()

	set := fastSettings()
	set.ChunkSize = 1
	d, c, _, msg := newFixture(t, set, 1, 2)

	var once sync.Once
	c.ForwardErr = func(m platform.Message, to int64, _ int) error {
		once.Do(func() { c.Post(platform.Message{ID: 2, ChatID: source, Date: time.Now()}) })
		return nil
	}

	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", SourceID: source, Destinations: []int64{1, 2}, Message: msg})
	if !rep.MessageChanged || rep.Message.ID != 2 {
		t.Fatalf("message=%+v changed=%v", rep.Message, rep.MessageChanged)
	}
	at := c.Attempts()
	if len(at) != 2 || at[0].MsgID != 1 || at[1].MsgID != 2 {
		t.Fatalf("attempts=%+v", at)
	}
}

func TestDispatchWithoutClient(t *testing.T) {
	t.Parallel()

	boom := errors.New("no session")
	d := New(fastSettings(), cooldown.New(), fixedSource{err: boom})
	rep := d.Dispatch(context.Background(), Cycle{TenantID: "t", Destinations: []int64{1}})
	if !errors.Is(rep.Err, boom) || len(rep.Outcomes) != 0 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestDispatchCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	d, c, _, msg := newFixture(t, fastSettings(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := d.Dispatch(ctx, Cycle{TenantID: "t", SourceID: source, Destinations: []int64{1}, Message: msg})
	if !rep.Cancelled || c.AttemptsTo(1) != 0 {
		t.Fatalf("report=%+v attempts=%d", rep, c.AttemptsTo(1))
	}
}

func TestNextRemembered(t *testing.T) {
	t.Parallel()

	now := time.Now()
	old := platform.Message{ID: 1, ChatID: 5, Date: now.Add(-time.Minute)}
	cases := []struct {
		name   string
		latest []platform.Message
		want   int
	}{
		{"empty source", nil, 1},
		{"same message", []platform.Message{old}, 1},
		{"newer unforwarded", []platform.Message{{ID: 2, ChatID: 5, Date: now}}, 2},
		{"newer already forwarded", []platform.Message{{ID: 2, ChatID: 5, Date: now, Forwards: 1}}, 1},
		{"newer but stale", []platform.Message{{ID: 2, ChatID: 5, Date: now.Add(-2 * time.Hour)}}, 1},
		{"only newest considered", []platform.Message{{ID: 3, ChatID: 5, Date: now, Forwards: 2}, {ID: 2, ChatID: 5, Date: now}}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NextRemembered(old, tc.latest, now, time.Hour); got.ID != tc.want {
				t.Fatalf("got %d want %d", got.ID, tc.want)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	if got := Chunk(nil, 20); got != nil {
		t.Fatalf("empty: %v", got)
	}
	got := Chunk(ids(1, 45), 20)
	if len(got) != 3 || len(got[0]) != 20 || len(got[2]) != 5 || got[2][4] != 45 {
		t.Fatalf("chunks=%v", got)
	}
	if got := Chunk(ids(1, 3), 0); len(got) != 1 {
		t.Fatalf("size 0: %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
