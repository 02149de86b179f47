package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fwdbot/internal/cooldown"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/platform"
	"fwdbot/internal/runtime/supervisor"
	logx "fwdbot/pkg/logx"
)

const (
	DefaultChunkSize     = 20
	MaxBatchChunks       = 3
	DefaultChunkPause    = 5 * time.Second
	DefaultSendPause     = time.Second
	DefaultRetryMargin   = 2 * time.Second
	DefaultMessageMaxAge = time.Hour
)

// Settings are the pacing knobs. They may change between cycles (hot reload).
type Settings struct {
	ChunkSize     int
	BatchChunks   int
	ChunkPause    time.Duration
	SendPause     time.Duration
	RetryMargin   time.Duration
	MessageMaxAge time.Duration
}

func (s Settings) normalized() Settings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	s.BatchChunks = clampBatch(s.BatchChunks, MaxBatchChunks)
	if s.ChunkPause < 0 {
		s.ChunkPause = 0
	}
	if s.SendPause < 0 {
		s.SendPause = 0
	}
	if s.RetryMargin <= 0 {
		s.RetryMargin = DefaultRetryMargin
	}
	if s.MessageMaxAge <= 0 {
		s.MessageMaxAge = DefaultMessageMaxAge
	}
	return s
}

func clampBatch(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n > MaxBatchChunks {
		n = MaxBatchChunks
	}
	return n
}

// Cycle is one dispatch request.
type Cycle struct {
	ID           uuid.UUID
	TenantID     string
	SourceID     int64
	Destinations []int64
	Message      platform.Message
	// BatchChunks overrides Settings.BatchChunks for this job (capped at MaxBatchChunks).
	BatchChunks int
	// Spawner hosts the retry chains; usually the tenant job's supervisor.
	Spawner Spawner
}

type Dispatcher struct {
	tracker *cooldown.Tracker
	clients ClientSource
	log     logx.Logger
	obs     Observer
	bus     eventbus.Bus
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings

	pendingMu sync.Mutex
	pending   map[string]map[int64]struct{}
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.obs = o } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(settings Settings, tracker *cooldown.Tracker, clients ClientSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tracker:  tracker,
		clients:  clients,
		log:      logx.Nop(),
		obs:      nopObserver{},
		bus:      eventbus.Nop(),
		now:      time.Now,
		settings: settings.normalized(),
		pending:  map[string]map[int64]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.obs == nil {
		d.obs = nopObserver{}
	}
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	return d
}

func (d *Dispatcher) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// Apply swaps the pacing settings; cycles already running keep theirs.
func (d *Dispatcher) Apply(s Settings) {
	d.mu.Lock()
	d.settings = s.normalized()
	d.mu.Unlock()
}

func (d *Dispatcher) sender(set Settings) Sender {
	return Sender{Tracker: d.tracker, Pause: set.SendPause}
}

// Dispatch visits every destination of the cycle exactly once in the main
// pass. Rounds of BatchChunks chunks run one after another; sends within a
// round run concurrently. Rate-limited destinations are handed to retry
// chains on cyc.Spawner.
//
// Cancelling ctx lets the round in flight finish and skips the rest,
// including retries.
func (d *Dispatcher) Dispatch(ctx context.Context, cyc Cycle) Report {
	set := d.Settings()
	if cyc.ID == uuid.Nil {
		cyc.ID = uuid.New()
	}
	rep := Report{CycleID: cyc.ID, TenantID: cyc.TenantID, Message: cyc.Message, StartedAt: d.now()}
	log := d.log.With(logx.Tenant(cyc.TenantID), logx.String("cycle", cyc.ID.String()))

	client, release, err := d.clients.Use(cyc.TenantID)
	if err != nil {
		rep.Err = err
		rep.FinishedAt = d.now()
		log.Warn("dispatch skipped: no client", logx.Err(err))
		d.obs.CycleDone(rep)
		return rep
	}
	defer release()

	batch := clampBatch(cyc.BatchChunks, set.BatchChunks)
	chunks := Chunk(cyc.Destinations, set.ChunkSize)
	send := d.sender(set)
	msg := cyc.Message

	for start := 0; start < len(chunks); start += batch {
		if start > 0 && !supervisor.Sleep(ctx, set.ChunkPause) {
			rep.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}

		msg = d.refresh(ctx, log, client, cyc.SourceID, msg, set.MessageMaxAge, &rep)

		var round []int64
		for _, ch := range chunks[start:min(start+batch, len(chunks))] {
			round = append(round, ch...)
		}
		outcomes := make([]Outcome, len(round))

		// The round finishes even if ctx is cancelled meanwhile.
		sendCtx := context.WithoutCancel(ctx)
		var g errgroup.Group
		g.SetLimit(len(round))
		for i, dest := range round {
			g.Go(func() error {
				outcomes[i] = send.Send(sendCtx, client, msg, cyc.SourceID, dest)
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			rep.add(o)
			d.obs.Outcome(o.Kind)
			if o.Kind == Unreachable || o.Kind == Failed {
				log.Debug("destination not delivered",
					logx.Chat("dest", o.Destination),
					logx.String("outcome", o.Kind.String()),
					logx.Err(o.Err),
				)
			}
		}
		rep.Rounds++
	}

	rep.Message = msg
	var items []RetryItem
	for _, o := range rep.Outcomes {
		if o.Kind == RateLimited {
			rep.Pending = append(rep.Pending, o.Destination)
			items = append(items, RetryItem{Destination: o.Destination, AvailableAt: o.AvailableAt})
		}
	}
	if len(items) > 0 && !rep.Cancelled && ctx.Err() == nil && cyc.Spawner != nil {
		d.Resolve(cyc.Spawner, RetryBatch{
			CycleID:  cyc.ID,
			TenantID: cyc.TenantID,
			SourceID: cyc.SourceID,
			Message:  msg,
			Items:    items,
		})
	}

	rep.FinishedAt = d.now()
	d.obs.CycleDone(rep)
	log.Info("dispatch cycle finished",
		logx.Int("sent", rep.Sent),
		logx.Int("rate_limited", rep.RateLimited),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
		logx.Int("rounds", rep.Rounds),
		logx.Bool("cancelled", rep.Cancelled),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep
}

// refresh re-reads the newest source message and applies NextRemembered.
// A failed read keeps the current message.
func (d *Dispatcher) refresh(ctx context.Context, log logx.Logger, c platform.Client, source int64, cur platform.Message, maxAge time.Duration, rep *Report) platform.Message {
	latest, err := c.RecentMessages(ctx, source, 1)
	if err != nil {
		log.Warn("source re-check failed; keeping remembered message", logx.Err(err))
		return cur
	}
	next := NextRemembered(cur, latest, d.now(), maxAge)
	if next.ID != cur.ID || next.ChatID != cur.ChatID {
		rep.MessageChanged = true
		log.Info("newer source message found", logx.Int("old_msg", cur.ID), logx.Int("new_msg", next.ID))
	}
	return next
}
