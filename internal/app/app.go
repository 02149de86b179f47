package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fwdbot/internal/clients"
	"fwdbot/internal/config"
	"fwdbot/internal/cooldown"
	"fwdbot/internal/dispatch"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/forwarder"
	"fwdbot/internal/httpapi"
	"fwdbot/internal/metrics"
	"fwdbot/internal/platform"
	"fwdbot/internal/platform/telegram"
	"fwdbot/internal/runtime/supervisor"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *cooldown.Tracker
	metrics *metrics.Metrics
	clients *clients.Registry
	disp    *dispatch.Dispatcher
	fwd     *forwarder.Service
	http    *httpapi.Server
}

// Option overrides a dependency that NewApp would otherwise build from config.
type Option func(*deps)

type deps struct {
	store  storage.Store
	dialer platform.Dialer
}

// WithStore uses st instead of opening the configured store.
func WithStore(st storage.Store) Option { return func(d *deps) { d.store = st } }

// WithDialer replaces the Telegram dialer.
func WithDialer(dl platform.Dialer) Option { return func(d *deps) { d.dialer = dl } }

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var d deps
	for _, o := range opts {
		o(&d)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	if d.store == nil {
		d.store, err = storage.Open(ctx, mapStorage(res.Storage), root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	if d.dialer == nil {
		d.dialer = telegram.NewDialer(mapPlatform(res.Platform), root.With(logx.String("comp", "telegram")))
	}

	bus := eventbus.New()
	tracker := cooldown.New()
	m := metrics.New(func() int { return len(tracker.Snapshot()) })

	reg := clients.New(mapClients(res.Forwarding), d.store, d.dialer,
		root.With(logx.String("comp", "clients")),
		clients.WithGauge(m.SetClients),
	)
	disp := dispatch.New(mapDispatch(res.Forwarding), tracker, reg,
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
		dispatch.WithObserver(m),
		dispatch.WithBus(bus),
	)
	fwd := forwarder.New(mapForwarder(res.Forwarding), reg, disp, d.store,
		root.With(logx.String("comp", "forwarder")),
		forwarder.WithBus(bus),
	)

	httpLog := root.With(logx.String("comp", "http"))
	router := httpapi.NewRouter(fwd, httpapi.Options{
		Token:   res.HTTP.Token,
		Pprof:   res.HTTP.Pprof,
		Metrics: m.Handler(),
	}, httpLog)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   d.store,
		tracker: tracker,
		metrics: m,
		clients: reg,
		disp:    disp,
		fwd:     fwd,
		http:    httpapi.NewServer(mapServer(res.HTTP), router, httpLog),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the HTTP listen address once started.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Forwarder() *forwarder.Service { return a.fwd }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	a.fwd.Start(a.sup.Context())
	a.sup.Go0("clients.sweep", a.clients.Run)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("events.audit", func(c context.Context) {
		defer unsub()
		consumeEvents(c, events, a.store, a.metrics, func() int { return len(a.fwd.Active()) }, a.log.With(logx.String("comp", "audit")))
	})

	if err := a.http.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http: %w", err)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := newCfg.Resolve()
	if err != nil {
		// the validator already rejected invalid files; this only guards races
		a.log.Warn("config reload skipped", logx.Err(err))
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("config change requires restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.disp.Apply(mapDispatch(res.Forwarding))
	a.clients.Apply(mapClients(res.Forwarding))
	a.fwd.Apply(mapForwarder(res.Forwarding))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop accepting requests before jobs go away.
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("forwarder", 5*time.Second, a.fwd.Stop)
	step("clients", 3*time.Second, func(c context.Context) error { a.clients.Close(c); return nil })

	// Loops (sweep, audit, config) unwind once the root context is gone.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
