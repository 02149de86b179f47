// Package clients owns the per-tenant platform client sessions.
package clients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fwdbot/internal/platform"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrConnection     = errors.New("client connection failed")
	ErrNoSession      = errors.New("tenant client not initialized")
	ErrReleased       = errors.New("tenant client released while connecting")
)

const (
	DefaultIdleTimeout   = time.Hour
	DefaultSweepInterval = 15 * time.Minute
	DefaultDialTimeout   = 30 * time.Second
)

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// DialTimeout bounds a shared dial, which outlives the caller that started it.
	DialTimeout   time.Duration
}

// SessionInfo is the externally visible part of a session.
type SessionInfo struct {
	TenantID   string        `json:"tenant_id"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
	Uptime     time.Duration `json:"uptime"`
}

type session struct {
	tenantID  string
	client    platform.Client
	createdAt time.Time
	lastUsed  time.Time
	pins      int
}

// EvictFunc is called after the sweep removed an idle session.
type EvictFunc func(ctx context.Context, tenantID string)

// Registry creates clients on demand, at most one per tenant, and disconnects
// those idle for longer than IdleTimeout.
type Registry struct {
	creds  storage.CredentialStore
	dialer platform.Dialer
	log    logx.Logger
	now    func() time.Time

	sf singleflight.Group

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	// gen is bumped by Release so an in-flight dial does not resurrect the tenant.
	gen      map[string]uint64
	closed   bool
	onEvict  []EvictFunc
	onChange func(connected int)
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithGauge reports the connected session count after every change.
func WithGauge(fn func(connected int)) Option { return func(r *Registry) { r.onChange = fn } }

func New(cfg Config, creds storage.CredentialStore, dialer platform.Dialer, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		creds:    creds,
		dialer:   dialer,
		log:      log,
		now:      time.Now,
		cfg:      normalize(cfg),
		sessions: map[string]*session{},
		gen:      map[string]uint64{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func normalize(cfg Config) Config {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return cfg
}

// Apply swaps timeouts at runtime. The sweep ticker picks up a new interval on its next tick.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = normalize(cfg)
	r.mu.Unlock()
}

// OnEvict registers a hook for idle evictions.
func (r *Registry) OnEvict(fn EvictFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// Acquire returns the tenant's connected client, creating it if needed.
// Concurrent calls for the same tenant share a single dial. The dial runs
// detached from ctx, bounded by DialTimeout; cancelling ctx only abandons the
// wait.
func (r *Registry) Acquire(ctx context.Context, tenantID string) (platform.Client, error) {
	if c, ok := r.Get(tenantID); ok {
		return c, nil
	}

	r.mu.Lock()
	timeout := r.cfg.DialTimeout
	r.mu.Unlock()

	ch := r.sf.DoChan(tenantID, func() (any, error) {
		if c, ok := r.Get(tenantID); ok {
			return c, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.dial(dctx, tenantID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(platform.Client), nil
	}
}

func (r *Registry) dial(ctx context.Context, tenantID string) (platform.Client, error) {
	r.mu.Lock()
	gen := r.gen[tenantID]
	r.mu.Unlock()

	creds, err := r.creds.GetCredentials(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", tenantID, err)
	}

	c, err := r.dialer.Dial(tenantID, platform.Credentials{
		APIID:   creds.APIID,
		APIHash: creds.APIHash,
		Session: creds.Session,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	now := r.now()
	r.mu.Lock()
	if r.closed || r.gen[tenantID] != gen {
		r.mu.Unlock()
		if err := c.Disconnect(ctx); err != nil {
			r.log.Debug("disconnect after release failed", logx.Tenant(tenantID), logx.Err(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrReleased, tenantID)
	}
	r.sessions[tenantID] = &session{tenantID: tenantID, client: c, createdAt: now, lastUsed: now}
	n := len(r.sessions)
	r.mu.Unlock()
	r.changed(n)

	r.log.Info("tenant client connected", logx.Tenant(tenantID))
	return c, nil
}

// Get returns an already acquired client and refreshes its last-used time.
func (r *Registry) Get(tenantID string) (platform.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return nil, false
	}
	s.lastUsed = r.now()
	return s.client, true
}

// Touch refreshes the last-used time. It reports whether a session exists.
func (r *Registry) Touch(tenantID string) bool {
	_, ok := r.Get(tenantID)
	return ok
}

// Use pins the session until release is called, so the idle sweep cannot
// disconnect a client in the middle of a send.
func (r *Registry) Use(tenantID string) (platform.Client, func(), error) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, ErrNoSession
	}
	s.pins++
	s.lastUsed = r.now()
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			if s.pins > 0 {
				s.pins--
			}
			s.lastUsed = r.now()
			r.mu.Unlock()
		})
	}
	return s.client, release, nil
}

func (r *Registry) Info(tenantID string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		TenantID:   tenantID,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsed,
		Uptime:     r.now().Sub(s.createdAt),
	}, true
}

// Sessions lists every live session, oldest first.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	now := r.now()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, SessionInfo{TenantID: id, CreatedAt: s.createdAt, LastUsedAt: s.lastUsed, Uptime: now.Sub(s.createdAt)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Release disconnects and forgets the tenant's client immediately.
func (r *Registry) Release(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	r.gen[tenantID]++
	s, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.changed(n)
	if err := s.client.Disconnect(ctx); err != nil {
		r.log.Warn("tenant client disconnect failed", logx.Tenant(tenantID), logx.Err(err))
		return err
	}
	r.log.Info("tenant client released", logx.Tenant(tenantID))
	return nil
}

// Sweep evicts every unpinned session idle longer than IdleTimeout and
// returns the evicted tenant ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	r.mu.Lock()
	now := r.now()
	idle := r.cfg.IdleTimeout
	var evicted []*session
	for id, s := range r.sessions {
		if s.pins > 0 || now.Sub(s.lastUsed) <= idle {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, s)
	}
	n := len(r.sessions)
	hooks := append([]EvictFunc(nil), r.onEvict...)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	r.changed(n)

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		ids = append(ids, s.tenantID)
		if err := s.client.Disconnect(ctx); err != nil {
			r.log.Warn("idle client disconnect failed", logx.Tenant(s.tenantID), logx.Err(err))
		}
		r.log.Info("idle tenant client evicted",
			logx.Tenant(s.tenantID),
			logx.Duration("idle", now.Sub(s.lastUsed)),
		)
		for _, h := range hooks {
			h(ctx, s.tenantID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps on every SweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		every := r.cfg.SweepInterval
		r.mu.Unlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		r.Sweep(ctx)
	}
}

// Close disconnects every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]*session{}
	r.closed = true
	r.mu.Unlock()
	r.changed(0)
	for id, s := range all {
		if err := s.client.Disconnect(ctx); err != nil {
			r.log.Debug("disconnect on close failed", logx.Tenant(id), logx.Err(err))
		}
	}
}

func (r *Registry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
