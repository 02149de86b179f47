// Package cooldown tracks when each destination may next receive a message.
//
// The tracker is shared by every tenant: a slow mode window belongs to the
// destination chat, not to whoever posted into it.
package cooldown

import (
	"sort"
	"sync"
	"time"
)

type Tracker struct {
	mu    sync.Mutex
	until map[int64]time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	now func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		until: map[int64]time.Time{},
		locks: map[int64]*sync.Mutex{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IsOnCooldown reports whether dest has an unexpired entry.
func (t *Tracker) IsOnCooldown(dest int64) bool {
	_, ok := t.AvailableAt(dest)
	return ok
}

// AvailableAt returns the expiry of an unexpired entry.
func (t *Tracker) AvailableAt(dest int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.until[dest]
	if !ok || !t.now().Before(at) {
		return time.Time{}, false
	}
	return at, true
}

// Remaining is the time left on dest's cooldown, or zero.
func (t *Tracker) Remaining(dest int64) time.Duration {
	at, ok := t.AvailableAt(dest)
	if !ok {
		return 0
	}
	if d := at.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// Record sets dest's cooldown to now+window and returns the expiry.
// A non-positive window records nothing.
func (t *Tracker) Record(dest int64, window time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if window <= 0 {
		return now
	}
	at := now.Add(window)
	t.until[dest] = at
	return at
}

// Guard serializes check-send-record for one destination across all tenants.
// The returned func releases it.
func (t *Tracker) Guard(dest int64) (unlock func()) {
	t.locksMu.Lock()
	l, ok := t.locks[dest]
	if !ok {
		l = &sync.Mutex{}
		t.locks[dest] = l
	}
	t.locksMu.Unlock()

	l.Lock()
	var once sync.Once
	return func() { once.Do(l.Unlock) }
}

type Entry struct {
	Destination int64     `json:"destination"`
	AvailableAt time.Time `json:"available_at"`
}

// Snapshot lists unexpired entries, soonest first.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	now := t.now()
	out := make([]Entry, 0, len(t.until))
	for d, at := range t.until {
		if now.Before(at) {
			out = append(out, Entry{Destination: d, AvailableAt: at})
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AvailableAt.Before(out[j].AvailableAt) })
	return out
}
