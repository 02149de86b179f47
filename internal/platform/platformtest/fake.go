// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fwdbot/internal/platform"
)

// Attempt records one Forward call.
type Attempt struct {
	MsgID int
	From  int64
	To    int64
	At    time.Time
}

// Client is a scriptable fake. All methods are safe for concurrent use.
type Client struct {
	mu sync.Mutex

	connected   bool
	connects    int
	disconnects int

	messages map[int64][]platform.Message // newest first
	dests    map[int64]platform.Destination

	// ForwardErr, when set, decides the outcome of each Forward call.
	ForwardErr func(msg platform.Message, to int64, attempt int) error
	// SendTextErr, when set, decides the outcome of each SendText call.
	SendTextErr func(chatID int64) error
	ConnectErr  error

	attempts []Attempt
	perDest  map[int64]int
	texts    []Attempt

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	// ForwardDelay makes Forward block, to observe concurrency.
	ForwardDelay time.Duration
}

func NewClient() *Client {
	return &Client{
		messages: map[int64][]platform.Message{},
		dests:    map[int64]platform.Destination{},
		perDest:  map[int64]int{},
	}
}

// AddDestination registers a reachable chat with the given slow mode window.
func (c *Client) AddDestination(id int64, window time.Duration) {
	c.mu.Lock()
	c.dests[id] = platform.Destination{ID: id, Exists: true, RateLimitWindow: window}
	c.mu.Unlock()
}

// Post makes msg the newest message of its chat.
func (c *Client) Post(msg platform.Message) {
	c.mu.Lock()
	c.messages[msg.ChatID] = append([]platform.Message{msg}, c.messages[msg.ChatID]...)
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) RecentMessages(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return append([]platform.Message(nil), msgs...), nil
}

func (c *Client) Forward(ctx context.Context, msg platform.Message, from, to int64) error {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if c.ForwardDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ForwardDelay):
		}
	}

	c.mu.Lock()
	c.perDest[to]++
	attempt := c.perDest[to]
	c.attempts = append(c.attempts, Attempt{MsgID: msg.ID, From: from, To: to, At: time.Now()})
	fn := c.ForwardErr
	c.mu.Unlock()

	if fn != nil {
		if err := fn(msg, to, attempt); err != nil {
			return err
		}
	}

	c.mu.Lock()
	for i, m := range c.messages[from] {
		if m.ID == msg.ID {
			c.messages[from][i].Forwards++
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, Attempt{To: chatID, At: time.Now()})
	fn := c.SendTextErr
	c.mu.Unlock()
	if fn != nil {
		return fn(chatID)
	}
	return nil
}

func (c *Client) ResolveDestination(ctx context.Context, chatID int64) (platform.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dests[chatID]
	if !ok {
		return platform.Destination{ID: chatID}, nil
	}
	return d, nil
}

func (c *Client) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	c.mu.Lock()
	out := make([]platform.Dialog, 0, len(c.dests))
	for id := range c.dests {
		out = append(out, platform.Dialog{ID: id, Kind: platform.DialogGroup})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Attempts returns all Forward calls in order.
func (c *Client) Attempts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Attempt(nil), c.attempts...)
}

// AttemptsTo returns how many Forward calls targeted to.
func (c *Client) AttemptsTo(to int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perDest[to]
}

// Texts returns all SendText calls in order.
func (c *Client) Texts() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Attempt(nil), c.texts...)
}

// MaxInFlight is the highest number of concurrent Forward calls observed.
func (c *Client) MaxInFlight() int { return int(c.maxInFlight.Load()) }

// Dialer hands out clients registered per tenant and counts dials.
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*Client
	dials   map[string]int
	// DialDelay widens the race window for singleflight tests.
	DialDelay time.Duration
}

func NewDialer() *Dialer {
	return &Dialer{clients: map[string]*Client{}, dials: map[string]int{}}
}

func (d *Dialer) Register(tenantID string, c *Client) {
	d.mu.Lock()
	d.clients[tenantID] = c
	d.mu.Unlock()
}

func (d *Dialer) Dial(tenantID string, creds platform.Credentials) (platform.Client, error) {
	if d.DialDelay > 0 {
		time.Sleep(d.DialDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[tenantID]++
	c, ok := d.clients[tenantID]
	if !ok {
		return nil, errors.New("platformtest: no client registered for tenant " + tenantID)
	}
	return c, nil
}

func (d *Dialer) Dials(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[tenantID]
}
