package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"fwdbot/internal/platform"
	rtsup "fwdbot/internal/runtime/supervisor"
	logx "fwdbot/pkg/logx"
)

type Config struct {
	APIURL         string
	PollTimeout    time.Duration
	RatePerSec     int
	ConnectRetries int
	HistorySize    int
}

// Dialer builds telebot-backed clients. The tenant's session string is the bot token.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}
}

func (d *Dialer) Dial(tenantID string, creds platform.Credentials) (platform.Client, error) {
	token := strings.TrimSpace(creds.Session)
	if token == "" {
		return nil, errors.New("telegram: empty session token")
	}
	return &Client{
		cfg:     d.cfg,
		token:   token,
		log:     d.log.With(logx.Tenant(tenantID)),
		limiter: rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec),
		history: newHistory(d.cfg.HistorySize),
	}, nil
}

// Client is one tenant's bot session.
//
// The Bot API cannot read chat history, so RecentMessages serves messages the
// poller has observed since Connect. Forward counts are tracked locally.
type Client struct {
	cfg     Config
	token   string
	log     logx.Logger
	limiter *rate.Limiter
	history *history

	mu  sync.Mutex
	bot *tele.Bot
	sup *rtsup.Supervisor
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return nil
	}

	var (
		b   *tele.Bot
		err error
	)
	for attempt := 0; attempt <= c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * 500 * time.Millisecond
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err = c.limiter.Wait(ctx); err != nil {
			return err
		}
		b, err = tele.NewBot(tele.Settings{
			URL:    c.cfg.APIURL,
			Token:  c.token,
			Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
			Client: &http.Client{Timeout: c.cfg.PollTimeout + 10*time.Second},
			OnError: func(err error, _ tele.Context) {
				c.log.Warn("telegram handler error", logx.Err(err))
			},
		})
		if err == nil {
			break
		}
		c.log.Warn("telegram connect failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}

	c.registerHandlers(b)
	c.bot = b

	// Detached from the request ctx: the poller lives until Disconnect.
	sup := rtsup.New(context.Background(), rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.poller"))))
	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		b.Stop()
	})
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		b.Start()
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	c.sup = sup

	c.log.Info("telegram client connected", logx.String("bot", b.Me.Username))
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.bot = nil
	c.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		c.log.Debug("telegram poller stopped with error", logx.Err(err))
	}
	c.log.Info("telegram client disconnected")
	return nil
}

func (c *Client) registerHandlers(b *tele.Bot) {
	record := func(tc tele.Context) error {
		if m := tc.Message(); m != nil && m.Chat != nil {
			c.history.observe(m)
		}
		return nil
	}
	b.Handle(tele.OnChannelPost, record)
	b.Handle(tele.OnText, record)
	b.Handle(tele.OnMedia, record)
	b.Handle(tele.OnAddedToGroup, record)
}

func (c *Client) api(ctx context.Context) (*tele.Bot, error) {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return nil, errors.New("telegram: client not connected")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Client) RecentMessages(ctx context.Context, chatID int64, limit int) ([]platform.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.history.recent(chatID, limit), nil
}

func (c *Client) Forward(ctx context.Context, msg platform.Message, fromChatID, toChatID int64) error {
	b, err := c.api(ctx)
	if err != nil {
		return err
	}
	src := &tele.Message{ID: msg.ID, Chat: &tele.Chat{ID: fromChatID}}
	if _, err := b.Forward(&tele.Chat{ID: toChatID}, src); err != nil {
		return classify(toChatID, err)
	}
	c.history.markForwarded(fromChatID, msg.ID)
	return nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	b, err := c.api(ctx)
	if err != nil {
		return err
	}
	if _, err := b.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return classify(chatID, err)
	}
	return nil
}

func (c *Client) ResolveDestination(ctx context.Context, chatID int64) (platform.Destination, error) {
	b, err := c.api(ctx)
	if err != nil {
		return platform.Destination{}, err
	}
	chat, err := b.ChatByID(chatID)
	if err != nil {
		err = classify(chatID, err)
		if errors.Is(err, platform.ErrUnreachable) {
			return platform.Destination{ID: chatID}, nil
		}
		return platform.Destination{}, err
	}
	c.history.observeChat(chat)
	return platform.Destination{
		ID:              chat.ID,
		Title:           chatTitle(chat),
		Exists:          true,
		RateLimitWindow: time.Duration(chat.SlowMode) * time.Second,
	}, nil
}

func (c *Client) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.history.dialogs(), nil
}

// classify maps Bot API errors onto the platform error set.
func classify(chatID int64, err error) error {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return &platform.RateLimitError{ChatID: chatID, RetryAfter: time.Duration(fv.RetryAfter) * time.Second}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &platform.RateLimitError{ChatID: chatID, RetryAfter: time.Duration(fp.RetryAfter) * time.Second}
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		desc := strings.ToLower(te.Description)
		switch {
		case te.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", platform.ErrUnreachable, err)
		case te.Code == http.StatusBadRequest && (strings.Contains(desc, "chat not found") ||
			strings.Contains(desc, "peer_id_invalid") ||
			strings.Contains(desc, "chat_write_forbidden") ||
			strings.Contains(desc, "not enough rights")):
			return fmt.Errorf("%w: %v", platform.ErrUnreachable, err)
		}
	}
	return err
}

func chatTitle(c *tele.Chat) string {
	if c == nil {
		return ""
	}
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}
