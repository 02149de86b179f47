package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable means the destination does not exist or the client may not post to it.
var ErrUnreachable = errors.New("destination unreachable")

// RateLimitError is a rejection that carries the platform's wait hint
// (flood wait / slow mode). The destination may be retried after RetryAfter.
type RateLimitError struct {
	ChatID     int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on chat %d: retry after %s", e.ChatID, e.RetryAfter)
}

// Credentials authenticate one tenant's client.
type Credentials struct {
	APIID   int
	APIHash string
	Session string
}

// Message is the minimal view of a source message the dispatcher needs.
type Message struct {
	ID     int
	ChatID int64
	Text   string
	Date   time.Time
	// Forwards counts how often this message has been forwarded. Zero means
	// "not yet forwarded", which is what the freshness check looks for.
	Forwards int
}

func (m Message) IsZero() bool { return m.ID == 0 && m.ChatID == 0 }

// Destination describes a resolved target chat.
type Destination struct {
	ID     int64
	Title  string
	Exists bool
	// RateLimitWindow is the chat's slow mode delay; zero when unrestricted.
	RateLimitWindow time.Duration
}

// DialogKind narrows Dialogs to postable chats.
type DialogKind string

const (
	DialogGroup   DialogKind = "group"
	DialogChannel DialogKind = "channel"
)

type Dialog struct {
	ID    int64      `json:"id"`
	Title string     `json:"title"`
	Kind  DialogKind `json:"kind"`
}

// Client is the capability set the forwarding core uses on behalf of one tenant.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// RecentMessages returns up to limit messages of chatID, newest first.
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	Forward(ctx context.Context, msg Message, fromChatID, toChatID int64) error
	SendText(ctx context.Context, chatID int64, text string) error
	ResolveDestination(ctx context.Context, chatID int64) (Destination, error)
	Dialogs(ctx context.Context) ([]Dialog, error)
}

// Dialer builds an unconnected client for a tenant.
type Dialer interface {
	Dial(tenantID string, creds Credentials) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(tenantID string, creds Credentials) (Client, error)

func (f DialerFunc) Dial(tenantID string, creds Credentials) (Client, error) {
	return f(tenantID, creds)
}

// LatestUnforwarded returns the newest message in msgs that has not been
// forwarded and is younger than maxAge at now.
func LatestUnforwarded(msgs []Message, now time.Time, maxAge time.Duration) (Message, bool) {
	for _, m := range msgs {
		if m.Forwards > 0 {
			continue
		}
		if maxAge > 0 && !m.Date.IsZero() && now.Sub(m.Date) > maxAge {
			continue
		}
		return m, true
	}
	return Message{}, false
}
