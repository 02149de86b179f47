package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLatestUnforwarded(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := Message{ID: 3, ChatID: 1, Date: now.Add(-10 * time.Minute)}
	forwarded := Message{ID: 4, ChatID: 1, Date: now.Add(-time.Minute), Forwards: 2}
	stale := Message{ID: 2, ChatID: 1, Date: now.Add(-2 * time.Hour)}
	undated := Message{ID: 5, ChatID: 1}

	tests := []struct {
		name   string
		msgs   []Message
		maxAge time.Duration
		want   int
		ok     bool
	}{
		{name: "empty", msgs: nil, maxAge: time.Hour},
		{name: "newest fresh", msgs: []Message{fresh, stale}, maxAge: time.Hour, want: 3, ok: true},
		{name: "skips forwarded", msgs: []Message{forwarded, fresh}, maxAge: time.Hour, want: 3, ok: true},
		{name: "too old", msgs: []Message{stale}, maxAge: time.Hour},
		{name: "no age limit", msgs: []Message{stale}, maxAge: 0, want: 2, ok: true},
		{name: "undated passes", msgs: []Message{undated}, maxAge: time.Hour, want: 5, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := LatestUnforwarded(tt.msgs, now, tt.maxAge)
			if ok != tt.ok || got.ID != tt.want {
				t.Fatalf("got (%d, %v) want (%d, %v)", got.ID, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRateLimitErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("forward: %w", &RateLimitError{ChatID: 9, RetryAfter: 30 * time.Second})
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second || rl.ChatID != 9 {
		t.Fatalf("errors.As failed: %v", err)
	}
}
