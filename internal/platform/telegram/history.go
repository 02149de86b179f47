package telegram

import (
	"sort"
	"sync"

	tele "gopkg.in/telebot.v4"

	"fwdbot/internal/platform"
)

// history keeps a bounded, per-chat buffer of observed messages plus the
// set of chats the bot has seen, newest message last.
type history struct {
	mu    sync.Mutex
	size  int
	chats map[int64][]platform.Message
	known map[int64]platform.Dialog
}

func newHistory(size int) *history {
	return &history{
		size:  size,
		chats: map[int64][]platform.Message{},
		known: map[int64]platform.Dialog{},
	}
}

func (h *history) observe(m *tele.Message) {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	msg := platform.Message{ID: m.ID, ChatID: m.Chat.ID, Text: text, Date: m.Time()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.observeChatLocked(m.Chat)
	buf := h.chats[msg.ChatID]
	for _, existing := range buf {
		if existing.ID == msg.ID {
			return
		}
	}
	buf = append(buf, msg)
	if len(buf) > h.size {
		buf = append([]platform.Message(nil), buf[len(buf)-h.size:]...)
	}
	h.chats[msg.ChatID] = buf
}

func (h *history) observeChat(c *tele.Chat) {
	h.mu.Lock()
	h.observeChatLocked(c)
	h.mu.Unlock()
}

func (h *history) observeChatLocked(c *tele.Chat) {
	if c == nil {
		return
	}
	var kind platform.DialogKind
	switch c.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		kind = platform.DialogGroup
	case tele.ChatChannel, tele.ChatChannelPrivate:
		kind = platform.DialogChannel
	default:
		return
	}
	h.known[c.ID] = platform.Dialog{ID: c.ID, Title: chatTitle(c), Kind: kind}
}

// recent returns up to limit messages, newest first.
func (h *history) recent(chatID int64, limit int) []platform.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.chats[chatID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]platform.Message, 0, limit)
	for i := len(buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, buf[i])
	}
	return out
}

func (h *history) markForwarded(chatID int64, msgID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.chats[chatID]
	for i := range buf {
		if buf[i].ID == msgID {
			buf[i].Forwards++
			return
		}
	}
}

func (h *history) dialogs() []platform.Dialog {
	h.mu.Lock()
	out := make([]platform.Dialog, 0, len(h.known))
	for _, d := range h.known {
		out = append(out, d)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}
