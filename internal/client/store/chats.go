package store

import (
	"sort"
	"sync"

	"github.com/4xmen/basemapp/internal/models"
)

// ChatList is the client's chat list, most recent activity first.
type ChatList struct {
	mu    sync.RWMutex
	chats []*models.Chat
}

func NewChatList() *ChatList {
	return &ChatList{}
}

// Replace installs a freshly loaded list. A local summary newer than the
// server's survives, so an optimistic send is not hidden by a poll that
// raced it.
func (l *ChatList) Replace(chats []*models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	local := make(map[string]*models.Message, len(l.chats))
	for _, c := range l.chats {
		if c.LastMessage != nil {
			local[c.ID] = c.LastMessage
		}
	}

	next := make([]*models.Chat, 0, len(chats))
	for _, c := range chats {
		chat := *c
		if mine, ok := local[chat.ID]; ok && !sameSend(mine, chat.LastMessage) && newer(mine, chat.LastMessage) {
			chat.LastMessage = mine
			if mine.Timestamp.After(chat.LastMessageAt) {
				chat.LastMessageAt = mine.Timestamp
			}
		}
		next = append(next, &chat)
	}
	l.chats = next
	l.sort()
}

// Upsert adds or replaces one chat, as after creating it.
func (l *ChatList) Upsert(chat *models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := *chat
	for i, existing := range l.chats {
		if existing.ID == c.ID {
			if c.LastMessage == nil {
				c.LastMessage = existing.LastMessage
			}
			l.chats[i] = &c
			l.sort()
			return
		}
	}
	l.chats = append(l.chats, &c)
	l.sort()
}

// ApplyMessage updates the summary of msg's chat when msg is at least as
// recent as the current one. A temp entry replaced by its confirmation
// counts as the same message. It reports whether the chat is known.
func (l *ChatList) ApplyMessage(msg *models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.chats {
		if c.ID != msg.ChatID {
			continue
		}
		if sameSend(c.LastMessage, msg) || !newer(c.LastMessage, msg) {
			m := *msg
			c.LastMessage = &m
			if msg.Timestamp.After(c.LastMessageAt) {
				c.LastMessageAt = msg.Timestamp
			}
			l.sort()
		}
		return true
	}
	return false
}

// RemoveMessage clears a deleted summary. The next poll restores the real one.
func (l *ChatList) RemoveMessage(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.chats {
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			c.LastMessage = nil
		}
	}
}

// SetOnline updates the other user's presence in every chat with them.
func (l *ChatList) SetOnline(userID string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range l.chats {
		if c.OtherUser != nil && c.OtherUser.ID == userID {
			u := *c.OtherUser
			u.IsOnline = online
			c.OtherUser = &u
		}
	}
}

func (l *ChatList) LastMessage(chatID string) *models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, c := range l.chats {
		if c.ID == chatID && c.LastMessage != nil {
			m := *c.LastMessage
			return &m
		}
	}
	return nil
}

func (l *ChatList) Get(chatID string) (models.Chat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, c := range l.chats {
		if c.ID == chatID {
			return *c, true
		}
	}
	return models.Chat{}, false
}

func (l *ChatList) List() []models.Chat {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Chat, len(l.chats))
	for i, c := range l.chats {
		out[i] = *c
	}
	return out
}

func (l *ChatList) sort() {
	sort.SliceStable(l.chats, func(i, j int) bool {
		return l.chats[i].LastMessageAt.After(l.chats[j].LastMessageAt)
	})
}

func sameSend(a, b *models.Message) bool {
	return a != nil && b != nil && a.ClientID != "" && a.ClientID == b.ClientID
}

// newer reports whether a is strictly more recent than b.
func newer(a, b *models.Message) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Timestamp.After(b.Timestamp)
}
