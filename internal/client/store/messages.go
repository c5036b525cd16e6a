// Package store holds the client's local view of chats and messages.
package store

import (
	"sync"
	"time"

	"github.com/4xmen/basemapp/internal/models"
)

// Messages caches messages per chat. Every entry is either an optimistic
// temp message or a server-confirmed one, never both for the same send.
type Messages struct {
	mu    sync.RWMutex
	chats map[string][]*models.Message
}

func NewMessages() *Messages {
	return &Messages{chats: make(map[string][]*models.Message)}
}

func statusRank(status string) int {
	switch status {
	case models.StatusSent:
		return 1
	case models.StatusDelivered:
		return 2
	case models.StatusRead:
		return 3
	}
	return 0
}

// Append adds an optimistic message.
func (s *Messages) Append(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(msg.ChatID, clone(msg))
}

// insert keeps the chat ordered by timestamp; equal timestamps keep arrival order.
func (s *Messages) insert(chatID string, msg *models.Message) {
	list := s.chats[chatID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.chats[chatID] = list
}

// Reconcile merges a message from any server source. It matches by server
// id first, then replaces the temp entry carrying the same client id. When
// both exist the temp entry is dropped. It reports whether msg was new to
// the store.
func (s *Messages) Reconcile(msg *models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.chats[msg.ChatID]
	byID, byClient := -1, -1
	for i, m := range list {
		if m.ID == msg.ID {
			byID = i
		} else if msg.ClientID != "" && m.IsTemp() && m.ClientID == msg.ClientID {
			byClient = i
		}
	}

	switch {
	case byID >= 0:
		list[byID] = merge(list[byID], msg)
		if byClient >= 0 {
			s.chats[msg.ChatID] = append(list[:byClient], list[byClient+1:]...)
		}
		return false
	case byClient >= 0:
		s.chats[msg.ChatID] = append(list[:byClient], list[byClient+1:]...)
		s.insert(msg.ChatID, clone(msg))
		return false
	}

	s.insert(msg.ChatID, clone(msg))
	return true
}

// Merge reconciles a batch, such as a history load or poll result.
func (s *Messages) Merge(messages []*models.Message) {
	for _, msg := range messages {
		s.Reconcile(msg)
	}
}

// merge takes the incoming copy but never moves status backwards.
func merge(current, incoming *models.Message) *models.Message {
	next := clone(incoming)
	if statusRank(current.Status) > statusRank(next.Status) {
		next.Status = current.Status
	}
	if current.IsRead && !next.IsRead {
		next.IsRead = true
		next.ReadAt = current.ReadAt
	}
	return next
}

// Remove deletes a message by id, temp or confirmed.
func (s *Messages) Remove(chatID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.chats[chatID]
	for i, m := range list {
		if m.ID == id {
			s.chats[chatID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveByID deletes a message when the chat is not known, as for a
// message_deleted event without chat_id.
func (s *Messages) RemoveByID(id string) bool {
	s.mu.RLock()
	var chatID string
	for cid, list := range s.chats {
		for _, m := range list {
			if m.ID == id {
				chatID = cid
			}
		}
	}
	s.mu.RUnlock()
	if chatID == "" {
		return false
	}
	return s.Remove(chatID, id)
}

func (s *Messages) SetStatus(chatID, id, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.chats[chatID] {
		if m.ID == id {
			m.Status = status
			return true
		}
	}
	return false
}

// MarkRead flags a message read. An empty chatID searches every chat.
func (s *Messages) MarkRead(chatID, id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cid, list := range s.chats {
		if chatID != "" && cid != chatID {
			continue
		}
		for _, m := range list {
			if m.ID == id {
				m.IsRead = true
				m.Status = models.StatusRead
				m.ReadAt = &at
				return true
			}
		}
	}
	return false
}

// Get returns a copy of one message.
func (s *Messages) Get(chatID, id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.chats[chatID] {
		if m.ID == id {
			return *m, true
		}
	}
	return models.Message{}, false
}

// List returns a copy of the chat's messages, oldest first.
func (s *Messages) List(chatID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.chats[chatID]
	out := make([]models.Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

func clone(msg *models.Message) *models.Message {
	c := *msg
	return &c
}
