package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/client/outbox"
	"github.com/4xmen/basemapp/internal/client/realtime"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/internal/protocol"
)

// Send shows the message immediately as a temp entry and delivers it over
// the realtime channel when connected, over HTTP otherwise. Offline or on a
// transient failure the message is queued as pending and Send returns it
// without error. A rejected message is removed and the error returned.
func (s *Session) Send(ctx context.Context, chatID, content, messageType string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	me := s.userID()
	if me == "" {
		return nil, ErrNotLoggedIn
	}
	if messageType == "" {
		messageType = models.TypeText
	}

	clientID := models.TempIDPrefix + uuid.NewString()
	temp := &models.Message{
		ID:          clientID,
		ClientID:    clientID,
		ChatID:      chatID,
		SenderID:    me,
		Content:     content,
		MessageType: messageType,
		Status:      models.StatusSending,
		Timestamp:   time.Now().UTC(),
	}
	s.messages.Append(temp)
	s.chats.ApplyMessage(temp)
	s.emit(Event{Kind: MessageAdded, ChatID: chatID, Message: temp})

	entry := outbox.Entry{
		ClientID:    clientID,
		ChatID:      chatID,
		Content:     content,
		MessageType: messageType,
	}

	if !s.Online() {
		return s.queue(entry, temp)
	}

	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel != nil && channel.State() == realtime.Connected {
		s.mu.Lock()
		s.awaiting[clientID] = entry
		s.mu.Unlock()

		err := channel.SendMessage(protocol.SendMessage{
			ChatID:      chatID,
			Content:     content,
			MessageType: messageType,
			ClientID:    clientID,
		})
		if err == nil {
			return temp, nil
		}
		s.forgetAwaiting(clientID)
		s.logger.Debug().Err(err).Msg("socket send failed, using HTTP")
	}

	msg, err := s.api.SendMessage(ctx, api.SendMessageRequest{
		ChatID:      chatID,
		Content:     content,
		MessageType: messageType,
		ClientID:    clientID,
	})
	if err != nil {
		if api.IsValidation(err) {
			s.messages.Remove(chatID, clientID)
			s.emit(Event{Kind: MessageRemoved, ChatID: chatID, MessageID: clientID, Err: err})
			return nil, err
		}
		s.logger.Warn().Err(err).Str("client_message_id", clientID).Msg("send failed, queued for retry")
		return s.queue(entry, temp)
	}

	s.applyServerMessage(msg)
	return msg, nil
}

// queue parks a send in the outbox and marks its temp entry pending.
func (s *Session) queue(entry outbox.Entry, temp *models.Message) (*models.Message, error) {
	if err := s.outbox.Enqueue(entry); err != nil {
		s.messages.Remove(entry.ChatID, entry.ClientID)
		s.emit(Event{Kind: MessageRemoved, ChatID: entry.ChatID, MessageID: entry.ClientID, Err: err})
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}
	s.messages.SetStatus(entry.ChatID, entry.ClientID, models.StatusPending)

	pending := *temp
	pending.Status = models.StatusPending
	s.emit(Event{Kind: MessageUpdated, ChatID: entry.ChatID, Message: &pending})
	return &pending, nil
}

func (s *Session) forgetAwaiting(clientID string) {
	s.mu.Lock()
	delete(s.awaiting, clientID)
	s.mu.Unlock()
}

// requeueAwaiting moves socket sends that never got their echo into the
// outbox. The server deduplicates by client id, so a resend is harmless.
func (s *Session) requeueAwaiting() {
	s.mu.Lock()
	entries := make([]outbox.Entry, 0, len(s.awaiting))
	for _, e := range s.awaiting {
		entries = append(entries, e)
	}
	s.awaiting = make(map[string]outbox.Entry)
	s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.messages.Get(e.ChatID, e.ClientID); !ok {
			continue
		}
		if err := s.outbox.Enqueue(e); err != nil {
			s.logger.Warn().Err(err).Str("client_message_id", e.ClientID).Msg("could not requeue unconfirmed send")
			continue
		}
		s.messages.SetStatus(e.ChatID, e.ClientID, models.StatusPending)
	}
}

// SetOnline records a connectivity change. Going from offline to online
// flushes the outbox once before returning.
func (s *Session) SetOnline(ctx context.Context, online bool) outbox.FlushResult {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online == wasOnline {
		return outbox.FlushResult{Retained: s.outbox.Len()}
	}
	s.emit(Event{Kind: ConnectivityChanged, Online: online})
	if !online {
		return outbox.FlushResult{Retained: s.outbox.Len()}
	}
	return s.Flush(ctx)
}

// Flush resends queued messages over HTTP and applies the results.
func (s *Session) Flush(ctx context.Context) outbox.FlushResult {
	result := s.outbox.Flush(ctx, s.api)

	for _, d := range result.Delivered {
		s.applyServerMessage(d.Message)
	}
	for _, d := range result.Dropped {
		s.messages.Remove(d.Entry.ChatID, d.Entry.ClientID)
		s.emit(Event{Kind: MessageRemoved, ChatID: d.Entry.ChatID, MessageID: d.Entry.ClientID, Err: d.Err})
	}
	if len(result.Delivered)+len(result.Dropped) > 0 {
		s.logger.Info().
			Int("delivered", len(result.Delivered)).
			Int("dropped", len(result.Dropped)).
			Int("retained", result.Retained).
			Msg("outbox flushed")
	}
	return result
}

// applyServerMessage merges a confirmed message from any source.
func (s *Session) applyServerMessage(msg *models.Message) bool {
	added := s.messages.Reconcile(msg)
	s.chats.ApplyMessage(msg)
	if msg.ClientID != "" {
		s.forgetAwaiting(msg.ClientID)
	}

	kind := MessageUpdated
	if added {
		kind = MessageAdded
	}
	s.emit(Event{Kind: kind, ChatID: msg.ChatID, Message: msg})
	return added
}
