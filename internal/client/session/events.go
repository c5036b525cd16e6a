package session

import (
	"context"
	"time"

	"github.com/4xmen/basemapp/internal/client/outbox"
	"github.com/4xmen/basemapp/internal/client/realtime"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/internal/protocol"
)

type EventKind string

const (
	MessageAdded        EventKind = "message_added"
	MessageUpdated      EventKind = "message_updated"
	MessageRemoved      EventKind = "message_removed"
	MessagesLoaded      EventKind = "messages_loaded"
	ChatsUpdated        EventKind = "chats_updated"
	PresenceChanged     EventKind = "presence_changed"
	ConnectionChanged   EventKind = "connection_changed"
	ConnectivityChanged EventKind = "connectivity_changed"
)

// Event describes a change to the session's local state.
type Event struct {
	Kind      EventKind
	ChatID    string
	MessageID string
	Message   *models.Message
	UserID    string
	Online    bool
	State     realtime.State
	Err       error
}

// OnEvent registers an observer. Observers run synchronously and must not
// call back into blocking session methods.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	observers := append([]func(Event){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func (s *Session) registerHandlers(channel *realtime.Channel) {
	channel.On(protocol.TypeNewMessage, s.handleNewMessage)
	channel.On(protocol.TypeMessageSent, s.handleMessageSent)
	channel.On(protocol.TypeMessageRead, s.handleMessageRead)
	channel.On(protocol.TypeMessageDeleted, s.handleMessageDeleted)
	channel.On(protocol.TypeUserStatus, s.handleUserStatus)
	channel.On(protocol.TypeError, s.handleSendError)
	channel.OnStateChange(s.handleStateChange)
}

func (s *Session) handleNewMessage(ev *protocol.Event) {
	if ev.Message == nil {
		return
	}
	msg := ev.Message
	s.applyServerMessage(msg)

	ctx := s.runContext()
	if _, known := s.chats.Get(msg.ChatID); !known {
		s.spawn(func() {
			if err := s.LoadChats(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("chat reload failed")
			}
		})
	}

	if msg.ChatID == s.OpenChatID() && msg.SenderID != s.userID() && !msg.IsRead {
		s.spawn(func() {
			if err := s.api.MarkRead(ctx, msg.ID); err != nil {
				s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("mark read failed")
				return
			}
			s.messages.MarkRead(msg.ChatID, msg.ID, time.Now())
		})
	}
}

func (s *Session) handleMessageSent(ev *protocol.Event) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	if msg.ClientID == "" {
		msg.ClientID = ev.ClientID
	}
	s.applyServerMessage(&msg)
}

func (s *Session) handleMessageRead(ev *protocol.Event) {
	at := time.Now()
	if ev.ReadAt != nil {
		at = *ev.ReadAt
	}
	if s.messages.MarkRead(ev.ChatID, ev.MessageID, at) {
		s.emit(Event{Kind: MessageUpdated, ChatID: ev.ChatID, MessageID: ev.MessageID})
	}
}

func (s *Session) handleMessageDeleted(ev *protocol.Event) {
	removed := false
	if ev.ChatID != "" {
		removed = s.messages.Remove(ev.ChatID, ev.MessageID)
	} else {
		removed = s.messages.RemoveByID(ev.MessageID)
	}
	s.chats.RemoveMessage(ev.MessageID)
	if removed {
		s.emit(Event{Kind: MessageRemoved, ChatID: ev.ChatID, MessageID: ev.MessageID})
	}
}

func (s *Session) handleUserStatus(ev *protocol.Event) {
	if ev.UserID == "" || ev.IsOnline == nil {
		return
	}
	s.chats.SetOnline(ev.UserID, *ev.IsOnline)
	s.emit(Event{Kind: PresenceChanged, UserID: ev.UserID, Online: *ev.IsOnline})
}

// handleSendError settles a socket send the server did not store. A server
// fault queues the message for the next flush; a rejection drops it.
func (s *Session) handleSendError(ev *protocol.Event) {
	if ev.ClientID == "" {
		s.logger.Warn().Str("error", ev.Error).Msg("server error frame")
		return
	}

	s.mu.Lock()
	entry, awaited := s.awaiting[ev.ClientID]
	delete(s.awaiting, ev.ClientID)
	s.mu.Unlock()

	if ev.Retryable {
		temp, ok := s.messages.Get(ev.ChatID, ev.ClientID)
		if !ok || s.outbox.Contains(ev.ClientID) {
			return
		}
		if !awaited {
			entry = outbox.Entry{
				ClientID:    temp.ClientID,
				ChatID:      temp.ChatID,
				Content:     temp.Content,
				MessageType: temp.MessageType,
				RepliedTo:   temp.RepliedTo,
			}
		}
		s.logger.Warn().Str("error", ev.Error).Str("client_message_id", ev.ClientID).Msg("socket send failed, queued for retry")
		s.queue(entry, &temp)
		return
	}

	if s.messages.Remove(ev.ChatID, ev.ClientID) {
		s.emit(Event{Kind: MessageRemoved, ChatID: ev.ChatID, MessageID: ev.ClientID, Err: &sendRejected{reason: ev.Error}})
	}
}

type sendRejected struct{ reason string }

func (e *sendRejected) Error() string { return "message rejected: " + e.reason }

func (s *Session) handleStateChange(state realtime.State) {
	s.emit(Event{Kind: ConnectionChanged, State: state})

	switch state {
	case realtime.Disconnected:
		s.requeueAwaiting()
	case realtime.Connected:
		if !s.Online() {
			return
		}
		ctx := s.runContext()
		s.spawn(func() { s.Flush(ctx) })
	}
}

func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
