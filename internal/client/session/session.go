// Package session runs one signed-in client: it owns the local stores, the
// realtime channel, the offline queue and the background timers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/client/api"
	"github.com/4xmen/basemapp/internal/client/contacts"
	"github.com/4xmen/basemapp/internal/client/outbox"
	"github.com/4xmen/basemapp/internal/client/realtime"
	"github.com/4xmen/basemapp/internal/client/store"
	"github.com/4xmen/basemapp/internal/models"
)

var (
	ErrEmptyMessage = errors.New("message content is empty")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrStarted      = errors.New("session already started")
)

type Options struct {
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	PendingQueueLimit int
	Contacts          *contacts.Overrides
	Logger            zerolog.Logger
}

func (o *Options) defaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = realtime.DefaultReconnectDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 4 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Contacts == nil {
		o.Contacts = contacts.New("")
	}
}

type Session struct {
	api      *api.Client
	messages *store.Messages
	chats    *store.ChatList
	outbox   *outbox.Queue
	contacts *contacts.Overrides
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	user      *models.User
	online    bool
	openChat  string
	channel   *realtime.Channel
	awaiting  map[string]outbox.Entry
	observers []func(Event)
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(client *api.Client, opts Options) *Session {
	opts.defaults()
	return &Session{
		api:      client,
		messages: store.NewMessages(),
		chats:    store.NewChatList(),
		outbox:   outbox.New(opts.PendingQueueLimit),
		contacts: opts.Contacts,
		opts:     opts,
		logger:   opts.Logger,
		online:   true,
		awaiting: make(map[string]outbox.Entry),
	}
}

// Login authenticates and loads the current user.
func (s *Session) Login(ctx context.Context, email, password string) error {
	if _, err := s.api.Login(ctx, email, password); err != nil {
		return err
	}
	return s.loadUser(ctx)
}

// Register creates an account and signs in with it.
func (s *Session) Register(ctx context.Context, username, email, password string) error {
	if _, err := s.api.Register(ctx, username, email, password); err != nil {
		return err
	}
	return s.loadUser(ctx)
}

func (s *Session) loadUser(ctx context.Context) error {
	user, err := s.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current user: %w", err)
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	return nil
}

func (s *Session) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) userID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Start loads the chat list and launches the realtime channel, the chat
// poll and the presence heartbeat. They stop when ctx ends or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrStarted
	}
	userID := s.user.ID
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx

	channel := realtime.New(func() (string, error) {
		return s.api.WebSocketURL(userID)
	}, realtime.Config{
		ReconnectDelay: s.opts.ReconnectDelay,
		Logger:         s.logger.With().Str("component", "realtime").Logger(),
	})
	s.channel = channel
	s.mu.Unlock()

	s.registerHandlers(channel)

	if err := s.LoadChats(runCtx); err != nil {
		s.logger.Warn().Err(err).Msg("initial chat load failed")
	}

	s.spawn(func() { channel.Run(runCtx) })
	s.spawn(func() { s.pollLoop(runCtx) })
	s.spawn(func() { s.heartbeatLoop(runCtx) })
	return nil
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops every background loop, waits for them and tells the server
// the user went offline.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.api.UpdateStatus(ctx, false); err != nil {
		s.logger.Debug().Err(err).Msg("final offline status not sent")
	}
	return nil
}

func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.LoadChats(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("chat poll failed")
			}
			if chatID := s.OpenChatID(); chatID != "" && s.ConnectionState() != realtime.Connected {
				if err := s.refreshMessages(ctx, chatID); err != nil && ctx.Err() == nil {
					s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("message poll failed")
				}
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		if !s.Online() {
			return
		}
		if err := s.api.UpdateStatus(ctx, true); err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("heartbeat failed")
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// LoadChats replaces the chat list from the server.
func (s *Session) LoadChats(ctx context.Context) error {
	chats, err := s.api.Chats(ctx)
	if err != nil {
		return err
	}
	s.chats.Replace(chats)
	s.emit(Event{Kind: ChatsUpdated})
	return nil
}

// CreateChat opens (or reuses) the private chat with another user.
func (s *Session) CreateChat(ctx context.Context, otherUserID string) (*models.Chat, error) {
	chat, err := s.api.CreateChat(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	s.chats.Upsert(chat)
	s.emit(Event{Kind: ChatsUpdated, ChatID: chat.ID})
	return chat, nil
}

// OpenChat makes chatID the active chat, loads its history and marks
// incoming messages read.
func (s *Session) OpenChat(ctx context.Context, chatID string) ([]models.Message, error) {
	s.mu.Lock()
	s.openChat = chatID
	s.mu.Unlock()

	if err := s.refreshMessages(ctx, chatID); err != nil {
		return nil, err
	}

	me := s.userID()
	for _, msg := range s.messages.List(chatID) {
		if msg.SenderID == me || msg.IsRead || msg.IsTemp() {
			continue
		}
		if err := s.api.MarkRead(ctx, msg.ID); err != nil {
			s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("mark read failed")
			continue
		}
		s.messages.MarkRead(chatID, msg.ID, time.Now())
	}
	return s.messages.List(chatID), nil
}

func (s *Session) refreshMessages(ctx context.Context, chatID string) error {
	messages, err := s.api.Messages(ctx, chatID)
	if err != nil {
		return err
	}
	s.messages.Merge(messages)
	s.emit(Event{Kind: MessagesLoaded, ChatID: chatID})
	return nil
}

func (s *Session) OpenChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChat
}

// Delete removes a message. A temp message never reached the server, so it
// is dropped locally together with any queued retry.
func (s *Session) Delete(ctx context.Context, chatID, messageID string) error {
	msg, ok := s.messages.Get(chatID, messageID)
	if ok && msg.IsTemp() {
		s.outbox.Remove(msg.ClientID)
		s.forgetAwaiting(msg.ClientID)
		s.messages.Remove(chatID, messageID)
		s.emit(Event{Kind: MessageRemoved, ChatID: chatID, MessageID: messageID})
		return nil
	}

	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.messages.Remove(chatID, messageID)
	s.chats.RemoveMessage(messageID)
	s.emit(Event{Kind: MessageRemoved, ChatID: chatID, MessageID: messageID})
	return nil
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// ConnectionState reports the realtime channel state.
func (s *Session) ConnectionState() realtime.State {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		return realtime.Disconnected
	}
	return channel.State()
}

func (s *Session) Messages(chatID string) []models.Message { return s.messages.List(chatID) }

func (s *Session) Chats() []models.Chat { return s.chats.List() }

func (s *Session) LastMessage(chatID string) *models.Message { return s.chats.LastMessage(chatID) }

// Pending lists queued sends.
func (s *Session) Pending() []outbox.Entry { return s.outbox.List() }

func (s *Session) Contacts() *contacts.Overrides { return s.contacts }

// DisplayName applies the local contact overrides.
func (s *Session) DisplayName(user *models.User) string { return s.contacts.DisplayName(user) }
