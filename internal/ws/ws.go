package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/metrics"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/internal/presence"
	"github.com/4xmen/basemapp/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type Hub struct {
	clients    map[string]*Client
	deliver    chan envelope
	register   chan *Client
	unregister chan *Client
	db         *db.DB
	presence   *presence.Service
	logger     zerolog.Logger
	mu         sync.RWMutex
}

type Client struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan *protocol.Event
}

type envelope struct {
	event   *protocol.Event
	userIDs []string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. presenceSvc may be nil, in which case connects and
// disconnects are not recorded.
func NewHub(database *db.DB, presenceSvc *presence.Service, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		deliver:    make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		db:         database,
		presence:   presenceSvc,
		logger:     logger,
	}
}

// IsUserOnline checks if a user currently holds a socket.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Send queues event for every listed user that is connected.
func (h *Hub) Send(event *protocol.Event, userIDs ...string) {
	h.deliver <- envelope{event: event, userIDs: userIDs}
}

// NotifyNewMessage pushes new_message to every participant except the sender.
func (h *Hub) NotifyNewMessage(msg *models.Message, participants []string) {
	h.Send(&protocol.Event{Type: protocol.TypeNewMessage, Message: msg}, others(participants, msg.SenderID)...)
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("user connected")
			go h.announce(client.userID, true)

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.userID]
			if ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Dec()
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("user disconnected")
			if ok && current == client {
				go h.announce(client.userID, false)
			}

		case env := <-h.deliver:
			h.dispatch(env)
		}
	}
}

func (h *Hub) dispatch(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range env.userIDs {
		client, ok := h.clients[userID]
		if !ok {
			continue
		}
		select {
		case client.send <- env.event:
			if env.event.Type == protocol.TypeNewMessage && env.event.Message != nil {
				go h.markDelivered(env.event.Message.ID)
			}
		default:
			metrics.WebSocketDropped.Inc()
			h.logger.Warn().Str("user_id", userID).Str("type", env.event.Type).Msg("send buffer full, event dropped")
		}
	}
}

func (h *Hub) markDelivered(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.MarkDelivered(ctx, messageID); err != nil {
		h.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to mark delivered")
	}
}

// announce records presence and tells chat partners about it.
func (h *Hub) announce(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if h.presence != nil {
		if err := h.presence.Mark(ctx, userID, online); err != nil {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to record presence")
		}
	}

	chats, err := h.db.ChatsForUser(ctx, userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load chat partners")
		return
	}
	seen := make(map[string]bool)
	var partners []string
	for _, chat := range chats {
		for _, id := range others(chat.Participants, userID) {
			if !seen[id] {
				seen[id] = true
				partners = append(partners, id)
			}
		}
	}
	if len(partners) == 0 {
		return
	}
	h.Send(&protocol.Event{Type: protocol.TypeUserStatus, UserID: userID, IsOnline: &online}, partners...)
}

// HandleWebSocket upgrades /ws/:user_id. The path id must match the token's user.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if pathID := c.Param("user_id"); pathID != "" && pathID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user id does not match token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan *protocol.Event, sendBuffer),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("user_id", c.userID).Msg("websocket error")
			}
			break
		}

		frame, err := protocol.DecodeSendMessage(data)
		if err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeSendMessage:
			c.handleSendMessage(frame)
		}
	}
}

func (c *Client) handleSendMessage(frame *protocol.SendMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	respond := func(reason string, retryable bool) {
		c.hub.Send(&protocol.Event{
			Type:      protocol.TypeError,
			ChatID:    frame.ChatID,
			ClientID:  frame.ClientID,
			Error:     reason,
			Retryable: retryable,
		}, c.userID)
	}
	reject := func(reason string) { respond(reason, false) }
	fail := func(reason string) { respond(reason, true) }

	if strings.TrimSpace(frame.Content) == "" {
		reject("message content is required")
		return
	}
	if frame.MessageType == "" {
		frame.MessageType = models.TypeText
	}
	if !models.ValidMessageType(frame.MessageType) {
		reject("invalid message type")
		return
	}

	chat, err := c.hub.db.ChatByID(ctx, frame.ChatID)
	if errors.Is(err, db.ErrNotFound) {
		reject("chat not found")
		return
	}
	if err != nil {
		c.hub.logger.Error().Err(err).Str("chat_id", frame.ChatID).Msg("failed to load chat")
		fail("failed to load chat")
		return
	}
	if !contains(chat.Participants, c.userID) {
		reject("not a participant")
		return
	}

	msg, created, err := c.hub.db.CreateMessage(ctx, db.NewMessage{
		ClientID:    frame.ClientID,
		ChatID:      chat.ID,
		SenderID:    c.userID,
		Content:     frame.Content,
		MessageType: frame.MessageType,
		RepliedTo:   frame.RepliedTo,
	})
	if err != nil {
		c.hub.logger.Error().Err(err).Str("user_id", c.userID).Msg("failed to save message")
		fail("failed to save message")
		return
	}

	if created {
		metrics.MessagesSent.WithLabelValues("ws").Inc()
		c.hub.NotifyNewMessage(msg, chat.Participants)
	} else {
		metrics.DuplicateSends.WithLabelValues("ws").Inc()
	}
	c.hub.Send(&protocol.Event{Type: protocol.TypeMessageSent, Message: msg, ClientID: msg.ClientID}, c.userID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func others(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
