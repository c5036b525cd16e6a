package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/metrics"
	"github.com/4xmen/basemapp/internal/models"
	"github.com/4xmen/basemapp/internal/presence"
	"github.com/4xmen/basemapp/internal/protocol"
)

// Notifier pushes realtime events to connected users.
type Notifier interface {
	Send(event *protocol.Event, userIDs ...string)
	NotifyNewMessage(msg *models.Message, participants []string)
}

type MessageHandler struct {
	db       *db.DB
	presence *presence.Service
	notifier Notifier
	logger   zerolog.Logger
}

// NewMessageHandler wires the chat and message routes. presenceSvc and
// notifier may be nil.
func NewMessageHandler(database *db.DB, presenceSvc *presence.Service, notifier Notifier, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{db: database, presence: presenceSvc, notifier: notifier, logger: logger}
}

type SendMessageRequest struct {
	ChatID      string  `json:"chat_id" binding:"required"`
	Content     string  `json:"content"`
	MessageType string  `json:"message_type"`
	ClientID    string  `json:"client_message_id"`
	RepliedTo   *string `json:"replied_to"`
}

func (h *MessageHandler) notify(event *protocol.Event, userIDs ...string) {
	if h.notifier != nil && len(userIDs) > 0 {
		h.notifier.Send(event, userIDs...)
	}
}

// loadChat resolves the chat and checks membership, answering the request
// itself on failure.
func (h *MessageHandler) loadChat(c *gin.Context, chatID, userID string) (*models.Chat, bool) {
	chat, err := h.db.ChatByID(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return nil, false
		}
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to load chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return nil, false
	}
	for _, id := range chat.Participants {
		if id == userID {
			return chat, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this chat"})
	return nil, false
}

// enrich fills other_user and last_message for a chat listing.
func (h *MessageHandler) enrich(c *gin.Context, chat *models.Chat, userID string) error {
	ctx := c.Request.Context()
	for _, id := range chat.Participants {
		if id == userID {
			continue
		}
		other, err := h.db.UserByID(ctx, id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		chat.OtherUser = other
		break
	}
	if chat.OtherUser != nil && h.presence != nil {
		h.presence.Decorate(ctx, chat.OtherUser)
	}

	last, err := h.db.LastMessage(ctx, chat.ID)
	if err != nil {
		return err
	}
	chat.LastMessage = last
	return nil
}

// GetChats lists the current user's chats, most recent first
func (h *MessageHandler) GetChats(c *gin.Context) {
	userID := c.GetString("user_id")

	chats, err := h.db.ChatsForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chats"})
		return
	}

	for _, chat := range chats {
		if err := h.enrich(c, chat, userID); err != nil {
			h.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("failed to enrich chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chats"})
			return
		}
	}

	c.JSON(http.StatusOK, chats)
}

// CreateChat opens the private chat with other_user_id, reusing an existing one
func (h *MessageHandler) CreateChat(c *gin.Context) {
	userID := c.GetString("user_id")
	otherID := c.Query("other_user_id")
	if otherID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "other_user_id query parameter required"})
		return
	}
	if otherID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot create a chat with yourself"})
		return
	}

	ctx := c.Request.Context()
	exists, err := h.db.UserExists(ctx, otherID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate user"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	chat, created, err := h.db.FindOrCreateChat(ctx, userID, otherID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}
	if err := h.enrich(c, chat, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, chat)
}

// GetChatMessages returns the chat history and marks incoming messages read
func (h *MessageHandler) GetChatMessages(c *gin.Context) {
	userID := c.GetString("user_id")
	chat, ok := h.loadChat(c, c.Param("id"), userID)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	ctx := c.Request.Context()
	changed, err := h.db.MarkChatRead(ctx, chat.ID, userID, time.Now())
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("failed to mark chat read")
	}
	for _, msg := range changed {
		h.notify(&protocol.Event{
			Type:      protocol.TypeMessageRead,
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			ReadAt:    msg.ReadAt,
		}, msg.SenderID)
	}

	messages, err := h.db.MessagesForChat(ctx, chat.ID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("failed to fetch messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

// SendMessage stores a message posted over HTTP. A repeated client_message_id
// returns the stored message instead of creating another one.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID := c.GetString("user_id")

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message content is required"})
		return
	}
	if req.MessageType == "" {
		req.MessageType = models.TypeText
	}
	if !models.ValidMessageType(req.MessageType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message type"})
		return
	}

	chat, ok := h.loadChat(c, req.ChatID, userID)
	if !ok {
		return
	}

	msg, created, err := h.db.CreateMessage(c.Request.Context(), db.NewMessage{
		ClientID:    req.ClientID,
		ChatID:      chat.ID,
		SenderID:    userID,
		Content:     req.Content,
		MessageType: req.MessageType,
		RepliedTo:   req.RepliedTo,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("failed to save message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save message"})
		return
	}

	if !created {
		metrics.DuplicateSends.WithLabelValues("http").Inc()
		c.JSON(http.StatusOK, msg)
		return
	}

	metrics.MessagesSent.WithLabelValues("http").Inc()
	if h.notifier != nil {
		h.notifier.NotifyNewMessage(msg, chat.Participants)
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkAsRead marks one incoming message read and tells its sender
func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	userID := c.GetString("user_id")

	msg, err := h.db.MarkMessageRead(c.Request.Context(), c.Param("id"), userID, time.Now())
	if err != nil {
		h.writeMessageError(c, err, "failed to mark message as read")
		return
	}

	h.notify(&protocol.Event{
		Type:      protocol.TypeMessageRead,
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		ReadAt:    msg.ReadAt,
	}, msg.SenderID)

	c.JSON(http.StatusOK, msg)
}

// DeleteMessage removes a message; only the sender may delete it
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	msg, err := h.db.DeleteMessage(ctx, c.Param("id"), userID)
	if err != nil {
		h.writeMessageError(c, err, "failed to delete message")
		return
	}

	participants, err := h.db.Participants(ctx, msg.ChatID)
	if err != nil {
		h.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("failed to load participants for delete event")
	}
	h.notify(&protocol.Event{
		Type:      protocol.TypeMessageDeleted,
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
	}, participants...)

	c.JSON(http.StatusOK, gin.H{"message": "message deleted"})
}

func (h *MessageHandler) writeMessageError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, db.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	default:
		h.logger.Error().Err(err).Msg(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
