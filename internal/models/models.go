package models

import (
	"strings"
	"time"
)

// Message status values. Servers only ever emit sent, delivered and read;
// sending and pending exist on the client until the server confirms.
const (
	StatusSending   = "sending"
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

// TempIDPrefix marks ids generated by a client before the server confirms a message.
const TempIDPrefix = "temp-"

const ChatTypePrivate = "private"

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Chat struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	ChatType      string    `json:"chat_type"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	OtherUser     *User     `json:"other_user,omitempty"`
	LastMessage   *Message  `json:"last_message,omitempty"`
}

type Message struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_message_id,omitempty"`
	ChatID      string     `json:"chat_id"`
	SenderID    string     `json:"sender_id"`
	Content     string     `json:"content"`
	MessageType string     `json:"message_type"`
	Status      string     `json:"status"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	RepliedTo   *string    `json:"replied_to,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// IsTemp reports whether m is an optimistic entry not yet confirmed by the server.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// ValidMessageType reports whether t is one of the supported message types.
func ValidMessageType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile:
		return true
	}
	return false
}
