// Package protocol defines the JSON frames exchanged over the /ws/{user_id} socket.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/4xmen/basemapp/internal/models"
)

// Frame types
const (
	TypeSendMessage    = "send_message"    // client -> server
	TypeNewMessage     = "new_message"     // server -> other participants
	TypeMessageSent    = "message_sent"    // server -> sender, confirms a send
	TypeMessageRead    = "message_read"    // server -> sender of the read message
	TypeMessageDeleted = "message_deleted" // server -> chat participants
	TypeUserStatus     = "user_status"     // server -> chat partners on connect/disconnect
	TypeError          = "error"           // server -> sender, rejected send
)

var ErrMissingType = errors.New("frame has no type")

// Event is a server to client frame.
type Event struct {
	Type      string          `json:"type"`
	Message   *models.Message `json:"message,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	IsOnline  *bool           `json:"is_online,omitempty"`
	ClientID  string          `json:"client_message_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Retryable marks an error frame caused by a server fault rather than
	// the frame's content; the sender should queue the message.
	Retryable bool `json:"retryable,omitempty"`
}

// SendMessage is the client to server frame carrying a new message.
type SendMessage struct {
	Type        string  `json:"type"`
	ChatID      string  `json:"chat_id"`
	Content     string  `json:"content"`
	MessageType string  `json:"message_type,omitempty"`
	ClientID    string  `json:"client_message_id,omitempty"`
	RepliedTo   *string `json:"replied_to,omitempty"`
}

// DecodeEvent parses a server frame. Unknown types decode without error;
// dispatchers decide what to ignore.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, ErrMissingType
	}
	return &ev, nil
}

// DecodeSendMessage parses a client frame.
func DecodeSendMessage(data []byte) (*SendMessage, error) {
	var frame SendMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, ErrMissingType
	}
	return &frame, nil
}
