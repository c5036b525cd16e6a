package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/4xmen/basemapp/internal/models"
)

// NewMessage is the input for CreateMessage.
type NewMessage struct {
	ClientID    string
	ChatID      string
	SenderID    string
	Content     string
	MessageType string
	RepliedTo   *string
}

const messageColumns = "id, client_message_id, chat_id, sender_id, content, message_type, status, is_read, read_at, replied_to, created_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		readAt    sql.NullTime
		repliedTo sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ClientID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.MessageType,
		&msg.Status, &msg.IsRead, &readAt, &repliedTo, &msg.Timestamp); err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	if repliedTo.Valid && repliedTo.String != "" {
		msg.RepliedTo = &repliedTo.String
	}
	return &msg, nil
}

// CreateMessage stores a message and bumps the chat's last_message_at.
// A second call with the same sender and client id returns the stored
// message and false instead of inserting a duplicate.
func (db *DB) CreateMessage(ctx context.Context, in NewMessage) (*models.Message, bool, error) {
	if in.MessageType == "" {
		in.MessageType = models.TypeText
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if in.ClientID != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			"SELECT "+messageColumns+" FROM messages WHERE sender_id = ? AND client_message_id = ?",
			in.SenderID, in.ClientID))
		if err == nil {
			return existing, false, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to check client id: %w", err)
		}
	}

	msg := &models.Message{
		ID:          ulid.Make().String(),
		ClientID:    in.ClientID,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		MessageType: in.MessageType,
		Status:      models.StatusSent,
		RepliedTo:   in.RepliedTo,
		Timestamp:   time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, client_message_id, chat_id, sender_id, content, message_type, status, replied_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ClientID, msg.ChatID, msg.SenderID, msg.Content, msg.MessageType, msg.Status, msg.RepliedTo, msg.Timestamp); err != nil {
		return nil, false, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE chats SET last_message_at = ? WHERE id = ?", msg.Timestamp, msg.ChatID); err != nil {
		return nil, false, fmt.Errorf("failed to update chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, true, nil
}

func (db *DB) MessageByID(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return msg, nil
}

// MessagesForChat returns up to limit messages, oldest first. A limit of zero
// or less returns the whole history.
func (db *DB) MessagesForChat(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// LastMessage returns nil when the chat has no messages.
func (db *DB) LastMessage(ctx context.Context, chatID string) (*models.Message, error) {
	msg, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1", chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch last message: %w", err)
	}
	return msg, nil
}

// MarkChatRead marks every unread message sent to readerID in the chat as
// read and returns the messages that changed.
func (db *DB) MarkChatRead(ctx context.Context, chatID, readerID string, at time.Time) ([]*models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_id = ? AND sender_id != ? AND is_read = 0",
		chatID, readerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread messages: %w", err)
	}

	var unread []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		unread = append(unread, msg)
	}
	rows.Close()
	if len(unread) == 0 {
		return nil, rows.Err()
	}

	at = at.UTC()
	if _, err := db.conn.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, status = ?, read_at = ?
		WHERE chat_id = ? AND sender_id != ? AND is_read = 0
	`, models.StatusRead, at, chatID, readerID); err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}

	for _, msg := range unread {
		msg.IsRead = true
		msg.Status = models.StatusRead
		msg.ReadAt = &at
	}
	return unread, nil
}

// MarkMessageRead marks one message read on behalf of readerID, who must be a
// participant of the chat and not the sender.
func (db *DB) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (*models.Message, error) {
	msg, err := db.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == readerID {
		return nil, ErrForbidden
	}
	ok, err := db.IsParticipant(ctx, msg.ChatID, readerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	if msg.IsRead {
		return msg, nil
	}

	at = at.UTC()
	if _, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = 1, status = ?, read_at = ? WHERE id = ?",
		models.StatusRead, at, messageID); err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	msg.IsRead = true
	msg.Status = models.StatusRead
	msg.ReadAt = &at
	return msg, nil
}

// MarkDelivered moves a sent message to delivered; read messages stay read.
func (db *DB) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ? WHERE id = ? AND status = ?",
		models.StatusDelivered, messageID, models.StatusSent)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// DeleteMessage removes a message; only its sender may delete it.
func (db *DB) DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error) {
	msg, err := db.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != senderID {
		return nil, ErrForbidden
	}
	if _, err := db.conn.ExecContext(ctx,
		"DELETE FROM messages WHERE id = ? AND sender_id = ?", messageID, senderID); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return msg, nil
}
