package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/basemapp/internal/models"
)

// FindOrCreateChat returns the private chat between a and b, creating it on
// first contact. The bool reports whether a new chat was created.
func (db *DB) FindOrCreateChat(ctx context.Context, a, b string) (*models.Chat, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT c.id FROM chats c
		JOIN chat_participants pa ON pa.chat_id = c.id AND pa.user_id = ?
		JOIN chat_participants pb ON pb.chat_id = c.id AND pb.user_id = ?
		WHERE c.chat_type = ?
		LIMIT 1
	`, a, b, models.ChatTypePrivate).Scan(&existingID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		chat, err := db.ChatByID(ctx, existingID)
		return chat, false, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up chat: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO chats (id, chat_type, created_at, last_message_at) VALUES (?, ?, ?, ?)",
		id, models.ChatTypePrivate, now, now); err != nil {
		return nil, false, fmt.Errorf("failed to create chat: %w", err)
	}
	for _, userID := range []string{a, b} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)",
			id, userID, now); err != nil {
			return nil, false, fmt.Errorf("failed to add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit chat: %w", err)
	}

	return &models.Chat{
		ID:            id,
		Participants:  []string{a, b},
		ChatType:      models.ChatTypePrivate,
		CreatedAt:     now,
		LastMessageAt: now,
	}, true, nil
}

func (db *DB) ChatByID(ctx context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, chat_type, created_at, last_message_at FROM chats WHERE id = ?", id,
	).Scan(&chat.ID, &chat.ChatType, &chat.CreatedAt, &chat.LastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}

	chat.Participants, err = db.Participants(ctx, id)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// ChatsForUser lists the user's chats, most recent activity first.
func (db *DB) ChatsForUser(ctx context.Context, userID string) ([]*models.Chat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.chat_type, c.created_at, c.last_message_at
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chats: %w", err)
	}

	chats := []*models.Chat{}
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.ChatType, &chat.CreatedAt, &chat.LastMessageAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, &chat)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, chat := range chats {
		if chat.Participants, err = db.Participants(ctx, chat.ID); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

func (db *DB) Participants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY joined_at, user_id", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)", chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}
