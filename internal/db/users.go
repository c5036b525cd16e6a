package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/4xmen/basemapp/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrForbidden  = errors.New("forbidden")
)

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = "id, username, email, avatar_url, is_online, last_seen, created_at"

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		avatarURL sql.NullString
		lastSeen  sql.NullTime
		createdAt sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &avatarURL, &user.IsOnline, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	if avatarURL.Valid && avatarURL.String != "" {
		user.AvatarURL = &avatarURL.String
	}
	if lastSeen.Valid {
		user.LastSeen = lastSeen.Time
	}
	if createdAt.Valid {
		user.CreatedAt = createdAt.Time
	}
	return &user, nil
}

// NormalizeEmail lower-cases and trims an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (db *DB) CreateUser(ctx context.Context, id, username, email, passwordHash string) (*models.User, error) {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, username, NormalizeEmail(email), passwordHash, now, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return db.UserByID(ctx, id)
}

func (db *DB) UserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// UserByEmail returns the user together with its password hash.
func (db *DB) UserByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var userID, passwordHash string
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE email = ?", NormalizeEmail(email),
	).Scan(&userID, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to query user: %w", err)
	}

	user, err := db.UserByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return user, passwordHash, nil
}

func (db *DB) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}

// SearchUsers matches username or email case-insensitively, excluding excludeID.
func (db *DB) SearchUsers(ctx context.Context, excludeID, query string, limit int) ([]*models.User, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id != ? AND (lower(username) LIKE ? OR email LIKE ?)
		ORDER BY username LIMIT ?
	`, excludeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return collectUsers(rows)
}

func (db *DB) ListUsers(ctx context.Context, excludeID string) ([]*models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id != ? ORDER BY username", excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()

	users := []*models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateProfile changes the fields that are non-nil.
func (db *DB) UpdateProfile(ctx context.Context, id string, username, avatarURL *string) (*models.User, error) {
	if username != nil {
		if _, err := db.conn.ExecContext(ctx,
			"UPDATE users SET username = ?, updated_at = ? WHERE id = ?", *username, time.Now().UTC(), id); err != nil {
			return nil, fmt.Errorf("failed to update username: %w", err)
		}
	}
	if avatarURL != nil {
		if _, err := db.conn.ExecContext(ctx,
			"UPDATE users SET avatar_url = ?, updated_at = ? WHERE id = ?", *avatarURL, time.Now().UTC(), id); err != nil {
			return nil, fmt.Errorf("failed to update avatar: %w", err)
		}
	}
	return db.UserByID(ctx, id)
}

// SetOnline records the presence flag and bumps last_seen.
func (db *DB) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?", online, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}
