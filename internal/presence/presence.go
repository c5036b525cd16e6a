// Package presence tracks which users are online. Heartbeats refresh a TTL so
// a client that disappears without saying goodbye drops offline on its own.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/models"
)

type Tracker interface {
	Touch(ctx context.Context, userID string, online bool) error
	Online(ctx context.Context, userIDs ...string) (map[string]bool, error)
}

// MemoryTracker keeps presence in process memory.
type MemoryTracker struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

func (t *MemoryTracker) Touch(_ context.Context, userID string, online bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.expires[userID] = t.now().Add(t.ttl)
	} else {
		delete(t.expires, userID)
	}
	return nil
}

func (t *MemoryTracker) Online(_ context.Context, userIDs ...string) (map[string]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	result := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		exp, ok := t.expires[id]
		if ok && now.After(exp) {
			delete(t.expires, id)
			ok = false
		}
		result[id] = ok
	}
	return result, nil
}

// RedisTracker stores one expiring key per online user.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(ctx context.Context, redisURL string, ttl time.Duration) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisTracker{client: client, ttl: ttl}, nil
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func (t *RedisTracker) Touch(ctx context.Context, userID string, online bool) error {
	if online {
		return t.client.Set(ctx, presenceKey(userID), 1, t.ttl).Err()
	}
	return t.client.Del(ctx, presenceKey(userID)).Err()
}

func (t *RedisTracker) Online(ctx context.Context, userIDs ...string) (map[string]bool, error) {
	result := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		result[id] = values[i] != nil
	}
	return result, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// Service persists last_seen in the database and answers online checks from the tracker.
type Service struct {
	db      *db.DB
	tracker Tracker
	logger  zerolog.Logger
}

func NewService(database *db.DB, tracker Tracker, logger zerolog.Logger) *Service {
	return &Service{db: database, tracker: tracker, logger: logger}
}

func (s *Service) Mark(ctx context.Context, userID string, online bool) error {
	if err := s.tracker.Touch(ctx, userID, online); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return s.db.SetOnline(ctx, userID, online, time.Now())
}

// Decorate overwrites IsOnline on each user. Tracker failures leave the stored flag.
func (s *Service) Decorate(ctx context.Context, users ...*models.User) {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u != nil {
			ids = append(ids, u.ID)
		}
	}
	online, err := s.tracker.Online(ctx, ids...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("presence lookup failed")
		return
	}
	for _, u := range users {
		if u != nil {
			u.IsOnline = online[u.ID]
		}
	}
}

func (s *Service) IsOnline(ctx context.Context, userID string) bool {
	online, err := s.tracker.Online(ctx, userID)
	if err != nil {
		return false
	}
	return online[userID]
}
