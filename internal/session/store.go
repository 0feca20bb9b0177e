package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rba-platform/login-guard/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// Store keeps AuthSession state in Redis with an idle TTL. Every
// successful read or write pushes the expiry forward, so a session
// only dies after the idle window passes with no activity.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection
func NewStore(url string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, ttl: ttl}, nil
}

func (s *Store) key(sessionID string) string {
	return "session:" + sessionID
}

// Save writes the session as a JSON blob and resets its idle TTL
func (s *Store) Save(ctx context.Context, sess *models.AuthSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(sess.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get loads a session and refreshes its idle TTL
func (s *Store) Get(ctx context.Context, sessionID string) (*models.AuthSession, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess := &models.AuthSession{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	// Sliding expiry
	_ = s.client.Expire(ctx, s.key(sessionID), s.ttl).Err()

	return sess, nil
}

// Delete removes a session
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Client exposes the underlying Redis client for shared-connection
// consumers like the event publisher.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
