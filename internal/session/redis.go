// Package session provides storage backends for conversation sessions.
//
// This file implements a Redis-backed store. Session records are JSON
// values with a Redis TTL; conditional updates use WATCH/EXEC optimistic
// transactions so concurrent deliveries for the same conversation cannot
// both apply.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// Constants for Redis store configuration.
const (
	// sessionKeyPrefix namespaces session records.
	sessionKeyPrefix = "ticketpipe:session:"
	// pollKeyPrefix namespaces cached poll option lists.
	pollKeyPrefix = "ticketpipe:poll:"
	// DefaultUpdateRetries bounds optimistic transaction retries when a
	// concurrent write invalidates the watched key.
	DefaultUpdateRetries = 5
)

// Opts holds configuration options for the Redis session store.
type Opts struct {
	URL string
}

// Option defines a configuration option for the Redis session store.
type Option func(*Opts)

// WithURL sets the Redis connection URL (e.g. redis://localhost:6379/0).
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// RedisStore is a Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis session store based on provided options.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "URL_set", cfg.URL != "")
	if cfg.URL == "" {
		slog.Error("RedisStore URL not set")
		return nil, fmt.Errorf("redis URL not set")
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("Redis ping successful")
	return &RedisStore{client: client}, nil
}

func sessionKey(conversationID string) string {
	return sessionKeyPrefix + conversationID
}

func pollKey(pollID string) string {
	return pollKeyPrefix + pollID
}

// Get retrieves the live session for a conversation, or nil. Expiry is
// enforced by the Redis key TTL.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		slog.Debug("RedisStore Get not found", "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore Get failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to get session for %s: %w", conversationID, err)
	}
	return decodeSession(data, conversationID)
}

// Put writes a session record with a fresh TTL.
func (s *RedisStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	now := time.Now()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttl)
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ConversationID), payload, ttl).Err(); err != nil {
		slog.Error("RedisStore Put failed", "error", err, "conversationID", sess.ConversationID)
		return fmt.Errorf("failed to put session for %s: %w", sess.ConversationID, err)
	}
	slog.Debug("RedisStore Put succeeded", "conversationID", sess.ConversationID, "state", sess.State)
	return nil
}

// Update performs an optimistic read-modify-write on the session key. The
// watched transaction aborts when another client writes the key between the
// read and the EXEC, in which case the whole cycle is retried.
func (s *RedisStore) Update(ctx context.Context, conversationID string, ttl time.Duration, fn UpdateFunc) error {
	key := sessionKey(conversationID)

	txn := func(tx *redis.Tx) error {
		var current *models.Session
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read session for %s: %w", conversationID, err)
		}
		if err == nil {
			current, err = decodeSession(data, conversationID)
			if err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			now := time.Now()
			next.ConversationID = conversationID
			next.UpdatedAt = now
			next.ExpiresAt = now.Add(ttl)
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < DefaultUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("RedisStore Update transaction conflict, retrying", "conversationID", conversationID, "attempt", attempt+1)
			continue
		}
		slog.Error("RedisStore Update failed", "error", err, "conversationID", conversationID)
		return err
	}
	return fmt.Errorf("session update for %s exhausted %d retries", conversationID, DefaultUpdateRetries)
}

// Extend refreshes the TTL of an existing record without mutating it.
func (s *RedisStore) Extend(ctx context.Context, conversationID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, sessionKey(conversationID), ttl).Result()
	if err != nil {
		slog.Error("RedisStore Extend failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to extend session for %s: %w", conversationID, err)
	}
	if !ok {
		return models.ErrSessionNotFound
	}
	return nil
}

// Delete removes the session record unconditionally.
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, sessionKey(conversationID)).Err(); err != nil {
		slog.Error("RedisStore Delete failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete session for %s: %w", conversationID, err)
	}
	slog.Debug("RedisStore Delete succeeded", "conversationID", conversationID)
	return nil
}

// CachePollOptions stores the option labels of a sent poll message.
func (s *RedisStore) CachePollOptions(ctx context.Context, pollID string, options []string, ttl time.Duration) error {
	payload, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal poll options: %w", err)
	}
	if err := s.client.Set(ctx, pollKey(pollID), payload, ttl).Err(); err != nil {
		slog.Error("RedisStore CachePollOptions failed", "error", err, "pollID", pollID)
		return fmt.Errorf("failed to cache poll options for %s: %w", pollID, err)
	}
	slog.Debug("RedisStore CachePollOptions succeeded", "pollID", pollID, "options", len(options))
	return nil
}

// PollOptions returns the cached option labels for a poll message, or nil.
func (s *RedisStore) PollOptions(ctx context.Context, pollID string) ([]string, error) {
	data, err := s.client.Get(ctx, pollKey(pollID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore PollOptions failed", "error", err, "pollID", pollID)
		return nil, fmt.Errorf("failed to get poll options for %s: %w", pollID, err)
	}
	var options []string
	if err := json.Unmarshal(data, &options); err != nil {
		slog.Error("RedisStore PollOptions unmarshal failed", "error", err, "pollID", pollID)
		return nil, fmt.Errorf("failed to unmarshal poll options for %s: %w", pollID, err)
	}
	return options, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis session store")
	return s.client.Close()
}

// decodeSession unmarshals a stored session payload.
func decodeSession(data []byte, conversationID string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		slog.Error("RedisStore session unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal session for %s: %w", conversationID, err)
	}
	return &sess, nil
}
