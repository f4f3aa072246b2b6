// Package session provides storage backends for conversation sessions.
//
// This file implements an in-memory store used for tests and single-process
// deployments without Redis.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

type pollEntry struct {
	options   []string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation. Per-conversation
// serialization is provided by a keyed mutex so Update bodies for the same
// conversation never interleave.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	keyLocks map[string]*sync.Mutex
	polls    map[string]pollEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	slog.Debug("Creating in-memory session store")
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		keyLocks: make(map[string]*sync.Mutex),
		polls:    make(map[string]pollEntry),
		now:      time.Now,
	}
}

// keyLock returns the mutex guarding a conversation key, creating it on
// first use. Key mutexes are never removed; the set of active conversations
// is small and bounded by the provider's chat population.
func (s *MemoryStore) keyLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[conversationID] = lock
	}
	return lock
}

// liveSession returns a copy of the stored session if it has not expired.
// Expired records are removed on read.
func (s *MemoryStore) liveSession(conversationID string) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil
	}
	if sess.Expired(s.now()) {
		delete(s.sessions, conversationID)
		return nil
	}
	return copySession(sess)
}

func (s *MemoryStore) write(sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ConversationID] = copySession(sess)
}

// Get retrieves the live session for a conversation, or nil.
func (s *MemoryStore) Get(ctx context.Context, conversationID string) (*models.Session, error) {
	sess := s.liveSession(conversationID)
	slog.Debug("MemoryStore Get", "conversationID", conversationID, "found", sess != nil)
	return sess, nil
}

// Put writes a session record with a fresh TTL.
func (s *MemoryStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	now := s.now()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttl)
	s.write(sess)
	slog.Debug("MemoryStore Put", "conversationID", sess.ConversationID, "state", sess.State)
	return nil
}

// Update runs fn under the conversation's key lock and applies the result.
func (s *MemoryStore) Update(ctx context.Context, conversationID string, ttl time.Duration, fn UpdateFunc) error {
	lock := s.keyLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	current := s.liveSession(conversationID)
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		s.mu.Lock()
		delete(s.sessions, conversationID)
		s.mu.Unlock()
		slog.Debug("MemoryStore Update deleted session", "conversationID", conversationID)
		return nil
	}
	now := s.now()
	next.ConversationID = conversationID
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(ttl)
	s.write(next)
	slog.Debug("MemoryStore Update wrote session", "conversationID", conversationID, "state", next.State)
	return nil
}

// Extend refreshes the TTL of an existing record.
func (s *MemoryStore) Extend(ctx context.Context, conversationID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok || sess.Expired(s.now()) {
		return models.ErrSessionNotFound
	}
	sess.ExpiresAt = s.now().Add(ttl)
	return nil
}

// Delete removes the session record unconditionally.
func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	slog.Debug("MemoryStore Delete", "conversationID", conversationID)
	return nil
}

// CachePollOptions stores the option labels of a sent poll message.
func (s *MemoryStore) CachePollOptions(ctx context.Context, pollID string, options []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[pollID] = pollEntry{
		options:   append([]string(nil), options...),
		expiresAt: s.now().Add(ttl),
	}
	slog.Debug("MemoryStore CachePollOptions", "pollID", pollID, "options", len(options))
	return nil
}

// PollOptions returns the cached option labels for a poll message, or nil.
func (s *MemoryStore) PollOptions(ctx context.Context, pollID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.polls[pollID]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.polls, pollID)
		return nil, nil
	}
	return append([]string(nil), entry.options...), nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// copySession returns a deep copy so callers never alias stored state.
func copySession(sess *models.Session) *models.Session {
	out := *sess
	if sess.Fields != nil {
		out.Fields = make(map[models.DataKey]string, len(sess.Fields))
		for k, v := range sess.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}
