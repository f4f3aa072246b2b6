// Package session provides the time-bounded per-conversation session store.
//
// The store maps conversation identity to flow state and collected fields.
// Every write refreshes the record's TTL (sliding expiration), and Update
// serializes read-modify-write cycles per conversation key so concurrent
// deliveries for the same conversation cannot interleave.
package session

import (
	"context"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// UpdateFunc computes the next session from the current one. The current
// session is nil when no live record exists; returning nil deletes the
// record, and returning an error aborts the update without writing.
type UpdateFunc func(current *models.Session) (*models.Session, error)

// Store defines the session store operations consumed by the flow engine.
// Implementations must be safe for concurrent use across conversations and
// linearizable per conversation key.
type Store interface {
	// Get retrieves the live session for a conversation, or nil when the
	// record is absent or expired.
	Get(ctx context.Context, conversationID string) (*models.Session, error)

	// Put writes a session record with a fresh TTL.
	Put(ctx context.Context, sess *models.Session, ttl time.Duration) error

	// Update runs fn inside a per-key critical section: read the current
	// session, compute the next one, and write it with a fresh TTL. This is
	// the only safe way to transition flow state under concurrent deliveries.
	Update(ctx context.Context, conversationID string, ttl time.Duration, fn UpdateFunc) error

	// Extend refreshes the TTL of an existing record without mutating it.
	Extend(ctx context.Context, conversationID string, ttl time.Duration) error

	// Delete removes the session record unconditionally.
	Delete(ctx context.Context, conversationID string) error

	// CachePollOptions stores the option labels of a sent poll message so
	// later vote events can be resolved without a gateway round trip.
	CachePollOptions(ctx context.Context, pollID string, options []string, ttl time.Duration) error

	// PollOptions returns the cached option labels for a poll message, or
	// nil when the cache entry is absent or expired.
	PollOptions(ctx context.Context, pollID string) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
