// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication. The
// flow engine records every interaction's provider message id before
// processing so at-least-once webhook redelivery cannot double-commit a
// ticket.
type DedupRepo interface {
	// IsDuplicate checks if a message id has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if
	// the message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}
