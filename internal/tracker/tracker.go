// Package tracker provides the best-effort external sync adapter that
// mirrors committed tickets into a Trello-style tracking service.
//
// Mirror failures are captured as a boolean and recorded on the ticket;
// they are never surfaced as errors to the flow.
package tracker

import (
	"context"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Card is the content mirrored into the external tracker.
type Card struct {
	Project     string
	Description string
	Priority    models.Priority
	Reporter    string
}

// Tracker creates mirrored cards in the external tracking service.
// CreateCard reports success as a boolean; implementations swallow all
// transport and provider errors.
type Tracker interface {
	CreateCard(ctx context.Context, externalProjectID string, card Card) bool
}

// Noop is a Tracker used when no external tracker is configured. Every
// mirror attempt reports failure, leaving external_sync_status false.
type Noop struct{}

// CreateCard always reports false.
func (Noop) CreateCard(ctx context.Context, externalProjectID string, card Card) bool {
	return false
}
