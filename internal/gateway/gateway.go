// Package gateway provides pluggable messaging-gateway transports for
// TicketPipe.
//
// A gateway delivers outbound prompts and confirmations to a conversation
// and surfaces inbound user actions as normalized Interactions on a
// channel, regardless of whether the provider pushes events over a webhook
// or a persistent socket.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Constants for gateway service configuration.
const (
	// DefaultChannelBufferSize defines the buffer size for interaction channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel sends.
	DefaultChannelTimeout = 1 * time.Second
	// DefaultRequestTimeout bounds outbound HTTP calls to the provider.
	DefaultRequestTimeout = 10 * time.Second
)

// Error variables for gateway services.
var (
	// ErrServiceStopped is returned when sending through a stopped service.
	ErrServiceStopped = errors.New("gateway service is stopped")
	// ErrPollsUnsupported is returned by transports that cannot report poll
	// results; callers fall back to the poll-option cache.
	ErrPollsUnsupported = errors.New("transport does not support poll result lookup")
)

// Sender is the outbound dispatcher contract consumed by the flow engine.
type Sender interface {
	// SendText sends a plain text message to a conversation.
	SendText(ctx context.Context, to, body string) error

	// SendChoicePrompt sends a prompt with selectable options. It returns
	// the provider's prompt message id when the provider supports stateful
	// choice messages (polls), and "" when the prompt was degraded to
	// numbered text.
	SendChoicePrompt(ctx context.Context, to, body string, options []string) (string, error)

	// FetchPollResult retrieves the current result set of a sent poll.
	FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error)
}

// Service is a full gateway transport: outbound sending plus an inbound
// interaction stream.
type Service interface {
	Sender

	// Start begins any background processing (e.g., socket event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the interaction channel.
	Stop() error

	// Interactions returns the channel of normalized inbound interactions.
	Interactions() <-chan models.Interaction
}
