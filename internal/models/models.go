// Package models defines the core data structures for TicketPipe.
//
// It includes the normalized inbound interaction, the per-conversation
// session record, and the durable ticket produced at flow completion.
package models

import (
	"errors"
	"strings"
	"time"
)

// InteractionKind discriminates the normalized inbound event shapes.
type InteractionKind string

const (
	// InteractionText is a plain text message.
	InteractionText InteractionKind = "text"
	// InteractionButtonReply is a button selection on an interactive message.
	InteractionButtonReply InteractionKind = "button_reply"
	// InteractionListReply is a row selection on an interactive list message.
	InteractionListReply InteractionKind = "list_reply"
	// InteractionPollVote is a vote on a poll message, resolved to its option label.
	InteractionPollVote InteractionKind = "poll_vote"
)

// DefaultDisplayName is used when the gateway does not supply a sender name.
const DefaultDisplayName = "Anonymous"

// Interaction is one normalized user action extracted from an inbound event.
// Payload always carries resolved, non-empty text; events without resolvable
// text never become Interactions.
type Interaction struct {
	ConversationID string          `json:"conversation_id"`
	DisplayName    string          `json:"display_name"`
	Kind           InteractionKind `json:"kind"`
	Payload        string          `json:"payload"`
	MessageID      string          `json:"message_id,omitempty"` // provider message id, used as idempotency key
	Timestamp      time.Time       `json:"timestamp"`
}

// StateType identifies a state of the intake conversation flow.
type StateType string

const (
	// StateNone means no session exists; the next interaction starts the flow.
	StateNone StateType = ""
	// StateAwaitingProject waits for the user to pick a project.
	StateAwaitingProject StateType = "AWAITING_PROJECT"
	// StateAwaitingDescription waits for the issue description.
	StateAwaitingDescription StateType = "AWAITING_DESCRIPTION"
	// StateAwaitingPriority waits for the priority choice.
	StateAwaitingPriority StateType = "AWAITING_PRIORITY"
)

// DataKey identifies a collected field within a session.
type DataKey string

const (
	// DataKeyProject holds the selected project name.
	DataKeyProject DataKey = "project"
	// DataKeyDescription holds the issue description.
	DataKeyDescription DataKey = "description"
)

// Session is the per-conversation progress record. An expired session is
// treated identically to an absent one.
type Session struct {
	ConversationID string               `json:"conversation_id"`
	State          StateType            `json:"state"`
	Fields         map[DataKey]string   `json:"fields,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	ExpiresAt      time.Time            `json:"expires_at"`
}

// NewSession creates a fresh session for a conversation in the given state.
func NewSession(conversationID string, state StateType, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ConversationID: conversationID,
		State:          state,
		Fields:         make(map[DataKey]string),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// Expired reports whether the session's TTL has passed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Field returns a collected field value, or "" if unset.
func (s *Session) Field(key DataKey) string {
	if s == nil || s.Fields == nil {
		return ""
	}
	return s.Fields[key]
}

// SetField records a collected field value. Fields accumulate additively;
// later states never erase values written by earlier states.
func (s *Session) SetField(key DataKey, value string) {
	if s.Fields == nil {
		s.Fields = make(map[DataKey]string)
	}
	s.Fields[key] = value
}

// Priority classifies a ticket's urgency.
type Priority string

const (
	// PriorityHigh marks an urgent ticket.
	PriorityHigh Priority = "High"
	// PriorityMedium marks a normal ticket.
	PriorityMedium Priority = "Medium"
	// PriorityLow marks a low-urgency ticket.
	PriorityLow Priority = "Low"
)

// Priorities is the ordered set of selectable priorities.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// ParsePriority matches free-form user input against the priority set,
// case-insensitively. Returns false if the input is not a valid priority.
func ParsePriority(input string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	default:
		return "", false
	}
}

// Validation constants for flow input.
const (
	// MinDescriptionLength is the minimum accepted issue description length.
	MinDescriptionLength = 10
	// DefaultSessionTTL is the sliding expiration window for idle sessions.
	DefaultSessionTTL = 30 * time.Minute
)

// Error variables shared across packages.
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyPayload        = errors.New("interaction payload cannot be empty")
	ErrUnknownProject      = errors.New("project is not in the known project set")
	ErrSessionNotFound     = errors.New("session not found")
)

// Ticket is the durable record produced once per completed flow.
type Ticket struct {
	ID                 string    `json:"id"`
	Project            string    `json:"project"`
	Reporter           string    `json:"reporter"`
	Description        string    `json:"description"`
	Priority           Priority  `json:"priority"`
	ConversationID     string    `json:"conversation_id"`
	ExternalSyncStatus bool      `json:"external_sync_status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks the fields the persistence gateway requires before commit.
func (t *Ticket) Validate() error {
	if t.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if t.Project == "" {
		return ErrUnknownProject
	}
	if _, ok := ParsePriority(string(t.Priority)); !ok {
		return errors.New("invalid ticket priority")
	}
	return nil
}

// Project is an entry in the known project set. ExternalID, when present,
// identifies the mirrored list in the external tracker.
type Project struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
}

// PollOption is one entry of a poll's current result set as reported by the
// messaging gateway. Count is the number of votes currently on the option.
type PollOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// ProjectNames extracts the ordered name set from a project list.
func ProjectNames(projects []Project) []string {
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	return names
}
