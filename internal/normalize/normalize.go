// Package normalize turns raw webhook payloads from the messaging gateway
// into canonical Interaction records.
//
// This is the single place that performs inbound shape dispatch: every
// provider-specific payload variant is reduced here to a tagged Interaction
// with resolved text content, or silently dropped when no text content can
// be resolved.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Inbound item type discriminators used by the gateway.
const (
	itemTypeText   = "text"
	itemTypeReply  = "reply"
	itemTypeAction = "action"

	replyTypeButtons = "buttons_reply"
	replyTypeList    = "list_reply"
	actionTypeVote   = "vote"
)

// WebhookPayload is the raw webhook body: a batch of new messages plus a
// batch of status/action updates. Both lists carry the same item shape and
// both must be scanned for interactions.
type WebhookPayload struct {
	Messages []InboundItem `json:"messages,omitempty"`
	Updates  []InboundItem `json:"updates,omitempty"`
}

// InboundItem is one provider-shaped inbound event.
type InboundItem struct {
	ID        string         `json:"id"`
	FromMe    bool           `json:"from_me"`
	ChatID    string         `json:"chat_id"`
	FromName  string         `json:"from_name,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Type      string         `json:"type"`
	Text      *TextContent   `json:"text,omitempty"`
	Reply     *ReplyContent  `json:"reply,omitempty"`
	Action    *ActionContent `json:"action,omitempty"`
}

// TextContent carries a plain text message body.
type TextContent struct {
	Body string `json:"body"`
}

// ReplyContent carries an interactive reply (button or list row selection).
type ReplyContent struct {
	Type    string           `json:"type"`
	Buttons *SelectedElement `json:"buttons_reply,omitempty"`
	List    *SelectedElement `json:"list_reply,omitempty"`
}

// SelectedElement is the selected button or list row.
type SelectedElement struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ActionContent carries a poll vote: the target poll message id and opaque
// vote identifiers, with no human-readable text.
type ActionContent struct {
	Type   string   `json:"type"`
	Target string   `json:"target"`
	Votes  []string `json:"votes,omitempty"`
}

// PollCache looks up option labels cached at poll-send time.
type PollCache interface {
	PollOptions(ctx context.Context, pollID string) ([]string, error)
}

// PollFetcher retrieves a poll's current result set from the gateway.
type PollFetcher interface {
	FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error)
}

// Normalizer converts webhook payloads into Interactions. Poll votes are
// resolved through the cache first and the gateway second; votes that
// cannot be resolved to an option label are dropped.
type Normalizer struct {
	cache   PollCache
	fetcher PollFetcher
}

// NewNormalizer creates a Normalizer. Either dependency may be nil, in
// which case the corresponding poll resolution strategy is skipped.
func NewNormalizer(cache PollCache, fetcher PollFetcher) *Normalizer {
	return &Normalizer{cache: cache, fetcher: fetcher}
}

// ParsePayload decodes a raw webhook body.
func ParsePayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &payload, nil
}

// Normalize scans both payload lists in order and returns the resolvable
// interactions. Items that are self-originated or reduce to empty text are
// dropped without error.
func (n *Normalizer) Normalize(ctx context.Context, payload *WebhookPayload) []models.Interaction {
	if payload == nil {
		return nil
	}
	items := make([]InboundItem, 0, len(payload.Messages)+len(payload.Updates))
	items = append(items, payload.Messages...)
	items = append(items, payload.Updates...)

	var interactions []models.Interaction
	for _, item := range items {
		in, ok := n.normalizeItem(ctx, item)
		if !ok {
			continue
		}
		interactions = append(interactions, in)
	}
	slog.Debug("Normalizer processed payload", "items", len(items), "interactions", len(interactions))
	return interactions
}

// normalizeItem reduces one inbound item to an Interaction, reporting false
// when the item carries no resolvable text content.
func (n *Normalizer) normalizeItem(ctx context.Context, item InboundItem) (models.Interaction, bool) {
	if item.FromMe {
		slog.Debug("Normalizer dropping self-originated item", "id", item.ID)
		return models.Interaction{}, false
	}
	if item.ChatID == "" {
		slog.Debug("Normalizer dropping item without chat id", "id", item.ID)
		return models.Interaction{}, false
	}

	var kind models.InteractionKind
	var payload string

	switch item.Type {
	case itemTypeText:
		if item.Text == nil {
			return models.Interaction{}, false
		}
		kind = models.InteractionText
		payload = strings.TrimSpace(item.Text.Body)

	case itemTypeReply:
		if item.Reply == nil {
			return models.Interaction{}, false
		}
		switch item.Reply.Type {
		case replyTypeButtons:
			if item.Reply.Buttons == nil {
				return models.Interaction{}, false
			}
			kind = models.InteractionButtonReply
			payload = strings.TrimSpace(item.Reply.Buttons.Title)
		case replyTypeList:
			if item.Reply.List == nil {
				return models.Interaction{}, false
			}
			kind = models.InteractionListReply
			payload = strings.TrimSpace(item.Reply.List.Title)
		default:
			slog.Debug("Normalizer dropping unknown reply type", "id", item.ID, "reply_type", item.Reply.Type)
			return models.Interaction{}, false
		}

	case itemTypeAction:
		if item.Action == nil || item.Action.Type != actionTypeVote {
			return models.Interaction{}, false
		}
		kind = models.InteractionPollVote
		payload = n.resolvePollVote(ctx, item.Action)

	default:
		slog.Debug("Normalizer dropping unsupported item type", "id", item.ID, "type", item.Type)
		return models.Interaction{}, false
	}

	if payload == "" {
		slog.Debug("Normalizer dropping item with empty payload", "id", item.ID, "type", item.Type)
		return models.Interaction{}, false
	}

	displayName := strings.TrimSpace(item.FromName)
	if displayName == "" {
		displayName = models.DefaultDisplayName
	}

	ts := time.Now()
	if item.Timestamp > 0 {
		ts = time.Unix(item.Timestamp, 0)
	}

	return models.Interaction{
		ConversationID: item.ChatID,
		DisplayName:    displayName,
		Kind:           kind,
		Payload:        payload,
		MessageID:      item.ID,
		Timestamp:      ts,
	}, true
}

// resolvePollVote maps an opaque vote back to its option label. The cached
// option list written at poll-send time is consulted first; when it is
// absent or the vote cannot be correlated, the gateway's current result set
// is fetched and the option whose vote count became positive is selected.
// Returns "" when neither strategy resolves the vote.
func (n *Normalizer) resolvePollVote(ctx context.Context, action *ActionContent) string {
	if action.Target == "" {
		return ""
	}
	var voteID string
	if len(action.Votes) > 0 {
		voteID = action.Votes[0]
	}

	if n.cache != nil {
		options, err := n.cache.PollOptions(ctx, action.Target)
		if err != nil {
			slog.Warn("Normalizer poll cache lookup failed", "error", err, "pollID", action.Target)
		} else if label := matchCachedOption(options, voteID); label != "" {
			slog.Debug("Normalizer resolved poll vote from cache", "pollID", action.Target, "label", label)
			return label
		}
	}

	if n.fetcher == nil {
		return ""
	}
	results, err := n.fetcher.FetchPollResult(ctx, action.Target)
	if err != nil {
		slog.Warn("Normalizer poll result fetch failed", "error", err, "pollID", action.Target)
		return ""
	}
	if label := matchPollResult(results, voteID); label != "" {
		slog.Debug("Normalizer resolved poll vote from gateway", "pollID", action.Target, "label", label)
		return label
	}
	slog.Debug("Normalizer poll vote unresolvable, dropping", "pollID", action.Target, "vote_id", voteID)
	return ""
}

// matchCachedOption correlates a vote id against a cached option-label
// list. Vote ids are matched as labels (case-insensitive) or as 1-based
// option indexes; without a vote id nothing can be correlated.
func matchCachedOption(options []string, voteID string) string {
	if len(options) == 0 || voteID == "" {
		return ""
	}
	for _, label := range options {
		if strings.EqualFold(label, voteID) {
			return label
		}
	}
	if idx, err := strconv.Atoi(voteID); err == nil && idx >= 1 && idx <= len(options) {
		return options[idx-1]
	}
	return ""
}

// matchPollResult selects the voted option from a poll's result set: the
// option matching the vote id when the gateway correlates it, otherwise the
// first option whose count became positive.
func matchPollResult(results []models.PollOption, voteID string) string {
	if voteID != "" {
		for _, opt := range results {
			if opt.ID == voteID && opt.Count > 0 {
				return opt.Label
			}
		}
	}
	for _, opt := range results {
		if opt.Count > 0 {
			return opt.Label
		}
	}
	return ""
}
