// Package gateway provides messaging-gateway transports for TicketPipe.
//
// This file implements the Whapi-style REST transport: outbound calls go
// through the provider's HTTP API and inbound events arrive on a webhook,
// ingested via IngestWebhook.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/normalize"
)

// WhapiOpts holds configuration options for the Whapi REST transport.
type WhapiOpts struct {
	BaseURL string        // provider API base URL, e.g. https://gate.whapi.cloud
	Token   string        // bearer token
	Timeout time.Duration // per-request timeout
}

// WhapiOption defines a configuration option for the Whapi transport.
type WhapiOption func(*WhapiOpts)

// WithBaseURL sets the provider API base URL.
func WithBaseURL(baseURL string) WhapiOption {
	return func(o *WhapiOpts) { o.BaseURL = baseURL }
}

// WithToken sets the provider bearer token.
func WithToken(token string) WhapiOption {
	return func(o *WhapiOpts) { o.Token = token }
}

// WithTimeout sets the per-request timeout for provider calls.
func WithTimeout(timeout time.Duration) WhapiOption {
	return func(o *WhapiOpts) { o.Timeout = timeout }
}

// WhapiService implements Service over the provider's REST API. Inbound
// events are fed through IngestWebhook by the HTTP webhook handler.
type WhapiService struct {
	baseURL      string
	token        string
	client       *http.Client
	normalizer   *normalize.Normalizer
	interactions chan models.Interaction
	mu           sync.RWMutex
	stopped      bool
}

// NewWhapiService creates a Whapi transport. The poll cache is consulted
// when resolving inbound poll votes; the service itself serves as the
// secondary gateway-lookup strategy.
func NewWhapiService(cache normalize.PollCache, opts ...WhapiOption) (*WhapiService, error) {
	var cfg WhapiOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewWhapiService invoked", "baseURL_set", cfg.BaseURL != "", "token_set", cfg.Token != "")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL not set")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway token not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}

	svc := &WhapiService{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		client:       &http.Client{Timeout: cfg.Timeout},
		interactions: make(chan models.Interaction, DefaultChannelBufferSize),
	}
	svc.normalizer = normalize.NewNormalizer(cache, svc)
	return svc, nil
}

// Start is a no-op: inbound events arrive via the webhook endpoint.
func (s *WhapiService) Start(ctx context.Context) error {
	slog.Debug("WhapiService Start invoked (webhook-driven, no background work)")
	return nil
}

// Stop closes the interaction channel.
func (s *WhapiService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.interactions)
	slog.Info("WhapiService stopped")
	return nil
}

// Interactions returns the channel of normalized inbound interactions.
func (s *WhapiService) Interactions() <-chan models.Interaction {
	return s.interactions
}

// IngestWebhook normalizes a raw webhook body and forwards the resulting
// interactions. Unresolvable items are dropped by the normalizer; a payload
// that yields zero interactions is not an error.
func (s *WhapiService) IngestWebhook(ctx context.Context, body []byte) error {
	payload, err := normalize.ParsePayload(body)
	if err != nil {
		slog.Warn("WhapiService failed to parse webhook payload", "error", err)
		return err
	}
	for _, in := range s.normalizer.Normalize(ctx, payload) {
		s.emit(in)
	}
	return nil
}

// emit forwards an interaction without blocking the webhook handler.
// The read lock is held across the send so Stop cannot close the
// channel mid-send.
func (s *WhapiService) emit(in models.Interaction) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.interactions <- in:
		slog.Debug("WhapiService interaction forwarded", "conversationID", in.ConversationID, "kind", in.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhapiService interactions channel blocked, dropping", "conversationID", in.ConversationID, "timeout", DefaultChannelTimeout)
	}
}

// SendText sends a plain text message to a conversation.
func (s *WhapiService) SendText(ctx context.Context, to, body string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	req := map[string]interface{}{"to": to, "body": body}
	if err := s.post(ctx, "/messages/text", req, nil); err != nil {
		slog.Error("WhapiService SendText failed", "error", err, "to", to)
		return fmt.Errorf("failed to send text to %s: %w", to, err)
	}
	slog.Debug("WhapiService SendText succeeded", "to", to, "body_length", len(body))
	return nil
}

// sendMessageResult is the provider's acknowledgment of a sent message.
type sendMessageResult struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// SendChoicePrompt sends a single-select poll and returns its message id,
// which later vote events reference as their target.
func (s *WhapiService) SendChoicePrompt(ctx context.Context, to, body string, options []string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if len(options) == 0 {
		return "", fmt.Errorf("choice prompt requires at least one option")
	}
	req := map[string]interface{}{
		"to":      to,
		"title":   body,
		"options": options,
		"count":   1,
	}
	var result sendMessageResult
	if err := s.post(ctx, "/messages/poll", req, &result); err != nil {
		slog.Error("WhapiService SendChoicePrompt failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to send choice prompt to %s: %w", to, err)
	}
	slog.Debug("WhapiService SendChoicePrompt succeeded", "to", to, "promptID", result.Message.ID, "options", len(options))
	return result.Message.ID, nil
}

// pollMessageResult is the provider's representation of a poll message.
type pollMessageResult struct {
	Poll struct {
		Results []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Count int    `json:"count"`
		} `json:"results"`
	} `json:"poll"`
}

// FetchPollResult retrieves the current result set of a sent poll. A poll
// with no results yields an empty set, not an error.
func (s *WhapiService) FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error) {
	if pollID == "" {
		return nil, fmt.Errorf("poll id cannot be empty")
	}
	var result pollMessageResult
	if err := s.get(ctx, "/messages/"+url.PathEscape(pollID), &result); err != nil {
		slog.Error("WhapiService FetchPollResult failed", "error", err, "pollID", pollID)
		return nil, fmt.Errorf("failed to fetch poll result for %s: %w", pollID, err)
	}
	options := make([]models.PollOption, 0, len(result.Poll.Results))
	for _, r := range result.Poll.Results {
		options = append(options, models.PollOption{ID: r.ID, Label: r.Name, Count: r.Count})
	}
	slog.Debug("WhapiService FetchPollResult succeeded", "pollID", pollID, "options", len(options))
	return options, nil
}

// post issues an authenticated JSON POST to the provider API.
func (s *WhapiService) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

// get issues an authenticated GET to the provider API.
func (s *WhapiService) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return s.do(req, out)
}

func (s *WhapiService) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount for the log without leaking provider
		// payloads into errors surfaced to users.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("WhapiService provider returned error status", "status", resp.StatusCode, "path", req.URL.Path, "body_length", len(snippet))
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
