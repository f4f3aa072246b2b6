// Package tracker provides external sync adapters for TicketPipe.
//
// This file implements the Trello REST adapter: one card per committed
// ticket, created on the list identified by the project's external id.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Constants for the Trello adapter.
const (
	// DefaultTrelloBaseURL is the Trello REST API base URL.
	DefaultTrelloBaseURL = "https://api.trello.com/1"
	// DefaultTrelloTimeout bounds card creation requests; a timed-out
	// mirror is a non-fatal sync failure.
	DefaultTrelloTimeout = 10 * time.Second
)

// TrelloOpts holds configuration options for the Trello adapter.
type TrelloOpts struct {
	BaseURL string
	Key     string
	Token   string
	Timeout time.Duration
}

// TrelloOption defines a configuration option for the Trello adapter.
type TrelloOption func(*TrelloOpts)

// WithBaseURL overrides the Trello API base URL (used in tests).
func WithBaseURL(baseURL string) TrelloOption {
	return func(o *TrelloOpts) { o.BaseURL = baseURL }
}

// WithKey sets the Trello API key.
func WithKey(key string) TrelloOption {
	return func(o *TrelloOpts) { o.Key = key }
}

// WithToken sets the Trello API token.
func WithToken(token string) TrelloOption {
	return func(o *TrelloOpts) { o.Token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) TrelloOption {
	return func(o *TrelloOpts) { o.Timeout = timeout }
}

// TrelloClient is a Tracker backed by the Trello REST API.
type TrelloClient struct {
	baseURL string
	key     string
	token   string
	client  *http.Client
}

// Compile-time check that TrelloClient implements Tracker.
var _ Tracker = (*TrelloClient)(nil)

// NewTrelloClient creates a Trello adapter from the given options.
func NewTrelloClient(opts ...TrelloOption) (*TrelloClient, error) {
	var cfg TrelloOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewTrelloClient invoked", "key_set", cfg.Key != "", "token_set", cfg.Token != "")
	if cfg.Key == "" || cfg.Token == "" {
		return nil, fmt.Errorf("trello key and token must be provided")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTrelloBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTrelloTimeout
	}
	return &TrelloClient{
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// CreateCard creates a card on the list identified by externalProjectID.
// All failures are logged and reported as false.
func (c *TrelloClient) CreateCard(ctx context.Context, externalProjectID string, card Card) bool {
	if externalProjectID == "" {
		return false
	}

	name := fmt.Sprintf("[%s] %s", card.Priority, truncate(card.Description, 80))
	desc := fmt.Sprintf("%s\n\nProject: %s\nPriority: %s\nReported by: %s",
		card.Description, card.Project, card.Priority, card.Reporter)

	form := url.Values{}
	form.Set("key", c.key)
	form.Set("token", c.token)
	form.Set("idList", externalProjectID)
	form.Set("name", name)
	form.Set("desc", desc)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cards", strings.NewReader(form.Encode()))
	if err != nil {
		slog.Error("TrelloClient failed to build card request", "error", err, "list", externalProjectID)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("TrelloClient card creation failed", "error", err, "list", externalProjectID)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("TrelloClient card creation rejected", "status", resp.StatusCode, "list", externalProjectID)
		return false
	}
	slog.Debug("TrelloClient card created", "list", externalProjectID, "project", card.Project)
	return true
}

// truncate shortens s to at most n runes for card titles.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
