// Package gateway provides messaging-gateway transports for TicketPipe.
//
// This file implements an outbound-only Twilio WhatsApp transport. Twilio
// has no stateful choice messages, so prompts degrade to numbered text; the
// transport emits no inbound interactions of its own.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioOpts holds configuration options for the Twilio transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // WhatsApp sender in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the Twilio WhatsApp sender number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioService implements Service using the Twilio REST API.
type TwilioService struct {
	client       *twilio.RestClient
	fromNumber   string
	interactions chan models.Interaction
	mu           sync.RWMutex
	stopped      bool
}

// NewTwilioService creates a Twilio transport from the given options.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewTwilioService config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioService{
		client:       client,
		fromNumber:   cfg.FromNumber,
		interactions: make(chan models.Interaction, DefaultChannelBufferSize),
	}, nil
}

// canonicalizeRecipient validates a recipient and reduces it to digits.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Start is a no-op for the outbound-only Twilio transport.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the (unused) interaction channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.interactions)
	return nil
}

// Interactions returns an empty channel; Twilio inbound is not wired.
func (s *TwilioService) Interactions() <-chan models.Interaction {
	return s.interactions
}

// SendText sends a WhatsApp message via the Twilio REST API.
func (s *TwilioService) SendText(ctx context.Context, to, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := canonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonicalTo)
	params.SetFrom(s.fromNumber)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioService SendText failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	slog.Debug("TwilioService SendText succeeded", "to", canonicalTo, "body_length", len(body))
	return nil
}

// SendChoicePrompt degrades the prompt to numbered text.
func (s *TwilioService) SendChoicePrompt(ctx context.Context, to, body string, options []string) (string, error) {
	var b strings.Builder
	b.WriteString(body)
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	if err := s.SendText(ctx, to, b.String()); err != nil {
		return "", err
	}
	return "", nil
}

// FetchPollResult is unsupported on the Twilio transport.
func (s *TwilioService) FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error) {
	return nil, ErrPollsUnsupported
}
