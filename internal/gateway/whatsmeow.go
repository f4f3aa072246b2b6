// Package gateway provides messaging-gateway transports for TicketPipe.
//
// This file implements a direct WhatsApp transport over the Whatsmeow
// client: socket-delivered events instead of webhooks, with QR or numeric
// code login on first run.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for the Whatsmeow transport.
const (
	// DefaultWhatsmeowDBPath is the default path for the Whatsmeow SQLite database.
	DefaultWhatsmeowDBPath = "/var/lib/ticketpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsmeowOpts holds configuration options for the Whatsmeow transport.
type WhatsmeowOpts struct {
	DBDSN       string // Whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// WhatsmeowOption defines a configuration option for the Whatsmeow transport.
type WhatsmeowOption func(*WhatsmeowOpts)

// WithWhatsmeowDBDSN sets the Whatsmeow session database connection string.
func WithWhatsmeowDBDSN(dsn string) WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the transport to write the login QR code to the given path.
func WithQRCodeOutput(path string) WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.QRPath = path }
}

// WithNumericCode instructs the transport to use a numeric login code instead of a QR code.
func WithNumericCode() WhatsmeowOption {
	return func(o *WhatsmeowOpts) { o.NumericCode = true }
}

// WhatsmeowService implements Service over a direct Whatsmeow connection.
// Choice prompts are degraded to numbered text; selections come back as
// plain text replies, so FetchPollResult is unsupported on this transport.
type WhatsmeowService struct {
	client       *whatsmeow.Client
	interactions chan models.Interaction
	mu           sync.RWMutex
	stopped      bool
}

// NewWhatsmeowService creates and connects a Whatsmeow transport, running
// the QR or numeric login flow when no stored session exists.
func NewWhatsmeowService(opts ...WhatsmeowOption) (*WhatsmeowService, error) {
	var cfg WhatsmeowOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewWhatsmeowService options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsmeowDBPath
		slog.Debug("No Whatsmeow database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize Whatsmeow DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize whatsmeow database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from whatsmeow store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)

	if client.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := client.GetQRChannel(context.Background())
		if err := client.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := client.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("Whatsmeow transport connected")

	return &WhatsmeowService{
		client:       client,
		interactions: make(chan models.Interaction, DefaultChannelBufferSize),
	}, nil
}

// Start registers the event handler that converts incoming messages into
// Interactions.
func (s *WhatsmeowService) Start(ctx context.Context) error {
	slog.Debug("WhatsmeowService Start invoked")
	s.client.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		s.handleMessage(msg)
	})
	return nil
}

// Stop disconnects the client and closes the interaction channel.
func (s *WhatsmeowService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.client.Disconnect()
	close(s.interactions)
	slog.Info("WhatsmeowService stopped")
	return nil
}

// Interactions returns the channel of normalized inbound interactions.
func (s *WhatsmeowService) Interactions() <-chan models.Interaction {
	return s.interactions
}

// handleMessage reduces a socket event to a text Interaction. Self-sent
// events and non-text payloads are dropped, mirroring the webhook
// normalizer's rules.
func (s *WhatsmeowService) handleMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var body string
	if evt.Message.Conversation != nil {
		body = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		body = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsmeowService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	displayName := strings.TrimSpace(evt.Info.PushName)
	if displayName == "" {
		displayName = models.DefaultDisplayName
	}

	in := models.Interaction{
		ConversationID: evt.Info.Sender.User,
		DisplayName:    displayName,
		Kind:           models.InteractionText,
		Payload:        body,
		MessageID:      string(evt.Info.ID),
		Timestamp:      evt.Info.Timestamp,
	}

	// Hold the read lock across the send so Stop cannot close the
	// channel mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.interactions <- in:
		slog.Debug("WhatsmeowService interaction forwarded", "conversationID", in.ConversationID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsmeowService interactions channel blocked, dropping", "conversationID", in.ConversationID, "timeout", DefaultChannelTimeout)
	}
}

// SendText sends a plain text WhatsApp message.
func (s *WhatsmeowService) SendText(ctx context.Context, to, body string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsmeowService SendText failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsmeowService SendText succeeded", "to", to)
	return nil
}

// SendChoicePrompt degrades the prompt to numbered text; the user answers
// with the option label as a plain text reply. The numbers are display
// only; the flow validates against labels.
func (s *WhatsmeowService) SendChoicePrompt(ctx context.Context, to, body string, options []string) (string, error) {
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

// FetchPollResult is unsupported on the direct transport.
func (s *WhatsmeowService) FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error) {
	return nil, ErrPollsUnsupported
}
