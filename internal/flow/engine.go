package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/gateway"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/session"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/tracker"
)

// Constants for engine configuration defaults.
const (
	// DefaultSendTimeout bounds one outbound message send.
	DefaultSendTimeout = 10 * time.Second
	// DefaultCommitTimeout bounds one persistence gateway call.
	DefaultCommitTimeout = 10 * time.Second
)

// Config holds the tunable parameters of the flow engine.
type Config struct {
	// SessionTTL is the sliding expiration window for idle sessions.
	SessionTTL time.Duration
	// MinDescriptionLength is the minimum accepted description length.
	MinDescriptionLength int
	// SendTimeout bounds outbound sends and mirror attempts.
	SendTimeout time.Duration
	// CommitTimeout bounds each persistence gateway call.
	CommitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = models.DefaultSessionTTL
	}
	if c.MinDescriptionLength <= 0 {
		c.MinDescriptionLength = models.MinDescriptionLength
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
}

// Engine drives the intake flow: it consumes normalized interactions,
// transitions per-conversation sessions and executes the resulting
// effects (prompts, ticket commit, external mirror).
type Engine struct {
	sessions session.Store
	store    store.Store
	sender   gateway.Sender
	tracker  tracker.Tracker
	cfg      Config
}

// NewEngine creates a flow engine. A nil tracker disables mirroring.
func NewEngine(sessions session.Store, st store.Store, sender gateway.Sender, trk tracker.Tracker, cfg Config) *Engine {
	cfg.applyDefaults()
	if trk == nil {
		trk = tracker.Noop{}
	}
	slog.Debug("NewEngine invoked", "sessionTTL", cfg.SessionTTL, "minDescriptionLength", cfg.MinDescriptionLength)
	return &Engine{
		sessions: sessions,
		store:    st,
		sender:   sender,
		tracker:  trk,
		cfg:      cfg,
	}
}

// Run consumes interactions until the channel closes or ctx is
// canceled. Each interaction is handled on its own goroutine; the
// session store serializes handling per conversation.
func (e *Engine) Run(ctx context.Context, interactions <-chan models.Interaction) {
	slog.Info("Engine run loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine run loop stopped", "reason", ctx.Err())
			return
		case in, ok := <-interactions:
			if !ok {
				slog.Info("Engine run loop stopped", "reason", "interaction channel closed")
				return
			}
			go func(in models.Interaction) {
				if err := e.HandleInteraction(ctx, in); err != nil {
					slog.Error("Engine interaction handling failed", "error", err, "conversationID", in.ConversationID)
				}
			}(in)
		}
	}
}

// HandleInteraction processes one normalized inbound interaction:
// duplicate suppression, the state transition under the per-key
// critical section, then effect execution.
func (e *Engine) HandleInteraction(ctx context.Context, in models.Interaction) error {
	if in.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	if strings.TrimSpace(in.Payload) == "" {
		return models.ErrEmptyPayload
	}
	slog.Debug("Engine handling interaction", "conversationID", in.ConversationID, "kind", in.Kind, "messageID", in.MessageID)

	if in.MessageID != "" {
		dedupCtx, cancel := e.persistCtx(ctx)
		fresh, err := e.store.RecordInbound(dedupCtx, in.MessageID, in.ConversationID)
		cancel()
		if err != nil {
			slog.Warn("Engine dedup record failed, processing anyway", "error", err, "messageID", in.MessageID)
		} else if !fresh {
			slog.Debug("Engine dropped duplicate interaction", "messageID", in.MessageID, "conversationID", in.ConversationID)
			return nil
		}
	}

	listCtx, cancelList := e.persistCtx(ctx)
	projects, err := e.store.ListProjects(listCtx)
	cancelList()
	if err != nil {
		slog.Error("Engine failed to load project set", "error", err, "conversationID", in.ConversationID)
		e.sendText(ctx, in.ConversationID, persistenceFailureMessage())
		return fmt.Errorf("failed to load project set: %w", err)
	}
	names := models.ProjectNames(projects)

	var effects []Effect
	update := func(current *models.Session) (*models.Session, error) {
		next, eff := Transition(current, in, names, e.cfg.MinDescriptionLength)
		effects = eff
		return next, nil
	}
	if IsResetCommand(in.Payload) {
		update = func(current *models.Session) (*models.Session, error) {
			next, eff := Transition(nil, in, names, e.cfg.MinDescriptionLength)
			effects = eff
			if current != nil {
				effects = append([]Effect{textEffect(resetNotice())}, eff...)
			}
			return next, nil
		}
	}
	if err := e.sessions.Update(ctx, in.ConversationID, e.cfg.SessionTTL, update); err != nil {
		slog.Error("Engine session update failed", "error", err, "conversationID", in.ConversationID)
		e.sendText(ctx, in.ConversationID, persistenceFailureMessage())
		return fmt.Errorf("failed to update session for %s: %w", in.ConversationID, err)
	}

	var firstErr error
	for _, eff := range effects {
		if err := e.execute(ctx, in, eff); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if in.MessageID != "" {
		markCtx, cancel := e.persistCtx(ctx)
		if err := e.store.MarkProcessed(markCtx, in.MessageID); err != nil {
			slog.Warn("Engine failed to mark message processed", "error", err, "messageID", in.MessageID)
		}
		cancel()
	}
	return firstErr
}

// persistCtx bounds one persistence gateway call. A hung database must
// not pin the interaction goroutine on the long-lived engine context.
func (e *Engine) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CommitTimeout)
}

// execute runs one effect. Send failures after a successful transition
// are logged and returned but never roll the session back; the user can
// always continue or reset.
func (e *Engine) execute(ctx context.Context, in models.Interaction, eff Effect) error {
	switch eff.Kind {
	case EffectSendText:
		return e.sendText(ctx, in.ConversationID, eff.Body)
	case EffectSendChoicePrompt:
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
		pollID, err := e.sender.SendChoicePrompt(sendCtx, in.ConversationID, eff.Body, eff.Options)
		if err != nil {
			slog.Warn("Engine choice prompt send failed", "error", err, "conversationID", in.ConversationID)
			return fmt.Errorf("failed to send choice prompt to %s: %w", in.ConversationID, err)
		}
		if pollID != "" {
			if err := e.sessions.CachePollOptions(ctx, pollID, eff.Options, e.cfg.SessionTTL); err != nil {
				slog.Warn("Engine failed to cache poll options", "error", err, "pollID", pollID)
			}
		}
		return nil
	case EffectCommitTicket:
		return e.commit(ctx, in, eff.Draft)
	default:
		return fmt.Errorf("unknown effect kind: %s", eff.Kind)
	}
}

// commit persists the completed ticket, then best-effort mirrors it to
// the external tracker and records the mirror outcome. Only the
// persistence step can fail the commit; the session was already cleared
// by the transition, so a failed commit restarts the flow.
func (e *Engine) commit(ctx context.Context, in models.Interaction, draft *models.Ticket) error {
	commitCtx, cancel := e.persistCtx(ctx)
	defer cancel()
	ticketID, err := e.store.CreateTicket(commitCtx, draft)
	if err != nil {
		slog.Error("Engine ticket commit failed", "error", err, "conversationID", in.ConversationID, "project", draft.Project)
		e.sendText(ctx, in.ConversationID, persistenceFailureMessage())
		return fmt.Errorf("failed to commit ticket for %s: %w", in.ConversationID, err)
	}

	mirrored := false
	synced := false
	lookupCtx, cancelLookup := e.persistCtx(ctx)
	externalID, err := e.store.LookupExternalProjectID(lookupCtx, draft.Project)
	cancelLookup()
	if err != nil {
		slog.Warn("Engine external project lookup failed", "error", err, "project", draft.Project)
	} else if externalID != "" {
		mirrored = true
		syncCtx, cancelSync := context.WithTimeout(ctx, e.cfg.SendTimeout)
		synced = e.tracker.CreateCard(syncCtx, externalID, tracker.Card{
			Project:     draft.Project,
			Description: draft.Description,
			Priority:    draft.Priority,
			Reporter:    draft.Reporter,
		})
		cancelSync()
		statusCtx, cancelStatus := e.persistCtx(ctx)
		if err := e.store.SetSyncStatus(statusCtx, ticketID, synced); err != nil {
			slog.Warn("Engine failed to record sync status", "error", err, "ticketID", ticketID)
		}
		cancelStatus()
	}

	slog.Info("Engine ticket committed", "ticketID", ticketID, "project", draft.Project, "priority", draft.Priority, "mirrored", mirrored, "synced", synced)
	return e.sendText(ctx, in.ConversationID, confirmationMessage(ticketID, mirrored, synced))
}

// sendText sends a plain text message with the configured timeout.
func (e *Engine) sendText(ctx context.Context, to, body string) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := e.sender.SendText(sendCtx, to, body); err != nil {
		slog.Warn("Engine text send failed", "error", err, "conversationID", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}
