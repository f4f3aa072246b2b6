package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/session"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/tracker"
)

type sentMessage struct {
	to      string
	body    string
	options []string
}

// fakeSender records outbound messages and can simulate send failures.
type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	pollID   string
	sendErr  error
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{to: to, body: body})
	return nil
}

func (f *fakeSender) SendChoicePrompt(ctx context.Context, to, body string, options []string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{to: to, body: body, options: options})
	return f.pollID, nil
}

func (f *fakeSender) FetchPollResult(ctx context.Context, pollID string) ([]models.PollOption, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSender) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeSender) last() sentMessage {
	msgs := f.sent()
	if len(msgs) == 0 {
		return sentMessage{}
	}
	return msgs[len(msgs)-1]
}

// fakeTracker records mirror attempts with a configurable outcome.
type fakeTracker struct {
	mu      sync.Mutex
	cards   []tracker.Card
	lists   []string
	succeed bool
}

func (f *fakeTracker) CreateCard(ctx context.Context, externalProjectID string, card tracker.Card) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, card)
	f.lists = append(f.lists, externalProjectID)
	return f.succeed
}

func newTestEngine(t *testing.T, trk tracker.Tracker) (*Engine, *fakeSender, *store.InMemoryStore, *session.MemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	ctx := context.Background()
	if err := st.UpsertProject(ctx, models.Project{Name: "Codefolio", ExternalID: "list-42"}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	if err := st.UpsertProject(ctx, models.Project{Name: "Atlas"}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	sessions := session.NewMemoryStore()
	sender := &fakeSender{}
	engine := NewEngine(sessions, st, sender, trk, Config{})
	return engine, sender, st, sessions
}

func interaction(conv, payload, messageID string) models.Interaction {
	return models.Interaction{
		ConversationID: conv,
		DisplayName:    "Dana",
		Kind:           models.InteractionText,
		Payload:        payload,
		MessageID:      messageID,
	}
}

func drive(t *testing.T, engine *Engine, conv string, payloads ...string) {
	t.Helper()
	for i, payload := range payloads {
		in := interaction(conv, payload, "")
		in.MessageID = conv + "-m" + string(rune('a'+i))
		if err := engine.HandleInteraction(context.Background(), in); err != nil {
			t.Fatalf("HandleInteraction(%q) failed: %v", payload, err)
		}
	}
}

func TestEngineFullFlowCommitsTicket(t *testing.T) {
	trk := &fakeTracker{succeed: true}
	engine, sender, st, sessions := newTestEngine(t, trk)
	ctx := context.Background()

	drive(t, engine, "conv-1",
		"hello",
		"Codefolio",
		"the deploy button does nothing when clicked",
		"High")

	tickets, err := st.GetTickets(ctx)
	if err != nil {
		t.Fatalf("GetTickets failed: %v", err)
	}
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	ticket := tickets[0]
	if ticket.Project != "Codefolio" || ticket.Priority != models.PriorityHigh {
		t.Errorf("ticket = %+v", ticket)
	}
	if ticket.Description != "the deploy button does nothing when clicked" {
		t.Errorf("ticket description = %q", ticket.Description)
	}
	if ticket.Reporter != "Dana" || ticket.ConversationID != "conv-1" {
		t.Errorf("ticket attribution = %+v", ticket)
	}
	if !ticket.ExternalSyncStatus {
		t.Error("successful mirror should set external_sync_status true")
	}

	if len(trk.cards) != 1 || trk.lists[0] != "list-42" {
		t.Errorf("tracker calls = %v %v", trk.cards, trk.lists)
	}

	// The flow is complete: no residual session.
	if sess, _ := sessions.Get(ctx, "conv-1"); sess != nil {
		t.Errorf("session still present after commit: %+v", sess)
	}

	last := sender.last()
	if !strings.Contains(last.body, "#") {
		t.Errorf("confirmation %q should reference the ticket id", last.body)
	}
}

func TestEngineSyncFailureIsNotFatal(t *testing.T) {
	trk := &fakeTracker{succeed: false}
	engine, sender, st, _ := newTestEngine(t, trk)
	ctx := context.Background()

	drive(t, engine, "conv-1",
		"hi",
		"Codefolio",
		"exports hang forever on large projects",
		"Medium")

	tickets, _ := st.GetTickets(ctx)
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	if tickets[0].ExternalSyncStatus {
		t.Error("failed mirror should leave external_sync_status false")
	}
	// The user still gets a confirmation, not an error.
	last := sender.last()
	if !strings.Contains(last.body, "filed") {
		t.Errorf("confirmation = %q", last.body)
	}
}

func TestEngineNoMirrorWithoutExternalID(t *testing.T) {
	trk := &fakeTracker{succeed: true}
	engine, _, st, _ := newTestEngine(t, trk)
	ctx := context.Background()

	drive(t, engine, "conv-1",
		"hi",
		"Atlas",
		"scheduled jobs never fire after midnight",
		"Low")

	tickets, _ := st.GetTickets(ctx)
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	if len(trk.cards) != 0 {
		t.Errorf("mirror attempted for project without external id: %v", trk.cards)
	}
	if tickets[0].ExternalSyncStatus {
		t.Error("external_sync_status should stay false without a mirror")
	}
}

// failingStore lets tests fail CreateTicket after the flow is underway.
type failingStore struct {
	*store.InMemoryStore
	createErr error
}

func (f *failingStore) CreateTicket(ctx context.Context, ticket *models.Ticket) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.InMemoryStore.CreateTicket(ctx, ticket)
}

func TestEnginePersistenceFailureClearsSession(t *testing.T) {
	st := &failingStore{InMemoryStore: store.NewInMemoryStore()}
	ctx := context.Background()
	if err := st.UpsertProject(ctx, models.Project{Name: "Codefolio"}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	sessions := session.NewMemoryStore()
	sender := &fakeSender{}
	engine := NewEngine(sessions, st, sender, nil, Config{})

	drive(t, engine, "conv-1",
		"hi",
		"Codefolio",
		"everything is on fire in production")

	// The database goes away between the description and the commit.
	st.createErr = errors.New("connection refused")

	err := engine.HandleInteraction(ctx, interaction("conv-1", "High", "m-final"))
	if err == nil {
		t.Fatal("commit should surface the persistence failure")
	}

	tickets, _ := st.GetTickets(ctx)
	if len(tickets) != 0 {
		t.Errorf("failed commit persisted %d tickets", len(tickets))
	}
	// Session was cleared with the commit attempt: the flow restarts.
	if sess, _ := sessions.Get(ctx, "conv-1"); sess != nil {
		t.Errorf("session retained after failed commit: %+v", sess)
	}
	last := sender.last()
	if !strings.Contains(last.body, "went wrong") {
		t.Errorf("failure message = %q", last.body)
	}
}

// boundedStore records, per persistence method, whether the call's
// context carried a deadline.
type boundedStore struct {
	*store.InMemoryStore
	mu        sync.Mutex
	deadlines map[string]bool
}

func (b *boundedStore) record(method string, ctx context.Context) {
	_, ok := ctx.Deadline()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadlines[method] = ok
}

func (b *boundedStore) CreateTicket(ctx context.Context, ticket *models.Ticket) (string, error) {
	b.record("CreateTicket", ctx)
	return b.InMemoryStore.CreateTicket(ctx, ticket)
}

func (b *boundedStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	b.record("ListProjects", ctx)
	return b.InMemoryStore.ListProjects(ctx)
}

func (b *boundedStore) LookupExternalProjectID(ctx context.Context, project string) (string, error) {
	b.record("LookupExternalProjectID", ctx)
	return b.InMemoryStore.LookupExternalProjectID(ctx, project)
}

func (b *boundedStore) SetSyncStatus(ctx context.Context, ticketID string, synced bool) error {
	b.record("SetSyncStatus", ctx)
	return b.InMemoryStore.SetSyncStatus(ctx, ticketID, synced)
}

func (b *boundedStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	b.record("RecordInbound", ctx)
	return b.InMemoryStore.RecordInbound(ctx, messageID, conversationID)
}

func (b *boundedStore) MarkProcessed(ctx context.Context, messageID string) error {
	b.record("MarkProcessed", ctx)
	return b.InMemoryStore.MarkProcessed(ctx, messageID)
}

// A hung database must never pin an interaction goroutine on the
// long-lived engine context: every persistence call gets its own
// deadline, not just CreateTicket.
func TestEnginePersistenceCallsAreBounded(t *testing.T) {
	st := &boundedStore{
		InMemoryStore: store.NewInMemoryStore(),
		deadlines:     make(map[string]bool),
	}
	ctx := context.Background()
	if err := st.UpsertProject(ctx, models.Project{Name: "Codefolio", ExternalID: "list-42"}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	sessions := session.NewMemoryStore()
	sender := &fakeSender{}
	engine := NewEngine(sessions, st, sender, &fakeTracker{succeed: true}, Config{})

	drive(t, engine, "conv-1",
		"hi",
		"Codefolio",
		"the audit log stops recording after rotation",
		"High")

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, method := range []string{
		"RecordInbound",
		"ListProjects",
		"CreateTicket",
		"LookupExternalProjectID",
		"SetSyncStatus",
		"MarkProcessed",
	} {
		bounded, called := st.deadlines[method]
		if !called {
			t.Errorf("%s was never called during the flow", method)
			continue
		}
		if !bounded {
			t.Errorf("%s ran without a deadline", method)
		}
	}
}

func TestEngineDropsDuplicateDeliveries(t *testing.T) {
	engine, sender, _, _ := newTestEngine(t, &fakeTracker{})
	ctx := context.Background()

	in := interaction("conv-1", "hello", "dup-1")
	if err := engine.HandleInteraction(ctx, in); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	before := len(sender.sent())

	if err := engine.HandleInteraction(ctx, in); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}
	if got := len(sender.sent()); got != before {
		t.Errorf("duplicate delivery produced %d extra sends", got-before)
	}
}

func TestEngineResetDiscardsSession(t *testing.T) {
	engine, sender, _, sessions := newTestEngine(t, &fakeTracker{})
	ctx := context.Background()

	drive(t, engine, "conv-1", "hi", "Codefolio")

	if err := engine.HandleInteraction(ctx, interaction("conv-1", "/reset", "m-reset")); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	sess, _ := sessions.Get(ctx, "conv-1")
	if sess == nil || sess.State != models.StateAwaitingProject {
		t.Fatalf("reset should restart the flow, session = %+v", sess)
	}
	if sess.Field(models.DataKeyProject) != "" {
		t.Errorf("reset retained project field %q", sess.Field(models.DataKeyProject))
	}

	msgs := sender.sent()
	if len(msgs) < 2 {
		t.Fatalf("expected reset notice plus project prompt, got %d messages", len(msgs))
	}
	notice := msgs[len(msgs)-2]
	if !strings.Contains(notice.body, "starting over") {
		t.Errorf("reset notice = %q", notice.body)
	}
}

func TestEngineExpiredSessionRestartsFlow(t *testing.T) {
	engine, sender, _, sessions := newTestEngine(t, &fakeTracker{})
	ctx := context.Background()

	drive(t, engine, "conv-1", "hi", "Codefolio")
	// Simulate the TTL passing.
	if err := sessions.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if err := engine.HandleInteraction(ctx, interaction("conv-1", "it crashes when I click export", "m-late")); err != nil {
		t.Fatalf("HandleInteraction failed: %v", err)
	}

	sess, _ := sessions.Get(ctx, "conv-1")
	if sess == nil || sess.State != models.StateAwaitingProject {
		t.Fatalf("expired conversation should restart, session = %+v", sess)
	}
	last := sender.last()
	if len(last.options) == 0 {
		t.Errorf("restart should re-prompt with project options, got %+v", last)
	}
}

func TestEngineRejectsEmptyInput(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, &fakeTracker{})
	ctx := context.Background()

	if err := engine.HandleInteraction(ctx, interaction("", "hello", "")); !errors.Is(err, models.ErrEmptyConversationID) {
		t.Errorf("missing conversation id error = %v", err)
	}
	if err := engine.HandleInteraction(ctx, interaction("conv-1", "   ", "")); !errors.Is(err, models.ErrEmptyPayload) {
		t.Errorf("blank payload error = %v", err)
	}
}

func TestEngineCachesPollOptions(t *testing.T) {
	engine, sender, _, sessions := newTestEngine(t, &fakeTracker{})
	sender.pollID = "poll-99"
	ctx := context.Background()

	drive(t, engine, "conv-1", "hi")

	options, err := sessions.PollOptions(ctx, "poll-99")
	if err != nil {
		t.Fatalf("PollOptions failed: %v", err)
	}
	if len(options) != 2 {
		t.Errorf("cached options = %v, want the project set", options)
	}
}

func TestEngineRunConsumesChannel(t *testing.T) {
	engine, sender, st, _ := newTestEngine(t, &fakeTracker{succeed: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interactions := make(chan models.Interaction, 8)
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, interactions)
		close(done)
	}()

	for i, payload := range []string{"hi", "Codefolio", "the search index returns stale results", "Low"} {
		interactions <- interaction("conv-run", payload, "run-m"+string(rune('a'+i)))
		// Sequential deliveries for one conversation are serialized by
		// the session store, but the test feeds them one at a time to
		// keep ordering deterministic.
		waitFor(t, func() bool { return len(sender.sent()) > i })
	}

	waitFor(t, func() bool {
		tickets, _ := st.GetTickets(context.Background())
		return len(tickets) == 1
	})

	close(interactions)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after channel close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
