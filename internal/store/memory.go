// Package store provides persistence backends for TicketPipe.
//
// This file implements an in-memory store used for tests and local
// development without a database.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a map-backed Store implementation.
type InMemoryStore struct {
	mu       sync.Mutex
	tickets  map[string]models.Ticket
	projects map[string]models.Project
	dedup    map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("Creating in-memory persistence store")
	return &InMemoryStore{
		tickets:  make(map[string]models.Ticket),
		projects: make(map[string]models.Project),
		dedup:    make(map[string]DedupRecord),
	}
}

// CreateTicket validates the project, assigns a ticket id and stores the
// ticket.
func (s *InMemoryStore) CreateTicket(ctx context.Context, t *models.Ticket) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[t.Project]; !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownProject, t.Project)
	}
	id := uuid.NewString()
	stored := *t
	stored.ID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.tickets[id] = stored
	return id, nil
}

// GetTickets retrieves all stored tickets, newest first.
func (s *InMemoryStore) GetTickets(ctx context.Context) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tickets := make([]models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.After(tickets[j].CreatedAt) })
	return tickets, nil
}

// SetSyncStatus records the external mirror outcome for a ticket.
func (s *InMemoryStore) SetSyncStatus(ctx context.Context, ticketID string, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	t.ExternalSyncStatus = synced
	s.tickets[ticketID] = t
	return nil
}

// ListProjects returns the known project set in name order.
func (s *InMemoryStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// LookupExternalProjectID returns the external tracker identifier for a
// project, or "" when none is configured.
func (s *InMemoryStore) LookupExternalProjectID(ctx context.Context, project string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[project].ExternalID, nil
}

// UpsertProject inserts or updates an entry of the known project set.
func (s *InMemoryStore) UpsertProject(ctx context.Context, p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.Name] = p
	return nil
}

// IsDuplicate checks if a message id has already been recorded.
func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

// RecordInbound inserts a new inbound message record. Returns false if the
// message was already recorded.
func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReceivedAt:     time.Now(),
	}
	return true, nil
}

// MarkProcessed sets the processed_at timestamp for a message.
func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return fmt.Errorf("message %s not recorded", messageID)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
