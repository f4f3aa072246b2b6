// Package store provides persistence backends for TicketPipe.
//
// This file implements the PostgreSQL-backed store for tickets, projects
// and inbound deduplication.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// CreateTicket validates the project, assigns a ticket id and persists the
// ticket.
func (s *PostgresStore) CreateTicket(ctx context.Context, t *models.Ticket) (string, error) {
	if err := validateTicketProject(ctx, s.db, `SELECT name FROM projects WHERE name = $1`, t); err != nil {
		return "", err
	}

	id := uuid.NewString()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, project, reporter, description, priority, conversation_id, external_sync_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, t.Project, t.Reporter, t.Description, string(t.Priority), t.ConversationID, t.ExternalSyncStatus, createdAt)
	if err != nil {
		slog.Error("PostgresStore CreateTicket failed", "error", err, "project", t.Project, "conversationID", t.ConversationID)
		return "", fmt.Errorf("failed to insert ticket for %s: %w", t.ConversationID, err)
	}
	slog.Debug("PostgresStore CreateTicket succeeded", "ticketID", id, "project", t.Project)
	return id, nil
}

// GetTickets retrieves all stored tickets, newest first.
func (s *PostgresStore) GetTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, reporter, description, priority, conversation_id, external_sync_status, created_at
		FROM tickets ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore GetTickets query failed", "error", err)
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// SetSyncStatus records the external mirror outcome for a ticket.
func (s *PostgresStore) SetSyncStatus(ctx context.Context, ticketID string, synced bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET external_sync_status = $1 WHERE id = $2`, synced, ticketID)
	if err != nil {
		slog.Error("PostgresStore SetSyncStatus failed", "error", err, "ticketID", ticketID)
		return fmt.Errorf("failed to set sync status for %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	slog.Debug("PostgresStore SetSyncStatus succeeded", "ticketID", ticketID, "synced", synced)
	return nil
}

// ListProjects returns the known project set in name order.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, COALESCE(external_id, '') FROM projects ORDER BY name`)
	if err != nil {
		slog.Error("PostgresStore ListProjects query failed", "error", err)
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// LookupExternalProjectID returns the external tracker identifier for a
// project, or "" when none is configured.
func (s *PostgresStore) LookupExternalProjectID(ctx context.Context, project string) (string, error) {
	var externalID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT external_id FROM projects WHERE name = $1`, project).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore LookupExternalProjectID failed", "error", err, "project", project)
		return "", fmt.Errorf("failed to look up external id for %s: %w", project, err)
	}
	return externalID.String, nil
}

// UpsertProject inserts or updates an entry of the known project set.
func (s *PostgresStore) UpsertProject(ctx context.Context, p models.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, external_id) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET external_id = EXCLUDED.external_id`,
		p.Name, nilIfEmpty(p.ExternalID))
	if err != nil {
		slog.Error("PostgresStore UpsertProject failed", "error", err, "project", p.Name)
		return fmt.Errorf("failed to upsert project %s: %w", p.Name, err)
	}
	slog.Debug("PostgresStore UpsertProject succeeded", "project", p.Name, "external_set", p.ExternalID != "")
	return nil
}

// IsDuplicate checks if a message id has already been recorded.
func (s *PostgresStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound inserts a new inbound message record. Returns false if the
// message was already recorded.
func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_dedup (message_id, conversation_id, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed sets the processed_at timestamp for a message.
func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Ping verifies PostgreSQL connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
