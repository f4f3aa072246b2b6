// Package store provides persistence backends for TicketPipe.
//
// This file implements the SQLite-backed store for tickets, projects and
// inbound deduplication.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration.
const (
	// DefaultDirPermissions defines the default permissions for database directories.
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a SQLite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is
// a file path; the containing directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// CreateTicket validates the project, assigns a ticket id and persists the
// ticket.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *models.Ticket) (string, error) {
	if err := validateTicketProject(ctx, s.db, `SELECT name FROM projects WHERE name = ?`, t); err != nil {
		return "", err
	}

	id := uuid.NewString()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, project, reporter, description, priority, conversation_id, external_sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.Project, t.Reporter, t.Description, string(t.Priority), t.ConversationID, t.ExternalSyncStatus, createdAt)
	if err != nil {
		slog.Error("SQLiteStore CreateTicket failed", "error", err, "project", t.Project, "conversationID", t.ConversationID)
		return "", fmt.Errorf("failed to insert ticket for %s: %w", t.ConversationID, err)
	}
	slog.Debug("SQLiteStore CreateTicket succeeded", "ticketID", id, "project", t.Project)
	return id, nil
}

// GetTickets retrieves all stored tickets, newest first.
func (s *SQLiteStore) GetTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, reporter, description, priority, conversation_id, external_sync_status, created_at
		FROM tickets ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore GetTickets query failed", "error", err)
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// SetSyncStatus records the external mirror outcome for a ticket.
func (s *SQLiteStore) SetSyncStatus(ctx context.Context, ticketID string, synced bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET external_sync_status = ? WHERE id = ?`, synced, ticketID)
	if err != nil {
		slog.Error("SQLiteStore SetSyncStatus failed", "error", err, "ticketID", ticketID)
		return fmt.Errorf("failed to set sync status for %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s not found", ticketID)
	}
	slog.Debug("SQLiteStore SetSyncStatus succeeded", "ticketID", ticketID, "synced", synced)
	return nil
}

// ListProjects returns the known project set in name order.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, COALESCE(external_id, '') FROM projects ORDER BY name`)
	if err != nil {
		slog.Error("SQLiteStore ListProjects query failed", "error", err)
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// LookupExternalProjectID returns the external tracker identifier for a
// project, or "" when none is configured.
func (s *SQLiteStore) LookupExternalProjectID(ctx context.Context, project string) (string, error) {
	var externalID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT external_id FROM projects WHERE name = ?`, project).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore LookupExternalProjectID failed", "error", err, "project", project)
		return "", fmt.Errorf("failed to look up external id for %s: %w", project, err)
	}
	return externalID.String, nil
}

// UpsertProject inserts or updates an entry of the known project set.
func (s *SQLiteStore) UpsertProject(ctx context.Context, p models.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, external_id) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET external_id = excluded.external_id`,
		p.Name, nilIfEmpty(p.ExternalID))
	if err != nil {
		slog.Error("SQLiteStore UpsertProject failed", "error", err, "project", p.Name)
		return fmt.Errorf("failed to upsert project %s: %w", p.Name, err)
	}
	slog.Debug("SQLiteStore UpsertProject succeeded", "project", p.Name, "external_set", p.ExternalID != "")
	return nil
}

// IsDuplicate checks if a message id has already been recorded.
func (s *SQLiteStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
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
func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)`,
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
func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Ping verifies SQLite connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
