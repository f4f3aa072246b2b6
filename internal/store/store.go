// Package store provides the persistence gateway for TicketPipe.
//
// It owns ticket identity assignment and the known project set, with
// PostgreSQL, SQLite and in-memory backends selected by DSN.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Store defines the persistence operations consumed by the flow engine and
// the HTTP API. Any error from these methods is fatal to the current flow
// attempt, never to the process.
type Store interface {
	DedupRepo

	// CreateTicket validates the ticket against the known project set,
	// assigns its identity, and persists it. Returns the assigned id.
	CreateTicket(ctx context.Context, t *models.Ticket) (string, error)

	// GetTickets retrieves all stored tickets, newest first.
	GetTickets(ctx context.Context) ([]models.Ticket, error)

	// SetSyncStatus records the external mirror outcome for a ticket. It
	// never modifies ticket content.
	SetSyncStatus(ctx context.Context, ticketID string, synced bool) error

	// ListProjects returns the known project set in name order.
	ListProjects(ctx context.Context) ([]models.Project, error)

	// LookupExternalProjectID returns the external tracker identifier for a
	// project, or "" when the project has no mirror configured.
	LookupExternalProjectID(ctx context.Context, project string) (string, error)

	// UpsertProject inserts or updates an entry of the known project set.
	UpsertProject(ctx context.Context, p models.Project) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL is
// recognized by URL scheme or key=value connection string; everything else
// is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
