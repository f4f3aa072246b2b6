package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// validateTicketProject runs the ticket's field validation and confirms the
// project is a member of the known project set at commit time.
func validateTicketProject(ctx context.Context, db *sql.DB, lookupQuery string, t *models.Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var name string
	err := db.QueryRowContext(ctx, lookupQuery, t.Project).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrUnknownProject, t.Project)
	}
	if err != nil {
		return fmt.Errorf("failed to verify project %s: %w", t.Project, err)
	}
	return nil
}

// scanTickets scans ticket rows.
func scanTickets(rows *sql.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		var t models.Ticket
		var priority string
		if err := rows.Scan(&t.ID, &t.Project, &t.Reporter, &t.Description, &priority, &t.ConversationID, &t.ExternalSyncStatus, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket failed: %w", err)
		}
		t.Priority = models.Priority(priority)
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ticket rows: %w", err)
	}
	return tickets, nil
}

// scanProjects scans project rows.
func scanProjects(rows *sql.Rows) ([]models.Project, error) {
	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.Name, &p.ExternalID); err != nil {
			return nil, fmt.Errorf("scan project failed: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate project rows: %w", err)
	}
	return projects, nil
}
