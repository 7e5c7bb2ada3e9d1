package postgres

import (
	"context"
	"database/sql"
	"fmt"

	id "trustcore/pkg/domain"
	audit "trustcore/pkg/platform/audit"
	txcontext "trustcore/pkg/platform/tx"

	"github.com/google/uuid"
)

// Store implements audit.Store on the audit_events table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execer joins the caller's transaction when one is in flight so audit rows
// commit or roll back with the change they describe.
func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	var identityID *uuid.UUID
	if !event.IdentityID.IsNil() {
		iid := uuid.UUID(event.IdentityID)
		identityID = &iid
	}

	query := `
		INSERT INTO audit_events (
			id, category, timestamp, identity_id, subject, action,
			reason, ip, request_id, actor_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.New(),
		string(category),
		event.Timestamp,
		identityID,
		event.Subject,
		event.Action,
		event.Reason,
		event.IP,
		event.RequestID,
		event.ActorID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByIdentity returns events for an identity, oldest first.
func (s *Store) ListByIdentity(ctx context.Context, identityID id.IdentityID) ([]audit.Event, error) {
	query := `
		SELECT category, timestamp, identity_id, subject, action,
			   reason, ip, request_id, actor_id
		FROM audit_events
		WHERE identity_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(identityID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			category   string
			event      audit.Event
			identityID *uuid.UUID
		)
		err := rows.Scan(
			&category,
			&event.Timestamp,
			&identityID,
			&event.Subject,
			&event.Action,
			&event.Reason,
			&event.IP,
			&event.RequestID,
			&event.ActorID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		if identityID != nil {
			event.IdentityID = id.IdentityID(*identityID)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
