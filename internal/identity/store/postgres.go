package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	"trustcore/internal/platform/postgres"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
	txcontext "trustcore/pkg/platform/tx"
)

// PostgresStore persists identities in the identities table. Execute locks
// the row with SELECT ... FOR UPDATE for the duration of the callback.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) queryer(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, identity *models.Identity) error {
	row, err := toRow(identity)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO identities (id, fingerprint_value, roles, tags, created_at, ip_provenance, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.queryer(ctx).ExecContext(ctx, query,
		row.id, row.fingerprint, pq.Array(row.roles), row.tags, row.createdAt, row.provenance, row.metadata)
	if err != nil {
		return fmt.Errorf("insert identity: %w", postgres.ClassifyError(err))
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error) {
	return s.find(ctx, s.queryer(ctx), identityID, false)
}

// Exists reports whether an identity is stored.
func (s *PostgresStore) Exists(ctx context.Context, identityID id.IdentityID) (bool, error) {
	var exists bool
	err := s.queryer(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, uuid.UUID(identityID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Execute(ctx context.Context, identityID id.IdentityID, validate func(*models.Identity) error, mutate func(*models.Identity)) (*models.Identity, error) {
	var result *models.Identity
	err := txcontext.Run(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.find(ctx, tx, identityID, true)
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(current); err != nil {
				return err
			}
		}
		if mutate != nil {
			mutate(current)
		}
		row, err := toRow(current)
		if err != nil {
			return err
		}
		query := `
			UPDATE identities
			SET roles = $2, tags = $3, ip_provenance = $4, metadata = $5
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, query,
			row.id, pq.Array(row.roles), row.tags, row.provenance, row.metadata); err != nil {
			return fmt.Errorf("update identity: %w", postgres.ClassifyError(err))
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, postgres.ClassifyError(err)
	}
	return result, nil
}

func (s *PostgresStore) find(ctx context.Context, q queryer, identityID id.IdentityID, forUpdate bool) (*models.Identity, error) {
	query := `
		SELECT id, fingerprint_value, roles, tags, created_at, ip_provenance, metadata
		FROM identities
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		rawID      uuid.UUID
		roles      []string
		identity   models.Identity
		tags       []byte
		provenance []byte
		metadata   []byte
	)
	err := q.QueryRowContext(ctx, query, uuid.UUID(identityID)).Scan(
		&rawID, &identity.FingerprintValue, pq.Array(&roles), &tags, &identity.CreatedAt, &provenance, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("select identity: %w", postgres.ClassifyError(err))
	}
	identity.ID = id.IdentityID(rawID)
	identity.Roles = make([]authz.Role, 0, len(roles))
	for _, r := range roles {
		identity.Roles = append(identity.Roles, authz.Role(r))
	}
	if err := json.Unmarshal(tags, &identity.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(provenance, &identity.IPProvenance); err != nil {
		return nil, fmt.Errorf("decode ip provenance: %w", err)
	}
	if err := json.Unmarshal(metadata, &identity.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &identity, nil
}

type identityRow struct {
	id          uuid.UUID
	fingerprint string
	roles       []string
	tags        []byte
	createdAt   time.Time
	provenance  []byte
	metadata    []byte
}

func toRow(identity *models.Identity) (identityRow, error) {
	roles := make([]string, 0, len(identity.Roles))
	for _, r := range identity.Roles {
		roles = append(roles, string(r))
	}
	tags, err := json.Marshal(nonNil(identity.Tags))
	if err != nil {
		return identityRow{}, fmt.Errorf("encode tags: %w", err)
	}
	provenance, err := json.Marshal(identity.IPProvenance)
	if err != nil {
		return identityRow{}, fmt.Errorf("encode ip provenance: %w", err)
	}
	metadata, err := json.Marshal(nonNil(identity.Metadata))
	if err != nil {
		return identityRow{}, fmt.Errorf("encode metadata: %w", err)
	}
	return identityRow{
		id:          uuid.UUID(identity.ID),
		fingerprint: identity.FingerprintValue,
		roles:       roles,
		tags:        tags,
		createdAt:   identity.CreatedAt,
		provenance:  provenance,
		metadata:    metadata,
	}, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
