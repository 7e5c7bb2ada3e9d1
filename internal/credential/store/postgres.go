package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustcore/internal/credential/models"
	"trustcore/internal/platform/postgres"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
	txcontext "trustcore/pkg/platform/tx"
)

// PostgresStore keeps credentials in the credentials table. The partial
// unique index credentials_one_active_per_owner backs the single active key
// rule at the database level.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) queryer(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const credentialColumns = `id, owner_identity_id, key_prefix, secret_hash, active, issued_at, revoked_at`

// Rotate locks the owner's identity row so concurrent rotations for the same
// owner serialize instead of racing on the partial unique index.
func (s *PostgresStore) Rotate(ctx context.Context, next *models.Credential, now time.Time, guard func(issued int) error) (int, error) {
	var deactivated int64
	err := txcontext.Run(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var owner uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM identities WHERE id = $1 FOR UPDATE`,
			uuid.UUID(next.OwnerIdentityID)).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}

		if guard != nil {
			var issued int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM credentials WHERE owner_identity_id = $1`, owner).Scan(&issued)
			if err != nil {
				return fmt.Errorf("count credentials: %w", err)
			}
			if err := guard(issued); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE credentials
			SET active = FALSE, revoked_at = COALESCE(revoked_at, $2)
			WHERE owner_identity_id = $1 AND active
		`, owner, now)
		if err != nil {
			return fmt.Errorf("deactivate credentials: %w", err)
		}
		if deactivated, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("deactivate credentials: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (`+credentialColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.UUID(next.ID), owner, next.KeyPrefix, next.SecretHash, next.Active, next.IssuedAt, next.RevokedAt)
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, postgres.ClassifyError(err)
	}
	return int(deactivated), nil
}

func (s *PostgresStore) FindByPrefix(ctx context.Context, prefix string) (*models.Credential, error) {
	return s.findByPrefix(ctx, s.queryer(ctx), prefix, false)
}

func (s *PostgresStore) Execute(ctx context.Context, prefix string, validate func(*models.Credential) error, mutate func(*models.Credential)) (*models.Credential, error) {
	var result *models.Credential
	err := txcontext.Run(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.findByPrefix(ctx, tx, prefix, true)
		if err != nil {
			return err
		}
		wasActive := current.Active
		if validate != nil {
			if err := validate(current); err != nil {
				return err
			}
		}
		if mutate != nil {
			mutate(current)
		}
		if current.Active && !wasActive {
			return fmt.Errorf("%w: credentials cannot be reactivated", sentinel.ErrInvalidState)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE credentials SET active = $2, revoked_at = $3 WHERE key_prefix = $1
		`, prefix, current.Active, current.RevokedAt)
		if err != nil {
			return fmt.Errorf("update credential: %w", err)
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, postgres.ClassifyError(err)
	}
	return result, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner id.IdentityID) ([]*models.Credential, error) {
	rows, err := s.queryer(ctx).QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_identity_id = $1
		ORDER BY issued_at ASC
	`, uuid.UUID(owner))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) findByPrefix(ctx context.Context, q queryer, prefix string, forUpdate bool) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE key_prefix = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	c, err := scanCredential(q.QueryRowContext(ctx, query, prefix))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, postgres.ClassifyError(err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*models.Credential, error) {
	var (
		c         models.Credential
		rawID     uuid.UUID
		rawOwner  uuid.UUID
		revokedAt sql.NullTime
	)
	if err := row.Scan(&rawID, &rawOwner, &c.KeyPrefix, &c.SecretHash, &c.Active, &c.IssuedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.ID = id.CredentialID(rawID)
	c.OwnerIdentityID = id.IdentityID(rawOwner)
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	return &c, nil
}
