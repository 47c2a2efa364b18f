package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ledgerly/model"
)

// PgSchema creates the permissions table.
const PgSchema = `
CREATE TABLE IF NOT EXISTS permissions (
	user_id    TEXT NOT NULL,
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	access     BOOLEAN NOT NULL,
	can_create BOOLEAN NOT NULL,
	can_edit   BOOLEAN NOT NULL,
	can_delete BOOLEAN NOT NULL,
	scope      TEXT NOT NULL,
	columns    JSONB NOT NULL DEFAULT '{}',
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, module, entity)
)`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL permission store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create permissions: %w", err)
	}
	return nil
}

const pgSelectPermission = `
	SELECT user_id, module, entity, access, can_create, can_edit, can_delete,
	       scope, columns, updated_by, updated_at
	FROM permissions`

// Get returns the stored permission.
func (s *PgStore) Get(ctx context.Context, userID, module, entity string) (*model.Permission, error) {
	row := s.pool.QueryRow(ctx, pgSelectPermission+`
		WHERE user_id = $1 AND module = $2 AND entity = $3`,
		userID, module, entity,
	)
	p, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("no permission for %s on %s/%s", userID, module, entity),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query permission: %w", err)
	}
	return p, nil
}

// Put replaces the permission wholesale.
func (s *PgStore) Put(ctx context.Context, p *model.Permission) error {
	cols, err := json.Marshal(p.Columns)
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO permissions (
			user_id, module, entity, access, can_create, can_edit, can_delete,
			scope, columns, updated_by, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, module, entity) DO UPDATE SET
			access = EXCLUDED.access,
			can_create = EXCLUDED.can_create,
			can_edit = EXCLUDED.can_edit,
			can_delete = EXCLUDED.can_delete,
			scope = EXCLUDED.scope,
			columns = EXCLUDED.columns,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Module, p.Entity, p.Access, p.Create, p.Edit, p.Delete,
		string(p.Scope), cols, p.UpdatedBy, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

// ListForUser returns every stored permission of a user.
func (s *PgStore) ListForUser(ctx context.Context, userID string) ([]*model.Permission, error) {
	rows, err := s.pool.Query(ctx, pgSelectPermission+`
		WHERE user_id = $1 ORDER BY module, entity`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []*model.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPermission(row pgx.Row) (*model.Permission, error) {
	var p model.Permission
	var scope string
	var cols []byte
	if err := row.Scan(
		&p.UserID, &p.Module, &p.Entity, &p.Access, &p.Create, &p.Edit, &p.Delete,
		&scope, &cols, &p.UpdatedBy, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Scope = model.Scope(scope)
	if len(cols) > 0 {
		if err := json.Unmarshal(cols, &p.Columns); err != nil {
			return nil, fmt.Errorf("unmarshal columns: %w", err)
		}
	}
	return &p, nil
}
