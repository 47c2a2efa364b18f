package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS permissions (
	user_id    TEXT NOT NULL,
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	access     INTEGER NOT NULL,
	can_create INTEGER NOT NULL,
	can_edit   INTEGER NOT NULL,
	can_delete INTEGER NOT NULL,
	scope      TEXT NOT NULL,
	columns    TEXT NOT NULL DEFAULT '{}',
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, module, entity)
)`

// SQLiteStore is a Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create permissions: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSelectPermission = `
	SELECT user_id, module, entity, access, can_create, can_edit, can_delete,
	       scope, columns, updated_by, updated_at
	FROM permissions`

// Get returns the stored permission.
func (s *SQLiteStore) Get(ctx context.Context, userID, module, entity string) (*model.Permission, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectPermission+`
		WHERE user_id = ? AND module = ? AND entity = ?`,
		userID, module, entity,
	)
	p, err := scanSQLitePermission(row)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) Put(ctx context.Context, p *model.Permission) error {
	cols, err := json.Marshal(p.Columns)
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (
			user_id, module, entity, access, can_create, can_edit, can_delete,
			scope, columns, updated_by, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, module, entity) DO UPDATE SET
			access = excluded.access,
			can_create = excluded.can_create,
			can_edit = excluded.can_edit,
			can_delete = excluded.can_delete,
			scope = excluded.scope,
			columns = excluded.columns,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		p.UserID, p.Module, p.Entity, p.Access, p.Create, p.Edit, p.Delete,
		string(p.Scope), string(cols), p.UpdatedBy, p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

// ListForUser returns every stored permission of a user.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]*model.Permission, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectPermission+`
		WHERE user_id = ? ORDER BY module, entity`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []*model.Permission
	for rows.Next() {
		p, err := scanSQLitePermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePermission(row rowScanner) (*model.Permission, error) {
	var p model.Permission
	var scope, cols, updatedAt string
	if err := row.Scan(
		&p.UserID, &p.Module, &p.Entity, &p.Access, &p.Create, &p.Edit, &p.Delete,
		&scope, &cols, &p.UpdatedBy, &updatedAt,
	); err != nil {
		return nil, err
	}
	p.Scope = model.Scope(scope)
	if cols != "" && cols != "null" {
		if err := json.Unmarshal([]byte(cols), &p.Columns); err != nil {
			return nil, fmt.Errorf("unmarshal columns: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}
