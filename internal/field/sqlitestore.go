package field

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pitabwire/ledgerly/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS field_definitions (
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	field_key  TEXT NOT NULL,
	ord        INTEGER NOT NULL,
	definition TEXT NOT NULL,
	PRIMARY KEY (module, entity, field_key)
)`

// SQLiteStore is a Store on an embedded SQLite database. The caller opens
// the *sql.DB with the "sqlite" driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create field_definitions: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// List returns every field of the entity sorted by order.
func (s *SQLiteStore) List(ctx context.Context, module, entity string) ([]model.FieldDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ord, definition FROM field_definitions
		WHERE module = ? AND entity = ?
		ORDER BY ord ASC, field_key ASC`,
		module, entity,
	)
	if err != nil {
		return nil, fmt.Errorf("query field definitions: %w", err)
	}
	defer rows.Close()

	var out []model.FieldDefinition
	for rows.Next() {
		var ord int
		var raw string
		if err := rows.Scan(&ord, &raw); err != nil {
			return nil, fmt.Errorf("scan field definition: %w", err)
		}
		var def model.FieldDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal field definition: %w", err)
		}
		def.Order = ord
		out = append(out, def)
	}
	return out, rows.Err()
}

// Get returns one field by key.
func (s *SQLiteStore) Get(ctx context.Context, module, entity, key string) (model.FieldDefinition, error) {
	var ord int
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT ord, definition FROM field_definitions
		WHERE module = ? AND entity = ? AND field_key = ?`,
		module, entity, key,
	).Scan(&ord, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FieldDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("field %q not found in %s/%s", key, module, entity),
		)
	}
	if err != nil {
		return model.FieldDefinition{}, fmt.Errorf("query field definition: %w", err)
	}
	var def model.FieldDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return model.FieldDefinition{}, fmt.Errorf("unmarshal field definition: %w", err)
	}
	def.Order = ord
	return def, nil
}

// Put inserts or replaces a field definition.
func (s *SQLiteStore) Put(ctx context.Context, def model.FieldDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal field definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO field_definitions (module, entity, field_key, ord, definition)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (module, entity, field_key)
		DO UPDATE SET ord = excluded.ord, definition = excluded.definition`,
		def.Module, def.Entity, def.Key, def.Order, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert field definition: %w", err)
	}
	return nil
}

// SetOrder assigns order values in one transaction.
func (s *SQLiteStore) SetOrder(ctx context.Context, module, entity string, order map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, o := range order {
		res, err := tx.ExecContext(ctx, `
			UPDATE field_definitions SET ord = ?
			WHERE module = ? AND entity = ? AND field_key = ?`,
			o, module, entity, key,
		)
		if err != nil {
			return fmt.Errorf("update field order: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewNotFoundError(fmt.Sprintf("field %q not found in %s/%s", key, module, entity))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}
