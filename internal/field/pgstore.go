package field

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ledgerly/model"
)

// PgSchema creates the field_definitions table.
const PgSchema = `
CREATE TABLE IF NOT EXISTS field_definitions (
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	field_key  TEXT NOT NULL,
	ord        INTEGER NOT NULL,
	definition JSONB NOT NULL,
	PRIMARY KEY (module, entity, field_key)
)`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL field store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create field_definitions: %w", err)
	}
	return nil
}

// List returns every field of the entity sorted by order.
func (s *PgStore) List(ctx context.Context, module, entity string) ([]model.FieldDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ord, definition FROM field_definitions
		WHERE module = $1 AND entity = $2
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
		var raw []byte
		if err := rows.Scan(&ord, &raw); err != nil {
			return nil, fmt.Errorf("scan field definition: %w", err)
		}
		var def model.FieldDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("unmarshal field definition: %w", err)
		}
		def.Order = ord
		out = append(out, def)
	}
	return out, rows.Err()
}

// Get returns one field by key.
func (s *PgStore) Get(ctx context.Context, module, entity, key string) (model.FieldDefinition, error) {
	var ord int
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT ord, definition FROM field_definitions
		WHERE module = $1 AND entity = $2 AND field_key = $3`,
		module, entity, key,
	).Scan(&ord, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FieldDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("field %q not found in %s/%s", key, module, entity),
		)
	}
	if err != nil {
		return model.FieldDefinition{}, fmt.Errorf("query field definition: %w", err)
	}
	var def model.FieldDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return model.FieldDefinition{}, fmt.Errorf("unmarshal field definition: %w", err)
	}
	def.Order = ord
	return def, nil
}

// Put inserts or replaces a field definition.
func (s *PgStore) Put(ctx context.Context, def model.FieldDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal field definition: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO field_definitions (module, entity, field_key, ord, definition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (module, entity, field_key)
		DO UPDATE SET ord = EXCLUDED.ord, definition = EXCLUDED.definition`,
		def.Module, def.Entity, def.Key, def.Order, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert field definition: %w", err)
	}
	return nil
}

// SetOrder assigns order values in one transaction.
func (s *PgStore) SetOrder(ctx context.Context, module, entity string, order map[string]int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for key, o := range order {
		tag, err := tx.Exec(ctx, `
			UPDATE field_definitions SET ord = $1
			WHERE module = $2 AND entity = $3 AND field_key = $4`,
			o, module, entity, key,
		)
		if err != nil {
			return fmt.Errorf("update field order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewNotFoundError(fmt.Sprintf("field %q not found in %s/%s", key, module, entity))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}
