package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ledgerly/model"
)

// PgSchema creates the records table.
const PgSchema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT NOT NULL,
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	data       JSONB NOT NULL DEFAULT '{}',
	version    BIGINT NOT NULL,
	status     TEXT NOT NULL,
	department TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ,
	deleted_by TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (module, entity, id)
);
CREATE INDEX IF NOT EXISTS records_listing_idx ON records (module, entity, is_deleted, created_at)`

// PgStore is a PostgreSQL-backed Store using pgx/v5. CompareAndSwap and
// TransitionStatus are single conditional UPDATE statements.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create records: %w", err)
	}
	return nil
}

const pgSelectRecord = `
	SELECT id, module, entity, data, version, status, department,
	       is_deleted, deleted_at, deleted_by,
	       created_by, updated_by, created_at, updated_at
	FROM records`

// Insert persists a new record.
func (s *PgStore) Insert(ctx context.Context, rec *model.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (
			id, module, entity, data, version, status, department,
			created_by, updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Module, rec.Entity, data, rec.Version, string(rec.Status), rec.Department,
		rec.CreatedBy, rec.UpdatedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get returns a record, deleted or not.
func (s *PgStore) Get(ctx context.Context, module, entity, id string) (*model.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, pgSelectRecord+`
		WHERE module = $1 AND entity = $2 AND id = $3`,
		module, entity, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(module, entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// CompareAndSwap writes next only while the stored version is expectedVersion.
func (s *PgStore) CompareAndSwap(ctx context.Context, next *model.Record, expectedVersion int64) error {
	data, err := json.Marshal(next.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			data = $1,
			version = $2,
			updated_by = $3,
			updated_at = $4
		WHERE module = $5 AND entity = $6 AND id = $7 AND version = $8`,
		data, expectedVersion+1, next.UpdatedBy, next.UpdatedAt,
		next.Module, next.Entity, next.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionMismatch
	}
	return nil
}

// SetDeleted flips the soft-delete flag without touching the version.
func (s *PgStore) SetDeleted(ctx context.Context, module, entity, id string, deleted bool, by string, at time.Time) error {
	var deletedAt *time.Time
	if deleted {
		deletedAt = &at
	} else {
		by = ""
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET is_deleted = $1, deleted_at = $2, deleted_by = $3
		WHERE module = $4 AND entity = $5 AND id = $6`,
		deleted, deletedAt, by, module, entity, id,
	)
	if err != nil {
		return fmt.Errorf("update record deleted flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(module, entity, id)
	}
	return nil
}

// TransitionStatus changes the status only while it is from.
func (s *PgStore) TransitionStatus(ctx context.Context, module, entity, id string, from, to model.RecordStatus, by string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			status = $1,
			version = version + 1,
			updated_by = $2,
			updated_at = $3
		WHERE module = $4 AND entity = $5 AND id = $6 AND status = $7`,
		string(to), by, at, module, entity, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, module, entity, id); err != nil {
			return err
		}
		return ErrStatusMismatch
	}
	return nil
}

// List returns one page of matching records and the total count.
func (s *PgStore) List(ctx context.Context, q Query) ([]*model.Record, int, error) {
	q.ListQuery = q.Normalize()
	where, args := pgWhere(q)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	args = append(args, q.PageSize, q.Offset())
	rows, err := s.pool.Query(ctx, pgSelectRecord+where+
		fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func pgWhere(q Query) (string, []any) {
	var b strings.Builder
	args := []any{q.Module, q.Entity}
	b.WriteString(` WHERE module = $1 AND entity = $2`)

	if !q.IncludeDeleted {
		b.WriteString(` AND is_deleted = FALSE`)
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		fmt.Fprintf(&b, ` AND status = $%d`, len(args))
	}
	switch q.Scope {
	case model.ScopeAll:
	case model.ScopeDepartment:
		args = append(args, q.Department)
		fmt.Fprintf(&b, ` AND department = $%d AND department <> ''`, len(args))
	default:
		args = append(args, q.CreatedBy)
		fmt.Fprintf(&b, ` AND created_by = $%d`, len(args))
	}
	for _, k := range sortedKeys(q.Filters) {
		args = append(args, k, q.Filters[k])
		fmt.Fprintf(&b, ` AND data ->> $%d = $%d`, len(args)-1, len(args))
	}
	return b.String(), args
}

func scanRecord(row pgx.Row) (*model.Record, error) {
	var rec model.Record
	var data []byte
	var status string
	if err := row.Scan(
		&rec.ID, &rec.Module, &rec.Entity, &data, &rec.Version, &status, &rec.Department,
		&rec.IsDeleted, &rec.DeletedAt, &rec.DeletedBy,
		&rec.CreatedBy, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = model.RecordStatus(status)
	rec.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return &rec, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
