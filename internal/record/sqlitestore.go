package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT NOT NULL,
	module     TEXT NOT NULL,
	entity     TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	department TEXT NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	deleted_at TEXT,
	deleted_by TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	updated_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (module, entity, id)
);
CREATE INDEX IF NOT EXISTS records_listing_idx ON records (module, entity, is_deleted, created_at)`

// SQLiteStore is a Store on an embedded SQLite database. Like PgStore, it
// relies on a conditional UPDATE for compare-and-swap.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create records: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSelectRecord = `
	SELECT id, module, entity, data, version, status, department,
	       is_deleted, deleted_at, deleted_by,
	       created_by, updated_by, created_at, updated_at
	FROM records`

// sqliteTimeLayout has a fixed width so stored timestamps sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// Insert persists a new record.
func (s *SQLiteStore) Insert(ctx context.Context, rec *model.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, module, entity, data, version, status, department,
			created_by, updated_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Module, rec.Entity, string(data), rec.Version, string(rec.Status), rec.Department,
		rec.CreatedBy, rec.UpdatedBy, sqliteTime(rec.CreatedAt), sqliteTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get returns a record, deleted or not.
func (s *SQLiteStore) Get(ctx context.Context, module, entity, id string) (*model.Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, sqliteSelectRecord+`
		WHERE module = ? AND entity = ? AND id = ?`,
		module, entity, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(module, entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// CompareAndSwap writes next only while the stored version is expectedVersion.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, next *model.Record, expectedVersion int64) error {
	data, err := json.Marshal(next.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = ?, version = ?, updated_by = ?, updated_at = ?
		WHERE module = ? AND entity = ? AND id = ? AND version = ?`,
		string(data), expectedVersion+1, next.UpdatedBy, sqliteTime(next.UpdatedAt),
		next.Module, next.Entity, next.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return ErrVersionMismatch
	}
	return nil
}

// SetDeleted flips the soft-delete flag without touching the version.
func (s *SQLiteStore) SetDeleted(ctx context.Context, module, entity, id string, deleted bool, by string, at time.Time) error {
	var deletedAt any
	if deleted {
		deletedAt = sqliteTime(at)
	} else {
		by = ""
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET is_deleted = ?, deleted_at = ?, deleted_by = ?
		WHERE module = ? AND entity = ? AND id = ?`,
		deleted, deletedAt, by, module, entity, id,
	)
	if err != nil {
		return fmt.Errorf("update record deleted flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(module, entity, id)
	}
	return nil
}

// TransitionStatus changes the status only while it is from.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, module, entity, id string, from, to model.RecordStatus, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET status = ?, version = version + 1, updated_by = ?, updated_at = ?
		WHERE module = ? AND entity = ? AND id = ? AND status = ?`,
		string(to), by, sqliteTime(at), module, entity, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, module, entity, id); err != nil {
			return err
		}
		return ErrStatusMismatch
	}
	return nil
}

// List returns one page of matching records and the total count.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*model.Record, int, error) {
	q.ListQuery = q.Normalize()
	where, args := sqliteWhere(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		sqliteSelectRecord+where+` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, q.PageSize, q.Offset())...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func sqliteWhere(q Query) (string, []any) {
	var b strings.Builder
	args := []any{q.Module, q.Entity}
	b.WriteString(` WHERE module = ? AND entity = ?`)

	if !q.IncludeDeleted {
		b.WriteString(` AND is_deleted = 0`)
	}
	if q.Status != "" {
		b.WriteString(` AND status = ?`)
		args = append(args, string(q.Status))
	}
	switch q.Scope {
	case model.ScopeAll:
	case model.ScopeDepartment:
		b.WriteString(` AND department = ? AND department <> ''`)
		args = append(args, q.Department)
	default:
		b.WriteString(` AND created_by = ?`)
		args = append(args, q.CreatedBy)
	}
	for _, k := range sortedKeys(q.Filters) {
		path := `$."` + strings.ReplaceAll(k, `"`, `""`) + `"`
		b.WriteString(` AND (CASE json_type(data, ?) WHEN 'true' THEN 'true' WHEN 'false' THEN 'false'` +
			` ELSE CAST(json_extract(data, ?) AS TEXT) END) = ?`)
		args = append(args, path, path, q.Filters[k])
	}
	return b.String(), args
}

func scanSQLiteRecord(row rowScanner) (*model.Record, error) {
	var rec model.Record
	var data, status, createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.Module, &rec.Entity, &data, &rec.Version, &status, &rec.Department,
		&rec.IsDeleted, &deletedAt, &rec.DeletedBy,
		&rec.CreatedBy, &rec.UpdatedBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = model.RecordStatus(status)
	rec.Data = map[string]any{}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	if deletedAt.Valid {
		if t, err := time.Parse(sqliteTimeLayout, deletedAt.String); err == nil {
			rec.DeletedAt = &t
		}
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
