package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ledgerly/model"
)

// PgSchema creates the audit tables.
const PgSchema = `
CREATE TABLE IF NOT EXISTS activity_log (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	record_id   TEXT NOT NULL,
	module      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	version     BIGINT NOT NULL,
	changes     JSONB,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_record_idx ON activity_log (record_id, seq);
CREATE TABLE IF NOT EXISTS approval_log (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	record_id   TEXT NOT NULL,
	module      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_log_record_idx ON approval_log (record_id, seq)`

// PgLog is a PostgreSQL-backed Log using pgx/v5.
type PgLog struct {
	pool *pgxpool.Pool
}

// NewPgLog creates a new PostgreSQL audit log.
func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (l *PgLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("create audit tables: %w", err)
	}
	return nil
}

// AppendActivity appends an activity entry.
func (l *PgLog) AppendActivity(ctx context.Context, e model.ActivityLogEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO activity_log (
			id, record_id, module, entity, action, actor_id, version,
			changes, from_status, to_status, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.RecordID, e.Module, e.Entity, e.Action, e.ActorID, e.Version,
		changes, string(e.FromStatus), string(e.ToStatus), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// AppendApproval appends an approval entry.
func (l *PgLog) AppendApproval(ctx context.Context, e model.ApprovalLogEntry) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO approval_log (
			id, record_id, module, entity, action, actor_id,
			from_status, to_status, comment, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.RecordID, e.Module, e.Entity, e.Action, e.ActorID,
		string(e.FromStatus), string(e.ToStatus), e.Comment, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

const pgSelectActivity = `
	SELECT seq, id, record_id, module, entity, action, actor_id, version,
	       changes, from_status, to_status, ts
	FROM activity_log`

// ListActivity returns the activity of a record.
func (l *PgLog) ListActivity(ctx context.Context, recordID string) ([]model.ActivityLogEntry, error) {
	seqd, err := l.queryActivity(ctx, pgSelectActivity+` WHERE record_id = $1 ORDER BY seq`, recordID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ActivityLogEntry, len(seqd))
	for i, s := range seqd {
		out[i] = s.Entry
	}
	return out, nil
}

// ActivityAfter returns entries after seq.
func (l *PgLog) ActivityAfter(ctx context.Context, seq int64, limit int) ([]Sequenced, error) {
	return l.queryActivity(ctx, pgSelectActivity+` WHERE seq > $1 ORDER BY seq LIMIT $2`, seq, limit)
}

func (l *PgLog) queryActivity(ctx context.Context, query string, args ...any) ([]Sequenced, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Sequenced
	for rows.Next() {
		var s Sequenced
		var changes []byte
		var from, to string
		e := &s.Entry
		if err := rows.Scan(
			&s.Seq, &e.ID, &e.RecordID, &e.Module, &e.Entity, &e.Action, &e.ActorID, &e.Version,
			&changes, &from, &to, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.FromStatus, e.ToStatus = model.RecordStatus(from), model.RecordStatus(to)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal changes: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListApproval returns the approval entries of a record.
func (l *PgLog) ListApproval(ctx context.Context, recordID string) ([]model.ApprovalLogEntry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, record_id, module, entity, action, actor_id,
		       from_status, to_status, comment, ts
		FROM approval_log WHERE record_id = $1 ORDER BY seq`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalLogEntry
	for rows.Next() {
		var e model.ApprovalLogEntry
		var from, to string
		if err := rows.Scan(
			&e.ID, &e.RecordID, &e.Module, &e.Entity, &e.Action, &e.ActorID,
			&from, &to, &e.Comment, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		e.FromStatus, e.ToStatus = model.RecordStatus(from), model.RecordStatus(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
