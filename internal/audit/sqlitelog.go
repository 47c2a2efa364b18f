package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS activity_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	record_id   TEXT NOT NULL,
	module      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	version     INTEGER NOT NULL,
	changes     TEXT,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_record_idx ON activity_log (record_id, seq);
CREATE TABLE IF NOT EXISTS approval_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	record_id   TEXT NOT NULL,
	module      TEXT NOT NULL,
	entity      TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_log_record_idx ON approval_log (record_id, seq)`

// SQLiteLog is a Log on an embedded SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the tables if needed and returns the log.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create audit tables: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// AppendActivity appends an activity entry.
func (l *SQLiteLog) AppendActivity(ctx context.Context, e model.ActivityLogEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO activity_log (
			id, record_id, module, entity, action, actor_id, version,
			changes, from_status, to_status, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, e.Module, e.Entity, e.Action, e.ActorID, e.Version,
		string(changes), string(e.FromStatus), string(e.ToStatus), e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// AppendApproval appends an approval entry.
func (l *SQLiteLog) AppendApproval(ctx context.Context, e model.ApprovalLogEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO approval_log (
			id, record_id, module, entity, action, actor_id,
			from_status, to_status, comment, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, e.Module, e.Entity, e.Action, e.ActorID,
		string(e.FromStatus), string(e.ToStatus), e.Comment, e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

const sqliteSelectActivity = `
	SELECT seq, id, record_id, module, entity, action, actor_id, version,
	       changes, from_status, to_status, ts
	FROM activity_log`

// ListActivity returns the activity of a record.
func (l *SQLiteLog) ListActivity(ctx context.Context, recordID string) ([]model.ActivityLogEntry, error) {
	seqd, err := l.queryActivity(ctx, sqliteSelectActivity+` WHERE record_id = ? ORDER BY seq`, recordID)
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
func (l *SQLiteLog) ActivityAfter(ctx context.Context, seq int64, limit int) ([]Sequenced, error) {
	return l.queryActivity(ctx, sqliteSelectActivity+` WHERE seq > ? ORDER BY seq LIMIT ?`, seq, limit)
}

func (l *SQLiteLog) queryActivity(ctx context.Context, query string, args ...any) ([]Sequenced, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Sequenced
	for rows.Next() {
		var s Sequenced
		var changes sql.NullString
		var from, to, ts string
		e := &s.Entry
		if err := rows.Scan(
			&s.Seq, &e.ID, &e.RecordID, &e.Module, &e.Entity, &e.Action, &e.ActorID, &e.Version,
			&changes, &from, &to, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.FromStatus, e.ToStatus = model.RecordStatus(from), model.RecordStatus(to)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if changes.Valid && changes.String != "" {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal changes: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListApproval returns the approval entries of a record.
func (l *SQLiteLog) ListApproval(ctx context.Context, recordID string) ([]model.ApprovalLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, record_id, module, entity, action, actor_id,
		       from_status, to_status, comment, ts
		FROM approval_log WHERE record_id = ? ORDER BY seq`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalLogEntry
	for rows.Next() {
		var e model.ApprovalLogEntry
		var from, to, ts string
		if err := rows.Scan(
			&e.ID, &e.RecordID, &e.Module, &e.Entity, &e.Action, &e.ActorID,
			&from, &to, &e.Comment, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		e.FromStatus, e.ToStatus = model.RecordStatus(from), model.RecordStatus(to)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
