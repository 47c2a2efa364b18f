// Package audit keeps the append-only activity and approval logs, serves
// per-record history, and archives activity to S3-compatible storage.
package audit

import (
	"context"
	"sync"

	"github.com/pitabwire/ledgerly/model"
)

// Log is the append-only audit trail. Entries are never mutated or deleted.
type Log interface {
	AppendActivity(ctx context.Context, entry model.ActivityLogEntry) error
	AppendApproval(ctx context.Context, entry model.ApprovalLogEntry) error

	// ListActivity returns the activity of a record, oldest first.
	ListActivity(ctx context.Context, recordID string) ([]model.ActivityLogEntry, error)

	// ListApproval returns the approval entries of a record, oldest first.
	ListApproval(ctx context.Context, recordID string) ([]model.ApprovalLogEntry, error)

	// ActivityAfter returns up to limit activity entries with a sequence
	// number greater than seq, in sequence order.
	ActivityAfter(ctx context.Context, seq int64, limit int) ([]Sequenced, error)
}

// Sequenced is an activity entry with its position in the log.
type Sequenced struct {
	Seq   int64                  `json:"seq"`
	Entry model.ActivityLogEntry `json:"entry"`
}

// MemoryLog is an in-memory Log for tests and single-process deployments.
type MemoryLog struct {
	mu        sync.RWMutex
	activity  []model.ActivityLogEntry
	approvals []model.ApprovalLogEntry
}

// NewMemoryLog creates a new in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// AppendActivity appends an activity entry.
func (l *MemoryLog) AppendActivity(_ context.Context, entry model.ActivityLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activity = append(l.activity, entry)
	return nil
}

// AppendApproval appends an approval entry.
func (l *MemoryLog) AppendApproval(_ context.Context, entry model.ApprovalLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approvals = append(l.approvals, entry)
	return nil
}

// ListActivity returns the activity of a record.
func (l *MemoryLog) ListActivity(_ context.Context, recordID string) ([]model.ActivityLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.ActivityLogEntry
	for _, e := range l.activity {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListApproval returns the approval entries of a record.
func (l *MemoryLog) ListApproval(_ context.Context, recordID string) ([]model.ApprovalLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.ApprovalLogEntry
	for _, e := range l.approvals {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ActivityAfter returns entries after seq. Sequence numbers start at 1.
func (l *MemoryLog) ActivityAfter(_ context.Context, seq int64, limit int) ([]Sequenced, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Sequenced
	for i := int(max(seq, 0)); i < len(l.activity) && len(out) < limit; i++ {
		out = append(out, Sequenced{Seq: int64(i + 1), Entry: l.activity[i]})
	}
	return out, nil
}
