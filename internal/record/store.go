// Package record owns the dynamic-schema records of every (module, entity):
// persistence with an atomic compare-and-swap on version, the diff between a
// stored and a proposed data bag, and the Service that runs the create,
// update, delete, restore, get and list operations through the validation
// and permission gates.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

var (
	// ErrVersionMismatch is returned by CompareAndSwap when the stored
	// version is not the expected one, or the row is gone.
	ErrVersionMismatch = errors.New("record: version mismatch")

	// ErrStatusMismatch is returned by TransitionStatus when the stored
	// status is not the expected one.
	ErrStatusMismatch = errors.New("record: status mismatch")
)

// Store persists records. Every write that changes Data or Status is a
// single conditional write at the storage layer.
type Store interface {
	// Insert persists a new record.
	Insert(ctx context.Context, rec *model.Record) error

	// Get returns a record, deleted or not. Returns NOT_FOUND if absent.
	Get(ctx context.Context, module, entity, id string) (*model.Record, error)

	// CompareAndSwap writes next.Data, next.UpdatedBy and next.UpdatedAt and
	// sets the version to expectedVersion+1, only if the stored version is
	// expectedVersion. Returns ErrVersionMismatch otherwise.
	CompareAndSwap(ctx context.Context, next *model.Record, expectedVersion int64) error

	// SetDeleted flips the soft-delete flag without touching the version.
	// Returns NOT_FOUND if absent.
	SetDeleted(ctx context.Context, module, entity, id string, deleted bool, by string, at time.Time) error

	// TransitionStatus moves the status from one value to another and
	// advances the version by one, only if the stored status is from.
	// Returns ErrStatusMismatch otherwise.
	TransitionStatus(ctx context.Context, module, entity, id string, from, to model.RecordStatus, by string, at time.Time) error

	// List returns one page of records matching q and the total match count.
	List(ctx context.Context, q Query) ([]*model.Record, int, error)
}

// Query is a list request with the caller's row scope pushed down to the
// store.
type Query struct {
	model.ListQuery

	Module string
	Entity string

	// Scope restricts rows: own matches CreatedBy, department matches
	// Department, all matches everything.
	Scope      model.Scope
	CreatedBy  string
	Department string
}

// inScope reports whether rec satisfies the row scope of q.
func (q Query) inScope(rec *model.Record) bool {
	switch q.Scope {
	case model.ScopeAll:
		return true
	case model.ScopeDepartment:
		return q.Department != "" && rec.Department == q.Department
	default:
		return rec.CreatedBy == q.CreatedBy
	}
}
