package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

// MemoryStore is an in-memory Store. The mutex makes each conditional write
// atomic within the process; it is for tests and single-instance use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.Record // key: module|entity|id
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.Record)}
}

func recordKey(module, entity, id string) string {
	return module + "|" + entity + "|" + id
}

func notFound(module, entity, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("record %s not found in %s/%s", id, module, entity))
}

// Insert persists a new record.
func (s *MemoryStore) Insert(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.Module, rec.Entity, rec.ID)
	if _, exists := s.records[key]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.records[key] = rec.Clone()
	return nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(_ context.Context, module, entity, id string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey(module, entity, id)]
	if !ok {
		return nil, notFound(module, entity, id)
	}
	return rec.Clone(), nil
}

// CompareAndSwap applies next if the stored version equals expectedVersion.
func (s *MemoryStore) CompareAndSwap(_ context.Context, next *model.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[recordKey(next.Module, next.Entity, next.ID)]
	if !ok || cur.Version != expectedVersion {
		return ErrVersionMismatch
	}
	upd := cur.Clone()
	upd.Data = next.Clone().Data
	upd.Version = expectedVersion + 1
	upd.UpdatedBy = next.UpdatedBy
	upd.UpdatedAt = next.UpdatedAt
	s.records[recordKey(next.Module, next.Entity, next.ID)] = upd
	return nil
}

// SetDeleted flips the soft-delete flag.
func (s *MemoryStore) SetDeleted(_ context.Context, module, entity, id string, deleted bool, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[recordKey(module, entity, id)]
	if !ok {
		return notFound(module, entity, id)
	}
	upd := cur.Clone()
	upd.IsDeleted = deleted
	if deleted {
		upd.DeletedAt = &at
		upd.DeletedBy = by
	} else {
		upd.DeletedAt = nil
		upd.DeletedBy = ""
	}
	s.records[recordKey(module, entity, id)] = upd
	return nil
}

// TransitionStatus applies the status change if the stored status is from.
func (s *MemoryStore) TransitionStatus(_ context.Context, module, entity, id string, from, to model.RecordStatus, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[recordKey(module, entity, id)]
	if !ok {
		return notFound(module, entity, id)
	}
	if cur.Status != from {
		return ErrStatusMismatch
	}
	upd := cur.Clone()
	upd.Status = to
	upd.Version++
	upd.UpdatedBy = by
	upd.UpdatedAt = at
	s.records[recordKey(module, entity, id)] = upd
	return nil
}

// List returns a page of matching records ordered by creation time.
func (s *MemoryStore) List(_ context.Context, q Query) ([]*model.Record, int, error) {
	q.ListQuery = q.Normalize()

	s.mu.RLock()
	var matched []*model.Record
	for _, rec := range s.records {
		if rec.Module != q.Module || rec.Entity != q.Entity {
			continue
		}
		if rec.IsDeleted && !q.IncludeDeleted {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		if !q.inScope(rec) || !matchesFilters(rec, q.Filters) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := min(q.Offset(), total)
	end := min(start+q.PageSize, total)
	return matched[start:end], total, nil
}

// Len returns the number of stored records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func matchesFilters(rec *model.Record, filters map[string]string) bool {
	for k, want := range filters {
		v, ok := rec.Data[k]
		if !ok || FilterText(v) != want {
			return false
		}
	}
	return true
}
