package field

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/ledgerly/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	fields map[string]map[string]model.FieldDefinition // key: module:entity, then field key
}

// NewMemoryStore creates a new in-memory field store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fields: make(map[string]map[string]model.FieldDefinition)}
}

// List returns every field of the entity sorted by Order.
func (s *MemoryStore) List(_ context.Context, module, entity string) ([]model.FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := s.fields[model.RoomKey(module, entity)]
	out := make([]model.FieldDefinition, 0, len(byKey))
	for _, f := range byKey {
		out = append(out, cloneDefinition(f))
	}
	sortDefinitions(out)
	return out, nil
}

// Get returns one field by key.
func (s *MemoryStore) Get(_ context.Context, module, entity, key string) (model.FieldDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fields[model.RoomKey(module, entity)][key]
	if !ok {
		return model.FieldDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("field %q not found in %s/%s", key, module, entity),
		)
	}
	return cloneDefinition(f), nil
}

// Put inserts or replaces a field definition.
func (s *MemoryStore) Put(_ context.Context, def model.FieldDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := model.RoomKey(def.Module, def.Entity)
	if s.fields[room] == nil {
		s.fields[room] = make(map[string]model.FieldDefinition)
	}
	s.fields[room][def.Key] = cloneDefinition(def)
	return nil
}

// SetOrder assigns order values atomically.
func (s *MemoryStore) SetOrder(_ context.Context, module, entity string, order map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.fields[model.RoomKey(module, entity)]
	for key := range order {
		if _, ok := byKey[key]; !ok {
			return model.NewNotFoundError(fmt.Sprintf("field %q not found in %s/%s", key, module, entity))
		}
	}
	for key, o := range order {
		f := byKey[key]
		f.Order = o
		byKey[key] = f
	}
	return nil
}

func sortDefinitions(defs []model.FieldDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Order != defs[j].Order {
			return defs[i].Order < defs[j].Order
		}
		return defs[i].Key < defs[j].Key
	})
}

func cloneDefinition(f model.FieldDefinition) model.FieldDefinition {
	c := f
	c.Options = append([]model.FieldOption(nil), f.Options...)
	if f.Validation != nil {
		v := *f.Validation
		v.AllowedFileTypes = append([]string(nil), f.Validation.AllowedFileTypes...)
		c.Validation = &v
	}
	return c
}
