package entity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/ledgerly/model"
)

// snapshot is an immutable collection of entity definitions keyed by room key.
type snapshot struct {
	entities   map[string]model.EntityDefinition
	categories map[string][]string
	checksum   string
}

// Registry is a read-optimized, thread-safe store of all loaded entities.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given entity files.
func NewRegistry(files []model.EntityFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files.
func (r *Registry) Replace(files []model.EntityFile) {
	s := &snapshot{
		entities:   make(map[string]model.EntityDefinition),
		categories: make(map[string][]string),
	}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, e := range f.Entities {
			s.entities[model.RoomKey(e.Module, e.Entity)] = e
		}
		for source, ids := range f.Categories {
			s.categories[source] = append(s.categories[source], ids...)
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the entity definition for (module, entity).
func (r *Registry) Get(module, entity string) (model.EntityDefinition, bool) {
	e, ok := r.current().entities[model.RoomKey(module, entity)]
	return e, ok
}

// Require returns the entity definition or a NOT_FOUND error.
func (r *Registry) Require(module, entity string) (model.EntityDefinition, error) {
	e, ok := r.Get(module, entity)
	if !ok {
		return model.EntityDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("entity %s/%s not found", module, entity),
		)
	}
	return e, nil
}

// ApprovalEnabled reports whether records of (module, entity) go through the
// approval state machine. Unknown entities report false.
func (r *Registry) ApprovalEnabled(module, entity string) bool {
	e, ok := r.Get(module, entity)
	return ok && e.Approval
}

// All returns every entity definition sorted by module then entity.
func (r *Registry) All() []model.EntityDefinition {
	s := r.current()
	defs := make([]model.EntityDefinition, 0, len(s.entities))
	for _, e := range s.entities {
		defs = append(defs, e)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Module != defs[j].Module {
			return defs[i].Module < defs[j].Module
		}
		return defs[i].Entity < defs[j].Entity
	})
	return defs
}

// CategoryIDs returns the valid category ids of a category source. An
// unknown source yields an empty set.
func (r *Registry) CategoryIDs(_ context.Context, source string) ([]string, error) {
	return r.current().categories[source], nil
}

// Checksum returns the combined checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
