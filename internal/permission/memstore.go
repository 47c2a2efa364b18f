package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/ledgerly/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	perms map[string]*model.Permission // key: user|module|entity
}

// NewMemoryStore creates a new in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{perms: make(map[string]*model.Permission)}
}

func storeKey(userID, module, entity string) string {
	return userID + "|" + module + "|" + entity
}

// Get returns the stored permission.
func (s *MemoryStore) Get(_ context.Context, userID, module, entity string) (*model.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.perms[storeKey(userID, module, entity)]
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("no permission for %s on %s/%s", userID, module, entity),
		)
	}
	return p.Clone(), nil
}

// Put replaces the permission wholesale.
func (s *MemoryStore) Put(_ context.Context, p *model.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.perms[storeKey(p.UserID, p.Module, p.Entity)] = p.Clone()
	return nil
}

// ListForUser returns every stored permission of a user sorted by module and entity.
func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]*model.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Permission
	for _, p := range s.perms {
		if p.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Entity < out[j].Entity
	})
	return out, nil
}
