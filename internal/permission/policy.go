package permission

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/ledgerly/model"
)

// policyFile is the YAML structure of a role default policy file.
//
//	roles:
//	  accountant:
//	    expense:dealer: {access: true, create: true, edit: true, scope: own}
//	    "expense:*": {access: true, scope: department}
type policyFile struct {
	Roles map[string]map[string]model.Permission `yaml:"roles"`
}

// RolePolicy supplies default permissions by role for users with no stored
// permission. It reads a YAML file and may be reloaded with Sync.
type RolePolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewRolePolicy creates a RolePolicy from the given file path.
// An empty path yields a policy that grants nothing.
func NewRolePolicy(path string) (*RolePolicy, error) {
	p := &RolePolicy{path: path}
	if path == "" {
		return p, nil
	}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Sync reloads the policy file from disk.
func (p *RolePolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("permission: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("permission: parsing policy file %s: %w", p.path, err)
	}
	for role, entries := range pf.Roles {
		for target, perm := range entries {
			if perm.Scope == "" {
				perm.Scope = model.ScopeOwn
				entries[target] = perm
			}
			if !perm.Scope.Valid() {
				return fmt.Errorf("permission: role %s target %s: invalid scope %q", role, target, perm.Scope)
			}
		}
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}

// Default merges the role defaults of every role for (module, entity).
// Flags are OR-ed, the widest scope wins, and column grants are OR-ed per key.
// Returns false when no role has an entry.
func (p *RolePolicy) Default(userID string, roles []string, module, entity string) (*model.Permission, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out *model.Permission
	for _, role := range roles {
		grant, ok := lookupTarget(p.policy.Roles[role], module, entity)
		if !ok {
			continue
		}
		if out == nil {
			out = model.NoPermission(userID, module, entity)
		}
		merge(out, &grant)
	}
	return out, out != nil
}

// lookupTarget finds the most specific entry: "module:entity", then
// "module:*", then "*".
func lookupTarget(entries map[string]model.Permission, module, entity string) (model.Permission, bool) {
	for _, key := range []string{model.RoomKey(module, entity), module + ":*", "*"} {
		if perm, ok := entries[key]; ok {
			return perm, true
		}
	}
	return model.Permission{}, false
}

func merge(dst, src *model.Permission) {
	dst.Access = dst.Access || src.Access
	dst.Create = dst.Create || src.Create
	dst.Edit = dst.Edit || src.Edit
	dst.Delete = dst.Delete || src.Delete
	if scopeRank(src.Scope) > scopeRank(dst.Scope) {
		dst.Scope = src.Scope
	}
	for k, c := range src.Columns {
		if dst.Columns == nil {
			dst.Columns = make(map[string]model.ColumnPermission)
		}
		cur := dst.Columns[k]
		dst.Columns[k] = model.ColumnPermission{View: cur.View || c.View, Edit: cur.Edit || c.Edit}
	}
}

func scopeRank(s model.Scope) int {
	switch strings.ToLower(string(s)) {
	case string(model.ScopeAll):
		return 2
	case string(model.ScopeDepartment):
		return 1
	}
	return 0
}
