package model

import "time"

// Scope is the row-visibility and row-mutability policy of a permission.
type Scope string

// Permission scopes.
const (
	ScopeOwn        Scope = "own"
	ScopeDepartment Scope = "department"
	ScopeAll        Scope = "all"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeOwn || s == ScopeDepartment || s == ScopeAll
}

// MutationKind is the shape of a mutation checked by the mutation gate.
type MutationKind string

// Mutation kinds.
const (
	MutationCreate MutationKind = "create"
	MutationEdit   MutationKind = "edit"
	MutationDelete MutationKind = "delete"
)

// ColumnWildcard is the Columns key whose entry applies to every field key
// not listed explicitly.
const ColumnWildcard = "*"

// ColumnPermission controls visibility and editability of one field key.
type ColumnPermission struct {
	View bool `json:"view" yaml:"view"`
	Edit bool `json:"edit" yaml:"edit"`
}

// DefaultColumnPermission applies to keys with no explicit or wildcard entry.
var DefaultColumnPermission = ColumnPermission{View: true, Edit: false}

// Permission is the full authorization of one user over one (module, entity).
// It has no identity beyond that key and is replaced wholesale on save.
type Permission struct {
	UserID  string                      `json:"user_id"`
	Module  string                      `json:"module"`
	Entity  string                      `json:"entity"`
	Access  bool                        `json:"access"          yaml:"access"`
	Create  bool                        `json:"create"          yaml:"create"`
	Edit    bool                        `json:"edit"            yaml:"edit"`
	Delete  bool                        `json:"delete"          yaml:"delete"`
	Scope   Scope                       `json:"scope"           yaml:"scope"`
	Columns map[string]ColumnPermission `json:"columns,omitempty" yaml:"columns"`

	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NoPermission returns the all-false, own-scope permission used when nothing
// is configured for the user.
func NoPermission(userID, module, entity string) *Permission {
	return &Permission{UserID: userID, Module: module, Entity: entity, Scope: ScopeOwn}
}

// Column returns the effective column permission for key.
func (p *Permission) Column(key string) ColumnPermission {
	if c, ok := p.Columns[key]; ok {
		return c
	}
	if c, ok := p.Columns[ColumnWildcard]; ok {
		return c
	}
	return DefaultColumnPermission
}

// Clone returns a deep copy of p.
func (p *Permission) Clone() *Permission {
	if p == nil {
		return nil
	}
	c := *p
	if p.Columns != nil {
		c.Columns = make(map[string]ColumnPermission, len(p.Columns))
		for k, v := range p.Columns {
			c.Columns[k] = v
		}
	}
	return &c
}
