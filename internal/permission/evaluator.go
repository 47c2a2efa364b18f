// Package permission resolves per-user permissions over a (module, entity)
// and evaluates the entity, mutation, row-scope, and column gates.
package permission

import (
	"sort"

	"github.com/pitabwire/ledgerly/model"
)

// AuthorizeAccess is the entity-level gate for any operation.
func AuthorizeAccess(p *model.Permission) bool {
	return p != nil && p.Access
}

// AuthorizeMutation reports whether p allows a mutation of the given kind.
// Access is required for every kind.
func AuthorizeMutation(p *model.Permission, kind model.MutationKind) bool {
	if !AuthorizeAccess(p) {
		return false
	}
	switch kind {
	case model.MutationCreate:
		return p.Create
	case model.MutationEdit:
		return p.Edit
	case model.MutationDelete:
		return p.Delete
	}
	return false
}

// FilterRowScope reports whether rec falls within the actor's row scope.
// Department scope requires the actor to carry a department equal to the
// record's department tag.
func FilterRowScope(p *model.Permission, rec *model.Record, actor *model.RequestContext) bool {
	if p == nil || rec == nil || actor == nil {
		return false
	}
	switch p.Scope {
	case model.ScopeAll:
		return true
	case model.ScopeDepartment:
		return actor.Department != "" && actor.Department == rec.Department
	case model.ScopeOwn:
		return rec.CreatedBy == actor.SubjectID
	}
	return false
}

// RedactForView returns a copy of rec without the data keys p may not view.
func RedactForView(p *model.Permission, rec *model.Record) *model.Record {
	if rec == nil {
		return nil
	}
	out := rec.Clone()
	for k := range out.Data {
		if p == nil || !p.Column(k).View {
			delete(out.Data, k)
		}
	}
	return out
}

// VisibleKeys filters keys down to those p may view, preserving order.
func VisibleKeys(p *model.Permission, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if p != nil && p.Column(k).View {
			out = append(out, k)
		}
	}
	return out
}

// AuthorizeColumnWrite rejects a write touching any key that p may not both
// view and edit. The error names every offending key.
func AuthorizeColumnWrite(p *model.Permission, changedKeys []string) error {
	var denied []string
	for _, k := range changedKeys {
		c := model.DefaultColumnPermission
		if p != nil {
			c = p.Column(k)
		}
		if !c.View || !c.Edit {
			denied = append(denied, k)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return model.NewColumnNotEditableError(denied)
	}
	return nil
}
