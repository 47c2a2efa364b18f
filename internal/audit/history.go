package audit

import (
	"context"

	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/model"
)

// RecordReader loads a record on behalf of a caller, applying every read
// gate. record.Service satisfies it.
type RecordReader interface {
	Get(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error)
}

// PermissionResolver resolves the caller's permission for an entity.
type PermissionResolver interface {
	Resolve(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error)
}

// History serves the audit trail of one record to a caller who may read
// the record. Field changes on columns the caller cannot view are removed.
type History struct {
	log     Log
	records RecordReader
	perms   PermissionResolver
}

// NewHistory creates a History reader.
func NewHistory(log Log, records RecordReader, perms PermissionResolver) *History {
	return &History{log: log, records: records, perms: perms}
}

// For returns the activity and approval entries of a record, oldest first.
func (h *History) For(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.RecordHistory, error) {
	if _, err := h.records.Get(ctx, rctx, module, entity, id); err != nil {
		return nil, err
	}
	perm, err := h.perms.Resolve(ctx, rctx, module, entity)
	if err != nil {
		return nil, model.WrapStorage(err)
	}

	activity, err := h.log.ListActivity(ctx, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	approvals, err := h.log.ListApproval(ctx, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}

	out := &model.RecordHistory{
		RecordID:  id,
		Activity:  make([]model.ActivityLogEntry, 0, len(activity)),
		Approvals: make([]model.ApprovalLogEntry, 0, len(approvals)),
	}
	for _, e := range activity {
		if e.Module != module || e.Entity != entity {
			continue
		}
		e.Changes = visibleChanges(perm, e.Changes)
		out.Activity = append(out.Activity, e)
	}
	for _, e := range approvals {
		if e.Module == module && e.Entity == entity {
			out.Approvals = append(out.Approvals, e)
		}
	}
	return out, nil
}

func visibleChanges(perm *model.Permission, changes []model.FieldChange) []model.FieldChange {
	if len(changes) == 0 {
		return nil
	}
	out := make([]model.FieldChange, 0, len(changes))
	for _, c := range changes {
		if perm.Column(c.Key).View {
			out = append(out, c)
		}
	}
	return out
}

var _ PermissionResolver = (*permission.Resolver)(nil)
