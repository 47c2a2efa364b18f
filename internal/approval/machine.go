// Package approval implements the draft → submitted → approved | rejected
// lifecycle of records on entities configured for approval.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/internal/record"
	"github.com/pitabwire/ledgerly/model"
)

// Approval actions.
const (
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

type transition struct {
	from     model.RecordStatus
	to       model.RecordStatus
	activity string
}

var transitions = map[string]transition{
	ActionSubmit:  {from: model.StatusDraft, to: model.StatusSubmitted, activity: model.ActivitySubmitted},
	ActionApprove: {from: model.StatusSubmitted, to: model.StatusApproved, activity: model.ActivityApproved},
	ActionReject:  {from: model.StatusSubmitted, to: model.StatusRejected, activity: model.ActivityRejected},
}

// EntitySource tells which entities exist and which use approval.
type EntitySource interface {
	record.EntitySource
	ApprovalEnabled(module, entity string) bool
}

// Recorder receives the approval and activity entries of each transition.
type Recorder interface {
	record.ActivityRecorder
	AppendApproval(ctx context.Context, entry model.ApprovalLogEntry) error
}

// Machine runs approval transitions as conditional status writes.
type Machine struct {
	store     record.Store
	entities  EntitySource
	perms     record.PermissionResolver
	recorder  Recorder
	publisher record.Publisher
	observers []record.MutationObserver
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures optional dependencies.
type Option func(*Machine)

// WithRecorder sets the audit log.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithPublisher sets the real-time publisher.
func WithPublisher(p record.Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithObserver adds an observer notified of every transition outcome.
func WithObserver(obs record.MutationObserver) Option {
	return func(m *Machine) { m.observers = append(m.observers, obs) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine creates an approval Machine.
func NewMachine(store record.Store, entities EntitySource, perms record.PermissionResolver, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		entities:  entities,
		perms:     perms,
		recorder:  nopRecorder{},
		publisher: nopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit moves a draft to submitted. Only the record's creator may submit.
func (m *Machine) Submit(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error) {
	return m.run(ctx, rctx, ActionSubmit, module, entity, id, "")
}

// Approve moves a submitted record to approved. The caller needs edit
// rights over the row.
func (m *Machine) Approve(ctx context.Context, rctx *model.RequestContext, module, entity, id, comment string) (*model.Record, error) {
	return m.run(ctx, rctx, ActionApprove, module, entity, id, comment)
}

// Reject moves a submitted record to rejected. The caller needs edit rights
// over the row and must give a comment.
func (m *Machine) Reject(ctx context.Context, rctx *model.RequestContext, module, entity, id, comment string) (*model.Record, error) {
	return m.run(ctx, rctx, ActionReject, module, entity, id, comment)
}

func (m *Machine) run(
	ctx context.Context,
	rctx *model.RequestContext,
	action, module, entity, id, comment string,
) (rec *model.Record, err error) {
	tr := transitions[action]
	start := m.now()
	ctx, span := observability.StartSpan(ctx, "approval."+action,
		observability.AttrModule.String(module),
		observability.AttrEntity.String(entity),
		observability.AttrRecordID.String(id),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() { m.finish(ctx, span, action, module, entity, start, err) }()

	// 1. Entity must exist and use approval.
	if _, err := m.entities.Require(module, entity); err != nil {
		return nil, err
	}
	if !m.entities.ApprovalEnabled(module, entity) {
		return nil, model.NewMutationNotPermittedError(
			fmt.Sprintf("approval is not enabled for %s/%s", module, entity),
		)
	}
	if action == ActionReject && strings.TrimSpace(comment) == "" {
		return nil, model.NewValidationFailedError([]model.FieldError{{
			Field: "comment", Code: model.ViolationRequired, Message: "a comment is required to reject",
		}})
	}

	// 2. Entity gate on a fresh permission.
	perm, err := m.perms.ResolveFresh(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}

	// 3. Load the record.
	current, err := m.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if current.IsDeleted {
		return nil, model.NewNotFoundError(fmt.Sprintf("record %s not found in %s/%s", id, module, entity))
	}

	// 4. Actor rule: the creator submits; approvers need edit over the row.
	if action == ActionSubmit {
		if current.CreatedBy != rctx.SubjectID {
			return nil, model.NewMutationNotPermittedError("only the creator may submit a record for approval")
		}
	} else {
		if !permission.AuthorizeMutation(perm, model.MutationEdit) {
			return nil, model.NewMutationNotPermittedError(
				fmt.Sprintf("%s requires edit rights on %s/%s", action, module, entity),
			)
		}
		if !permission.FilterRowScope(perm, current, rctx) {
			return nil, model.NewRowOutOfScopeError(id)
		}
	}

	// 5. State rule.
	if current.Status != tr.from {
		return nil, model.NewIllegalTransitionError(current.Status, action)
	}

	// 6. Conditional status write.
	if err := m.store.TransitionStatus(ctx, module, entity, id, tr.from, tr.to, rctx.SubjectID, m.now().UTC()); err != nil {
		if !errors.Is(err, record.ErrStatusMismatch) {
			return nil, model.WrapStorage(err)
		}
		latest, getErr := m.store.Get(ctx, module, entity, id)
		if getErr != nil {
			return nil, model.WrapStorage(getErr)
		}
		return nil, model.NewIllegalTransitionError(latest.Status, action)
	}
	rec, err = m.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}

	// 7. Audit and broadcast.
	m.appendLogs(ctx, rec, action, tr, rctx.SubjectID, comment)
	m.publisher.Publish(ctx, &model.Event{
		ID:         m.newID(),
		Kind:       model.EventStatusChanged,
		Module:     module,
		Entity:     entity,
		RecordID:   id,
		ActorID:    rctx.SubjectID,
		Version:    rec.Version,
		Record:     rec.Clone(),
		FromStatus: tr.from,
		ToStatus:   tr.to,
		Timestamp:  m.now().UTC(),
	})

	return permission.RedactForView(perm, rec), nil
}

func (m *Machine) appendLogs(ctx context.Context, rec *model.Record, action string, tr transition, actorID, comment string) {
	now := m.now().UTC()
	if err := m.recorder.AppendApproval(ctx, model.ApprovalLogEntry{
		ID:         m.newID(),
		RecordID:   rec.ID,
		Module:     rec.Module,
		Entity:     rec.Entity,
		Action:     action,
		ActorID:    actorID,
		FromStatus: tr.from,
		ToStatus:   tr.to,
		Comment:    comment,
		Timestamp:  now,
	}); err != nil {
		m.logger.Warn("appending approval entry failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
	if err := m.recorder.AppendActivity(ctx, model.ActivityLogEntry{
		ID:         m.newID(),
		RecordID:   rec.ID,
		Module:     rec.Module,
		Entity:     rec.Entity,
		Action:     tr.activity,
		ActorID:    actorID,
		Version:    rec.Version,
		FromStatus: tr.from,
		ToStatus:   tr.to,
		Timestamp:  now,
	}); err != nil {
		m.logger.Warn("appending activity failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (m *Machine) finish(ctx context.Context, span trace.Span, action, module, entity string, start time.Time, err error) {
	outcome := observability.EndSpanWithError(span, err)
	ev := model.MutationEvent{Module: module, Entity: entity, Operation: action, Outcome: outcome, Duration: m.now().Sub(start)}
	for _, obs := range m.observers {
		obs.OnMutation(ctx, ev)
	}
}

type nopRecorder struct{}

func (nopRecorder) AppendActivity(context.Context, model.ActivityLogEntry) error { return nil }
func (nopRecorder) AppendApproval(context.Context, model.ApprovalLogEntry) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *model.Event) {}
