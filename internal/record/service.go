package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/internal/field"
	"github.com/pitabwire/ledgerly/internal/observability"
	"github.com/pitabwire/ledgerly/internal/permission"
	"github.com/pitabwire/ledgerly/model"
)

// EntitySource tells which (module, entity) pairs exist.
type EntitySource interface {
	Require(module, entity string) (model.EntityDefinition, error)
}

// FieldSource supplies the field definitions of an entity and the category
// sets of its category-sourced fields.
type FieldSource interface {
	Definitions(ctx context.Context, module, entity string, includeDisabled bool) ([]model.FieldDefinition, error)
	ResolveCategories(ctx context.Context, defs []model.FieldDefinition) (field.Categories, error)
}

// PermissionResolver resolves the caller's permission. ResolveFresh must
// not serve from a cache.
type PermissionResolver interface {
	Resolve(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error)
	ResolveFresh(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error)
}

// ActivityRecorder receives append-only activity entries.
type ActivityRecorder interface {
	AppendActivity(ctx context.Context, entry model.ActivityLogEntry) error
}

// Publisher receives change events for real-time delivery.
type Publisher interface {
	Publish(ctx context.Context, ev *model.Event)
}

// MutationObserver receives the outcome of every record operation.
// Implementations may record metrics.
type MutationObserver interface {
	OnMutation(ctx context.Context, event model.MutationEvent)
}

// Service runs record operations through validation, the permission gates,
// and the store's conditional writes, then fans the result out to the
// activity log and real-time subscribers.
type Service struct {
	store       Store
	entities    EntitySource
	fields      FieldSource
	perms       PermissionResolver
	activity    ActivityRecorder
	publisher   Publisher
	idempotency IdempotencyStore
	idemTTL     time.Duration
	observers   []MutationObserver
	logger      *zap.Logger
	redactor    *observability.Redactor
	now         func() time.Time
	newID       func() string
}

// ServiceOption configures optional dependencies.
type ServiceOption func(*Service)

// WithActivityRecorder sets the activity log.
func WithActivityRecorder(r ActivityRecorder) ServiceOption {
	return func(s *Service) { s.activity = r }
}

// WithPublisher sets the real-time publisher.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithIdempotencyStore enables Idempotency-Key handling on create.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.idempotency = store
		s.idemTTL = ttl
	}
}

// WithObserver adds a mutation observer.
func WithObserver(obs MutationObserver) ServiceOption {
	return func(s *Service) { s.observers = append(s.observers, obs) }
}

// WithRedactor sets the masking applied to record data in debug logs.
func WithRedactor(r *observability.Redactor) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.redactor = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a record Service with its required dependencies.
func NewService(store Store, entities EntitySource, fields FieldSource, perms PermissionResolver, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		entities:  entities,
		fields:    fields,
		perms:     perms,
		activity:  nopRecorder{},
		publisher: nopPublisher{},
		idemTTL:   24 * time.Hour,
		logger:    zap.NewNop(),
		redactor:  observability.NewRedactor(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates data and persists a new record at version 1 in draft.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, module, entity string, data map[string]any) (*model.Record, error) {
	return s.CreateIdempotent(ctx, rctx, module, entity, "", data)
}

// CreateIdempotent is Create deduplicated by idempotencyKey. A retry with
// the same key and data returns the record the first attempt created.
func (s *Service) CreateIdempotent(
	ctx context.Context,
	rctx *model.RequestContext,
	module, entity, idempotencyKey string,
	data map[string]any,
) (rec *model.Record, err error) {
	ctx, done := s.begin(ctx, rctx, "create", module, entity, "")
	defer func() { done(err) }()

	// Step 1: Entity must exist.
	def, err := s.entities.Require(module, entity)
	if err != nil {
		return nil, err
	}

	// Step 2: Entity and mutation gates.
	perm, err := s.perms.ResolveFresh(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	if !permission.AuthorizeMutation(perm, model.MutationCreate) {
		return nil, model.NewMutationNotPermittedError(
			fmt.Sprintf("create not permitted on %s/%s", module, entity),
		)
	}

	// Step 3: Idempotency. The key is reserved until the create persists;
	// any earlier return gives it back.
	var idemKey, hash string
	reserved := false
	defer func() {
		if !reserved || rec != nil {
			return
		}
		if err := s.idempotency.Release(context.WithoutCancel(ctx), idemKey); err != nil {
			s.logger.Warn("releasing idempotency key failed", zap.Error(err))
		}
	}()
	if idempotencyKey != "" && s.idempotency != nil {
		idemKey = FormatIdempotencyKey(module, entity, rctx.SubjectID, idempotencyKey)
		hash = hashInput(data)
		id, found, err := s.idempotency.Reserve(ctx, idemKey, hash)
		if err != nil {
			return nil, model.WrapStorage(err)
		}
		if found {
			prev, err := s.store.Get(ctx, module, entity, id)
			if err != nil {
				return nil, model.WrapStorage(err)
			}
			return permission.RedactForView(perm, prev), nil
		}
		reserved = true
	}

	// Step 4: Validate every field.
	defs, cats, err := s.definitions(ctx, module, entity)
	if err != nil {
		return nil, err
	}
	normalized, violations := field.ValidateData(defs, data, field.ModeCreate, cats)
	if len(violations) > 0 {
		s.logRejected(ctx, rctx, "create", module, entity, data, violations)
		return nil, model.NewValidationFailedError(violations)
	}

	// Step 5: Persist. Entities without approval are approved from the start.
	status := model.StatusDraft
	if !def.Approval {
		status = model.StatusApproved
	}
	now := s.now().UTC()
	rec = &model.Record{
		ID:         s.newID(),
		Module:     module,
		Entity:     entity,
		Data:       normalized,
		Version:    1,
		Status:     status,
		Department: rctx.Department,
		CreatedBy:  rctx.SubjectID,
		UpdatedBy:  rctx.SubjectID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, model.WrapStorage(err)
	}

	if idemKey != "" {
		if err := s.idempotency.Store(ctx, idemKey, hash, rec.ID, s.idemTTL); err != nil {
			s.logger.Warn("storing idempotency key failed",
				zap.String("record_id", rec.ID), zap.Error(err))
		}
	}

	// Step 6: Audit and broadcast.
	s.recordActivity(ctx, rec, model.ActivityCreated, rctx.SubjectID, Diff(nil, rec.Data))
	s.publish(ctx, rec, model.EventRecordCreated, rctx.SubjectID, ChangedKeys(Diff(nil, rec.Data)))

	return permission.RedactForView(perm, rec), nil
}

// Update applies the keys of data that differ from the stored record, only
// if expectedVersion is the stored version. A stale write returns
// VERSION_CONFLICT carrying the current record and leaves storage untouched.
func (s *Service) Update(
	ctx context.Context,
	rctx *model.RequestContext,
	module, entity, id string,
	data map[string]any,
	expectedVersion int64,
) (rec *model.Record, err error) {
	ctx, done := s.begin(ctx, rctx, "update", module, entity, id)
	defer func() { done(err) }()

	// Step 1: Entity and mutation gates, on a permission read fresh for
	// this call.
	perm, err := s.perms.ResolveFresh(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	if !permission.AuthorizeMutation(perm, model.MutationEdit) {
		return nil, model.NewMutationNotPermittedError(
			fmt.Sprintf("edit not permitted on %s/%s", module, entity),
		)
	}

	// Step 2: Load the current record.
	current, err := s.load(ctx, module, entity, id)
	if err != nil {
		return nil, err
	}
	if !permission.FilterRowScope(perm, current, rctx) {
		return nil, model.NewRowOutOfScopeError(id)
	}

	// Step 3: Reject a stale version before doing any work.
	if expectedVersion != current.Version {
		return nil, s.conflict(ctx, rctx, perm, current, expectedVersion)
	}

	// Step 4: Validate the proposed keys.
	defs, cats, err := s.definitions(ctx, module, entity)
	if err != nil {
		return nil, err
	}
	normalized, violations := field.ValidateData(defs, data, field.ModeUpdate, cats)
	if len(violations) > 0 {
		s.logRejected(ctx, rctx, "update", module, entity, data, violations)
		return nil, model.NewValidationFailedError(violations)
	}

	// Step 5: Column gate over the diff. Read-only fields are never editable.
	changes := Diff(current.Data, normalized)
	if err := permission.AuthorizeColumnWrite(columnGate(perm, defs), ChangedKeys(changes)); err != nil {
		return nil, err
	}

	// Step 6: Conditional write.
	next := current.Clone()
	next.Data = Apply(current.Data, changes)
	next.UpdatedBy = rctx.SubjectID
	next.UpdatedAt = s.now().UTC()
	if err := s.store.CompareAndSwap(ctx, next, expectedVersion); err != nil {
		if !errors.Is(err, ErrVersionMismatch) {
			return nil, model.WrapStorage(err)
		}
		latest, loadErr := s.load(ctx, module, entity, id)
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, s.conflict(ctx, rctx, perm, latest, expectedVersion)
	}
	next.Version = expectedVersion + 1

	// Step 7: Audit and broadcast.
	s.recordActivity(ctx, next, model.ActivityUpdated, rctx.SubjectID, changes)
	s.publish(ctx, next, model.EventRecordUpdated, rctx.SubjectID, ChangedKeys(changes))

	return permission.RedactForView(perm, next), nil
}

// Delete soft-deletes a record. It needs access, delete, and row scope.
// Deleting a deleted record is a no-op.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (rec *model.Record, err error) {
	ctx, done := s.begin(ctx, rctx, "delete", module, entity, id)
	defer func() { done(err) }()
	return s.setDeleted(ctx, rctx, module, entity, id, true)
}

// Restore clears the soft-delete flag under the same gates as Delete.
func (s *Service) Restore(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (rec *model.Record, err error) {
	ctx, done := s.begin(ctx, rctx, "restore", module, entity, id)
	defer func() { done(err) }()
	return s.setDeleted(ctx, rctx, module, entity, id, false)
}

func (s *Service) setDeleted(ctx context.Context, rctx *model.RequestContext, module, entity, id string, deleted bool) (*model.Record, error) {
	perm, err := s.perms.ResolveFresh(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	if !permission.AuthorizeMutation(perm, model.MutationDelete) {
		return nil, model.NewMutationNotPermittedError(
			fmt.Sprintf("delete not permitted on %s/%s", module, entity),
		)
	}

	current, err := s.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if !permission.FilterRowScope(perm, current, rctx) {
		return nil, model.NewRowOutOfScopeError(id)
	}
	if current.IsDeleted == deleted {
		return permission.RedactForView(perm, current), nil
	}

	if err := s.store.SetDeleted(ctx, module, entity, id, deleted, rctx.SubjectID, s.now().UTC()); err != nil {
		return nil, model.WrapStorage(err)
	}
	rec, err := s.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}

	action, kind := model.ActivityDeleted, model.EventRecordDeleted
	if !deleted {
		action, kind = model.ActivityRestored, model.EventRecordRestored
	}
	s.recordActivity(ctx, rec, action, rctx.SubjectID, nil)
	s.publish(ctx, rec, kind, rctx.SubjectID, nil)

	return permission.RedactForView(perm, rec), nil
}

// Get returns one record redacted for the caller. Deleted records are
// visible only to callers allowed to restore them.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error) {
	perm, err := s.perms.Resolve(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	rec, err := s.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if rec.IsDeleted && !permission.AuthorizeMutation(perm, model.MutationDelete) {
		return nil, notFound(module, entity, id)
	}
	if !permission.FilterRowScope(perm, rec, rctx) {
		return nil, model.NewRowOutOfScopeError(id)
	}
	return permission.RedactForView(perm, rec), nil
}

// List returns one page of the records in the caller's row scope, each
// redacted for the caller. Filters may only name fields the caller can view.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, module, entity string, q model.ListQuery) (*model.RecordPage, error) {
	if _, err := s.entities.Require(module, entity); err != nil {
		return nil, err
	}
	perm, err := s.perms.Resolve(ctx, rctx, module, entity)
	if err != nil {
		return nil, err
	}
	if !permission.AuthorizeAccess(perm) {
		return nil, model.NewAccessDeniedError(module, entity)
	}

	if len(q.Filters) > 0 {
		defs, err := s.fields.Definitions(ctx, module, entity, false)
		if err != nil {
			return nil, model.WrapStorage(err)
		}
		if violations := checkFilters(perm, defs, q.Filters); len(violations) > 0 {
			return nil, model.NewValidationFailedError(violations)
		}
	}
	if q.IncludeDeleted && !permission.AuthorizeMutation(perm, model.MutationDelete) {
		q.IncludeDeleted = false
	}
	q = q.Normalize()

	items, total, err := s.store.List(ctx, Query{
		ListQuery:  q,
		Module:     module,
		Entity:     entity,
		Scope:      perm.Scope,
		CreatedBy:  rctx.SubjectID,
		Department: rctx.Department,
	})
	if err != nil {
		return nil, model.WrapStorage(err)
	}

	page := &model.RecordPage{Items: make([]*model.Record, 0, len(items)), Total: total, Page: q.Page, PageSize: q.PageSize}
	for _, rec := range items {
		if !permission.FilterRowScope(perm, rec, rctx) {
			continue
		}
		page.Items = append(page.Items, permission.RedactForView(perm, rec))
	}
	return page, nil
}

// conflict records and announces a losing write, and returns the
// VERSION_CONFLICT error carrying current redacted for the caller.
func (s *Service) conflict(
	ctx context.Context,
	rctx *model.RequestContext,
	perm *model.Permission,
	current *model.Record,
	expectedVersion int64,
) error {
	s.logger.Debug("version conflict",
		zap.String("record_id", current.ID),
		zap.String("subject_id", rctx.SubjectID),
		zap.Int64("expected_version", expectedVersion),
		zap.Int64("current_version", current.Version),
	)
	s.recordActivity(ctx, current, model.ActivityUpdateConflict, rctx.SubjectID, nil)

	if rctx.ConnectionID != "" {
		s.publisher.Publish(ctx, &model.Event{
			ID:        s.newID(),
			Kind:      model.EventVersionConflict,
			Module:    current.Module,
			Entity:    current.Entity,
			RecordID:  current.ID,
			ActorID:   rctx.SubjectID,
			Version:   current.Version,
			Record:    current.Clone(),
			Timestamp: s.now().UTC(),
			Target:    rctx.ConnectionID,
		})
	}
	return model.NewVersionConflictError(permission.RedactForView(perm, current), expectedVersion)
}

// load returns a live record. Deleted records are NOT_FOUND to writers.
func (s *Service) load(ctx context.Context, module, entity, id string) (*model.Record, error) {
	rec, err := s.store.Get(ctx, module, entity, id)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if rec.IsDeleted {
		return nil, notFound(module, entity, id)
	}
	return rec, nil
}

func (s *Service) definitions(ctx context.Context, module, entity string) ([]model.FieldDefinition, field.Categories, error) {
	defs, err := s.fields.Definitions(ctx, module, entity, false)
	if err != nil {
		return nil, nil, model.WrapStorage(err)
	}
	cats, err := s.fields.ResolveCategories(ctx, defs)
	if err != nil {
		return nil, nil, model.WrapStorage(err)
	}
	return defs, cats, nil
}

func (s *Service) recordActivity(ctx context.Context, rec *model.Record, action, actorID string, changes []model.FieldChange) {
	entry := model.ActivityLogEntry{
		ID:        s.newID(),
		RecordID:  rec.ID,
		Module:    rec.Module,
		Entity:    rec.Entity,
		Action:    action,
		ActorID:   actorID,
		Version:   rec.Version,
		Changes:   changes,
		Timestamp: s.now().UTC(),
	}
	if err := s.activity.AppendActivity(ctx, entry); err != nil {
		s.logger.Warn("appending activity failed",
			zap.String("record_id", rec.ID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, rec *model.Record, kind model.EventKind, actorID string, changed []string) {
	s.publisher.Publish(ctx, &model.Event{
		ID:        s.newID(),
		Kind:      kind,
		Module:    rec.Module,
		Entity:    rec.Entity,
		RecordID:  rec.ID,
		ActorID:   actorID,
		Version:   rec.Version,
		Record:    rec.Clone(),
		Changed:   changed,
		Timestamp: s.now().UTC(),
	})
}

// logRejected logs a payload that failed validation, with sensitive keys
// masked.
func (s *Service) logRejected(
	ctx context.Context,
	rctx *model.RequestContext,
	op, module, entity string,
	data map[string]any,
	violations []model.FieldError,
) {
	logger := observability.LoggerFrom(ctx, nil)
	if logger == nil {
		logger = s.logger.With(observability.CallerFields(rctx)...)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	logger.Debug("payload rejected",
		zap.String("operation", op),
		zap.String("module", module),
		zap.String("entity", entity),
		zap.Int("violations", len(violations)),
		s.redactor.Field("data", data),
	)
}

// begin starts a span for one operation and returns the func that ends it
// and notifies observers.
func (s *Service) begin(ctx context.Context, rctx *model.RequestContext, op, module, entity, id string) (context.Context, func(error)) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "record."+op,
		observability.AttrModule.String(module),
		observability.AttrEntity.String(entity),
		observability.AttrRecordID.String(id),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	return ctx, func(err error) {
		outcome := observability.EndSpanWithError(span, err)
		ev := model.MutationEvent{Module: module, Entity: entity, Operation: op, Outcome: outcome, Duration: s.now().Sub(start)}
		for _, obs := range s.observers {
			obs.OnMutation(ctx, ev)
		}
	}
}

// columnGate returns perm with every read-only field marked not editable.
func columnGate(perm *model.Permission, defs []model.FieldDefinition) *model.Permission {
	gate := perm.Clone()
	for _, d := range defs {
		if !d.ReadOnly {
			continue
		}
		if gate.Columns == nil {
			gate.Columns = make(map[string]model.ColumnPermission)
		}
		c := gate.Column(d.Key)
		c.Edit = false
		gate.Columns[d.Key] = c
	}
	return gate
}

func checkFilters(perm *model.Permission, defs []model.FieldDefinition, filters map[string]string) []model.FieldError {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Key] = true
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var violations []model.FieldError
	for _, k := range keys {
		switch {
		case !known[k]:
			violations = append(violations, model.FieldError{
				Field: k, Code: model.ViolationUnknownField, Message: fmt.Sprintf("unknown field %s", k),
			})
		case !perm.Column(k).View:
			violations = append(violations, model.FieldError{
				Field: k, Code: model.ViolationNotViewable, Message: fmt.Sprintf("field %s not viewable", k),
			})
		}
	}
	return violations
}

type nopRecorder struct{}

func (nopRecorder) AppendActivity(context.Context, model.ActivityLogEntry) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *model.Event) {}
