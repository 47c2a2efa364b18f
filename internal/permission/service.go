package permission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/model"
)

// Service exposes permission administration. Only callers holding one of the
// admin roles may read or write another user's permissions.
type Service struct {
	store      Store
	resolver   *Resolver
	adminRoles []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a new permission Service.
func NewService(store Store, resolver *Resolver, adminRoles []string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		resolver:   resolver,
		adminRoles: adminRoles,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the stored permission of userID over (module, entity), or the
// all-false default when none is stored.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, userID, module, entity string) (*model.Permission, error) {
	if !rctx.HasAnyRole(s.adminRoles...) {
		return nil, model.NewAccessDeniedError(module, entity)
	}
	p, err := s.store.Get(ctx, userID, module, entity)
	if model.Is(err, model.ErrNotFound) {
		return model.NoPermission(userID, module, entity), nil
	}
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	return p, nil
}

// List returns every stored permission of userID.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, userID string) ([]*model.Permission, error) {
	if !rctx.HasAnyRole(s.adminRoles...) {
		return nil, model.NewAccessDeniedError("", "")
	}
	out, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	return out, nil
}

// Set replaces the permission of p.UserID over (p.Module, p.Entity) and
// invalidates cached copies so the next resolution observes it.
func (s *Service) Set(ctx context.Context, rctx *model.RequestContext, p *model.Permission) (*model.Permission, error) {
	if !rctx.HasAnyRole(s.adminRoles...) {
		return nil, model.NewAccessDeniedError(p.Module, p.Entity)
	}
	if details := checkPermission(p); len(details) > 0 {
		return nil, model.NewValidationFailedError(details)
	}

	saved := p.Clone()
	saved.UpdatedBy = rctx.SubjectID
	saved.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, saved); err != nil {
		return nil, model.WrapStorage(err)
	}
	s.resolver.Invalidate(saved.UserID, saved.Module, saved.Entity)

	s.logger.Info("permission updated",
		zap.String("user_id", saved.UserID),
		zap.String("module", saved.Module),
		zap.String("entity", saved.Entity),
		zap.String("updated_by", saved.UpdatedBy),
		zap.String("scope", string(saved.Scope)),
	)
	return saved, nil
}

func checkPermission(p *model.Permission) []model.FieldError {
	var details []model.FieldError
	if p.UserID == "" {
		details = append(details, model.FieldError{Field: "user_id", Code: model.ViolationRequired, Message: "user_id is required"})
	}
	if p.Module == "" {
		details = append(details, model.FieldError{Field: "module", Code: model.ViolationRequired, Message: "module is required"})
	}
	if p.Entity == "" {
		details = append(details, model.FieldError{Field: "entity", Code: model.ViolationRequired, Message: "entity is required"})
	}
	if !p.Scope.Valid() {
		details = append(details, model.FieldError{
			Field:   "scope",
			Code:    model.ViolationInvalidOption,
			Message: fmt.Sprintf("scope %q must be one of own, department, all", p.Scope),
		})
	}
	return details
}
