package field

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/model"
)

// CategorySource resolves the valid category ids of a dynamic option source.
type CategorySource interface {
	CategoryIDs(ctx context.Context, source string) ([]string, error)
}

// Registry owns the field definitions of every (module, entity). It keeps no
// cache: every call reads the store so a mutating request always sees the
// latest definitions.
type Registry struct {
	store      Store
	categories CategorySource
	logger     *zap.Logger
	now        func() time.Time
}

// NewRegistry creates a Registry over the given store. categories may be nil
// when no field uses a category source.
func NewRegistry(store Store, categories CategorySource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:      store,
		categories: categories,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Definitions returns the fields of (module, entity) in display order. Disabled
// fields are included only when includeDisabled is set.
func (r *Registry) Definitions(ctx context.Context, module, entity string, includeDisabled bool) ([]model.FieldDefinition, error) {
	defs, err := r.store.List(ctx, module, entity)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	if includeDisabled {
		return defs, nil
	}
	enabled := defs[:0]
	for _, d := range defs {
		if d.IsEnabled {
			enabled = append(enabled, d)
		}
	}
	return enabled, nil
}

// Upsert creates or replaces the field identified by (def.Module, def.Entity,
// def.Key). A system field cannot be disabled, lose its system flag, or
// change type.
func (r *Registry) Upsert(ctx context.Context, def model.FieldDefinition) (model.FieldDefinition, error) {
	if violations := checkDefinition(def); len(violations) > 0 {
		return model.FieldDefinition{}, model.NewValidationFailedError(violations)
	}

	existing, err := r.store.Get(ctx, def.Module, def.Entity, def.Key)
	switch {
	case err == nil:
		if existing.IsSystem {
			if !def.IsSystem || !def.IsEnabled {
				return model.FieldDefinition{}, model.NewMutationNotPermittedError(
					fmt.Sprintf("system field %q cannot be disabled or made non-system", def.Key),
				)
			}
			if def.Type != existing.Type {
				return model.FieldDefinition{}, model.NewMutationNotPermittedError(
					fmt.Sprintf("system field %q cannot change type", def.Key),
				)
			}
		}
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
		if def.Order == 0 {
			def.Order = existing.Order
		}
	case model.Is(err, model.ErrNotFound):
		def.ID = uuid.New().String()
		def.CreatedAt = r.now()
		if def.Order == 0 {
			next, err := r.nextOrder(ctx, def.Module, def.Entity)
			if err != nil {
				return model.FieldDefinition{}, err
			}
			def.Order = next
		}
	default:
		return model.FieldDefinition{}, model.WrapStorage(err)
	}

	def.UpdatedAt = r.now()
	if err := r.store.Put(ctx, def); err != nil {
		return model.FieldDefinition{}, model.WrapStorage(err)
	}
	r.logger.Info("field definition saved",
		zap.String("module", def.Module),
		zap.String("entity", def.Entity),
		zap.String("field_key", def.Key),
	)
	return def, nil
}

// Disable soft-deletes a field. System fields are refused.
func (r *Registry) Disable(ctx context.Context, module, entity, key string) (model.FieldDefinition, error) {
	def, err := r.store.Get(ctx, module, entity, key)
	if err != nil {
		return model.FieldDefinition{}, model.WrapStorage(err)
	}
	if def.IsSystem {
		return model.FieldDefinition{}, model.NewMutationNotPermittedError(
			fmt.Sprintf("system field %q cannot be disabled", key),
		)
	}
	def.IsEnabled = false
	def.UpdatedAt = r.now()
	if err := r.store.Put(ctx, def); err != nil {
		return model.FieldDefinition{}, model.WrapStorage(err)
	}
	return def, nil
}

// Reorder assigns display order 1..n to orderedKeys. Fields not listed keep
// their relative order after the listed ones.
func (r *Registry) Reorder(ctx context.Context, module, entity string, orderedKeys []string) ([]model.FieldDefinition, error) {
	defs, err := r.store.List(ctx, module, entity)
	if err != nil {
		return nil, model.WrapStorage(err)
	}
	exists := make(map[string]bool, len(defs))
	for _, d := range defs {
		exists[d.Key] = true
	}

	order := make(map[string]int, len(defs))
	var violations []model.FieldError
	for i, k := range orderedKeys {
		if !exists[k] {
			violations = append(violations, model.FieldError{
				Field: k, Code: model.ViolationUnknownField, Message: fmt.Sprintf("%s is not a field of this entity", k),
			})
			continue
		}
		if _, dup := order[k]; dup {
			violations = append(violations, model.FieldError{
				Field: k, Code: "DUPLICATE", Message: fmt.Sprintf("%s listed more than once", k),
			})
			continue
		}
		order[k] = i + 1
	}
	if len(violations) > 0 {
		return nil, model.NewValidationFailedError(violations)
	}

	next := len(order) + 1
	for _, d := range defs {
		if _, listed := order[d.Key]; !listed {
			order[d.Key] = next
			next++
		}
	}

	if err := r.store.SetOrder(ctx, module, entity, order); err != nil {
		return nil, model.WrapStorage(err)
	}
	return r.Definitions(ctx, module, entity, true)
}

// Seed registers the fields declared by the entity registry. Fields that
// already exist keep their stored settings, except that a seeded system flag
// is always enforced.
func (r *Registry) Seed(ctx context.Context, entities []model.EntityDefinition) error {
	for _, e := range entities {
		for _, def := range e.Fields {
			def.Module, def.Entity = e.Module, e.Entity
			existing, err := r.store.Get(ctx, def.Module, def.Entity, def.Key)
			if err == nil {
				if def.IsSystem && (!existing.IsSystem || !existing.IsEnabled) {
					existing.IsSystem = true
					existing.IsEnabled = true
					existing.UpdatedAt = r.now()
					if err := r.store.Put(ctx, existing); err != nil {
						return fmt.Errorf("seed %s/%s.%s: %w", def.Module, def.Entity, def.Key, err)
					}
				}
				continue
			}
			if !model.Is(err, model.ErrNotFound) {
				return fmt.Errorf("seed %s/%s.%s: %w", def.Module, def.Entity, def.Key, err)
			}
			def.ID = uuid.New().String()
			def.CreatedAt = r.now()
			def.UpdatedAt = def.CreatedAt
			if err := r.store.Put(ctx, def); err != nil {
				return fmt.Errorf("seed %s/%s.%s: %w", def.Module, def.Entity, def.Key, err)
			}
			r.logger.Debug("seeded field",
				zap.String("module", def.Module),
				zap.String("entity", def.Entity),
				zap.String("field_key", def.Key),
			)
		}
	}
	return nil
}

// ResolveCategories loads the category ids needed by the given fields.
func (r *Registry) ResolveCategories(ctx context.Context, defs []model.FieldDefinition) (Categories, error) {
	var out Categories
	for _, d := range defs {
		if d.CategorySource == "" || r.categories == nil {
			continue
		}
		if out == nil {
			out = make(Categories)
		}
		if _, done := out[d.CategorySource]; done {
			continue
		}
		ids, err := r.categories.CategoryIDs(ctx, d.CategorySource)
		if err != nil {
			return nil, model.WrapStorage(fmt.Errorf("resolve categories %q: %w", d.CategorySource, err))
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		out[d.CategorySource] = set
	}
	return out, nil
}

func (r *Registry) nextOrder(ctx context.Context, module, entity string) (int, error) {
	defs, err := r.store.List(ctx, module, entity)
	if err != nil {
		return 0, model.WrapStorage(err)
	}
	highest := 0
	for _, d := range defs {
		if d.Order > highest {
			highest = d.Order
		}
	}
	return highest + 1, nil
}

// checkDefinition validates the structure of an administrator-supplied field.
func checkDefinition(def model.FieldDefinition) []model.FieldError {
	var errs []model.FieldError
	if def.Module == "" || def.Entity == "" {
		errs = append(errs, model.FieldError{Field: "module", Code: model.ViolationRequired, Message: "module and entity are required"})
	}
	if def.Key == "" {
		errs = append(errs, model.FieldError{Field: "field_key", Code: model.ViolationRequired, Message: "field_key is required"})
	}
	if def.Label == "" {
		errs = append(errs, model.FieldError{Field: "label", Code: model.ViolationRequired, Message: "label is required"})
	}
	if !def.Type.Valid() {
		errs = append(errs, model.FieldError{Field: "type", Code: model.ViolationInvalidType, Message: fmt.Sprintf("unknown field type %q", def.Type)})
	}
	if (def.Type == model.FieldSelect || def.Type == model.FieldRadio) && len(def.Options) == 0 && def.CategorySource == "" {
		errs = append(errs, model.FieldError{Field: "options", Code: model.ViolationRequired, Message: "select and radio fields need options or a category source"})
	}
	if v := def.Validation; v != nil {
		if v.Regex != "" {
			if _, err := regexp.Compile(v.Regex); err != nil {
				errs = append(errs, model.FieldError{Field: "validation.regex", Code: model.ViolationPattern, Message: err.Error()})
			}
		}
		if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
			errs = append(errs, model.FieldError{Field: "validation", Code: model.ViolationBelowMin, Message: "min is greater than max"})
		}
		if v.MaxFileSize < 0 {
			errs = append(errs, model.FieldError{Field: "validation.max_file_size", Code: model.ViolationBelowMin, Message: "max_file_size cannot be negative"})
		}
	}
	return errs
}
