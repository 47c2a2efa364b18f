package entity

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/ledgerly/model"
)

// VError describes a single validation error in an entity file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks entity files structurally before they are registered.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all files, including uniqueness of (module, entity) across files.
func (v *Validator) Validate(files []model.EntityFile) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, f := range files {
		prefix := fmt.Sprintf("files[%d]", i)
		if f.Module == "" {
			errs = append(errs, VError{Path: prefix + ".module", Code: "REQUIRED", Message: "module is required"})
		}
		for j, e := range f.Entities {
			ep := fmt.Sprintf("%s.entities[%d]", prefix, j)
			if e.Entity == "" {
				errs = append(errs, VError{Path: ep + ".entity", Code: "REQUIRED", Message: "entity is required"})
				continue
			}
			key := model.RoomKey(f.Module, e.Entity)
			if other, dup := seen[key]; dup {
				errs = append(errs, VError{
					Path:    ep + ".entity",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("entity %s already declared in %s", key, other),
				})
			}
			seen[key] = f.SourceFile
			errs = append(errs, v.validateFields(ep, e.Fields)...)
		}
	}
	return errs
}

func (v *Validator) validateFields(prefix string, fields []model.FieldDefinition) []VError {
	var errs []VError
	keys := make(map[string]bool)
	for i, fd := range fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if fd.Key == "" {
			errs = append(errs, VError{Path: fp + ".key", Code: "REQUIRED", Message: "key is required"})
		} else if keys[fd.Key] {
			errs = append(errs, VError{Path: fp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("key %q declared twice", fd.Key)})
		}
		keys[fd.Key] = true
		if !fd.Type.Valid() {
			errs = append(errs, VError{Path: fp + ".type", Code: "INVALID", Message: fmt.Sprintf("unknown field type %q", fd.Type)})
		}
		if (fd.Type == model.FieldSelect || fd.Type == model.FieldRadio) && len(fd.Options) == 0 && fd.CategorySource == "" {
			errs = append(errs, VError{Path: fp + ".options", Code: "REQUIRED", Message: "select and radio fields need options or a category_source"})
		}
		if fd.Validation != nil && fd.Validation.Regex != "" {
			if _, err := regexp.Compile(fd.Validation.Regex); err != nil {
				errs = append(errs, VError{Path: fp + ".validation.regex", Code: "INVALID", Message: err.Error()})
			}
		}
		if fd.Validation != nil && fd.Validation.Min != nil && fd.Validation.Max != nil && *fd.Validation.Min > *fd.Validation.Max {
			errs = append(errs, VError{Path: fp + ".validation", Code: "INVALID", Message: "min is greater than max"})
		}
	}
	return errs
}
