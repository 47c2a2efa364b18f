package model

import (
	"time"

	"gopkg.in/yaml.v3"
)

// FieldType is the data type of a dynamic field.
type FieldType string

// Supported field types.
const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldTextarea FieldType = "textarea"
	FieldFile     FieldType = "file"
	FieldImage    FieldType = "image"
	FieldCheckbox FieldType = "checkbox"
	FieldRadio    FieldType = "radio"
)

// Valid reports whether t is one of the supported field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldTextarea,
		FieldFile, FieldImage, FieldCheckbox, FieldRadio:
		return true
	}
	return false
}

// FieldDefinition describes one runtime-configured column of a (module, entity).
// Key is unique within the entity and is the key used in Record.Data.
type FieldDefinition struct {
	ID        string    `yaml:"-"          json:"id"`
	Module    string    `yaml:"-"          json:"module"`
	Entity    string    `yaml:"-"          json:"entity"`
	Key       string    `yaml:"key"        json:"field_key"`
	Label     string    `yaml:"label"      json:"label"`
	Type      FieldType `yaml:"type"       json:"type"`
	IsSystem  bool      `yaml:"system"     json:"is_system"`
	IsEnabled bool      `yaml:"-"          json:"is_enabled"`
	Required  bool      `yaml:"required"   json:"required"`
	ReadOnly  bool      `yaml:"read_only"  json:"read_only"`
	Visible   bool      `yaml:"visible"    json:"visible"`
	Order     int       `yaml:"order"      json:"order"`

	DefaultValue any           `yaml:"default"    json:"default_value,omitempty"`
	Options      []FieldOption `yaml:"options"    json:"options,omitempty"`

	// CategorySource names an external category group whose ids are the
	// allowed values of a select/radio field instead of Options.
	CategorySource string          `yaml:"category_source" json:"category_source,omitempty"`
	Validation     *ValidationRule `yaml:"validation"      json:"validation,omitempty"`

	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

// UnmarshalYAML decodes a field declared in an entity file. Fields are
// visible unless the file says otherwise.
func (f *FieldDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain FieldDefinition
	p := plain{Visible: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FieldDefinition(p)
	return nil
}

// FieldOption is one member of the closed option set of a select/radio field.
type FieldOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// ValidationRule holds the optional constraints of a field. Min and Max bound
// numeric values for number fields and string length for text fields.
type ValidationRule struct {
	Min              *float64 `yaml:"min"                json:"min,omitempty"`
	Max              *float64 `yaml:"max"                json:"max,omitempty"`
	Regex            string   `yaml:"regex"              json:"regex,omitempty"`
	AllowedFileTypes []string `yaml:"allowed_file_types" json:"allowed_file_types,omitempty"`
	MaxFileSize      int64    `yaml:"max_file_size"      json:"max_file_size,omitempty"`
}

// HasOption reports whether value is a member of the field's static options.
func (f *FieldDefinition) HasOption(value string) bool {
	for _, o := range f.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}
