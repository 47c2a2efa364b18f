package model

// EntityFile is the root structure of an entity registry file.
type EntityFile struct {
	Module   string             `yaml:"module"`
	Entities []EntityDefinition `yaml:"entities"`

	// Categories maps a category source name to its valid category ids.
	Categories map[string][]string `yaml:"categories"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-"`
}

// EntityDefinition declares one (module, entity) and its static settings.
type EntityDefinition struct {
	Module   string `yaml:"-"        json:"module"`
	Entity   string `yaml:"entity"   json:"entity"`
	Label    string `yaml:"label"    json:"label"`
	Approval bool   `yaml:"approval" json:"approval"`

	// Fields seeds the field registry on startup. Seeded fields keep any
	// administrator changes already stored.
	Fields []FieldDefinition `yaml:"fields" json:"-"`
}
