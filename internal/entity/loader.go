// Package entity loads the (module, entity) registry from YAML files and
// serves it through a lock-free registry with atomic pointer swap.
package entity

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/ledgerly/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for YAML entity files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new entity Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into an EntityFile.
func (l *Loader) LoadAll(directories []string) ([]model.EntityFile, error) {
	var files []model.EntityFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML entity file. Every entity inherits
// the file's module, and seeded fields start enabled.
func (l *Loader) LoadFile(path string) (model.EntityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.EntityFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f model.EntityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.EntityFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range f.Entities {
		e := &f.Entities[i]
		e.Module = f.Module
		for j := range e.Fields {
			fd := &e.Fields[j]
			fd.Module = f.Module
			fd.Entity = e.Entity
			fd.IsEnabled = true
			if fd.Order == 0 {
				fd.Order = j + 1
			}
		}
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path

	return f, nil
}
