package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// SampleName is the name the builtin Default schema is registered under.
const SampleName = "sample"

var (
	ErrNotFound    = errors.New("schema not found")
	ErrInvalidName = errors.New("invalid schema name")

	validName = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

	extensions = []string{".json", ".jsonc", ".yaml", ".yml"}
)

// Registry resolves schemas by name: the builtin sample schema first, then files named
// <name>.json, <name>.jsonc, <name>.yaml or <name>.yml inside Dir.
type Registry struct {
	Dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{Dir: dir}
}

// Lookup loads the named schema. Every call returns a fresh copy.
func (r *Registry) Lookup(name string) (*Schema, error) {
	if !validName.MatchString(name) || strings.Trim(name, ".") == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if r.Dir != "" {
		for _, ext := range extensions {
			path := filepath.Join(r.Dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}
	}
	if name == SampleName {
		return Default(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// List returns the names of all schemas the registry can resolve, sorted.
func (r *Registry) List() ([]string, error) {
	seen := map[string]bool{SampleName: true}
	if r.Dir != "" {
		entries, err := os.ReadDir(r.Dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading schema directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			for _, known := range extensions {
				if ext == known {
					name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
					if validName.MatchString(name) {
						seen[name] = true
					}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Resolve accepts either a path to a schema file or a registry name.
func (r *Registry) Resolve(nameOrPath string) (*Schema, error) {
	if strings.ContainsRune(nameOrPath, os.PathSeparator) || strings.ContainsRune(nameOrPath, '/') {
		return Load(nameOrPath)
	}
	if _, err := FormatFromPath(nameOrPath); err == nil {
		if _, statErr := os.Stat(nameOrPath); statErr == nil {
			return Load(nameOrPath)
		}
	}
	return r.Lookup(nameOrPath)
}
