// Package registry loads the template registry: the ordered list of fleet
// members mapping a repository name to its source path in the template
// monorepo.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fleetsync/fleetsync/internal/api"
)

// repo names become URL path elements on the hosting provider
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type file struct {
	Templates []api.TemplateEntry `yaml:"templates"`
}

// Load reads and validates the registry file. Entry order is preserved; it
// is the order entries are synced and reported in.
func Load(path string) ([]api.TemplateEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("registry %s lists no templates", path)
	}

	seen := make(map[string]bool, len(f.Templates))
	for i, e := range f.Templates {
		if e.Name == "" {
			return nil, fmt.Errorf("registry entry %d: name is required", i)
		}
		if !nameRe.MatchString(e.Name) {
			return nil, fmt.Errorf("registry entry %d: invalid name %q", i, e.Name)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("registry entry %d: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true

		if e.SourcePath == "" {
			return nil, fmt.Errorf("registry entry %q: source_path is required", e.Name)
		}
		if filepath.IsAbs(e.SourcePath) || hasDotDot(e.SourcePath) {
			return nil, fmt.Errorf("registry entry %q: source_path must be relative to the monorepo root: %s", e.Name, e.SourcePath)
		}
	}

	return f.Templates, nil
}

func hasDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
