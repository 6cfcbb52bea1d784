package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDefinitions scans a directory for declarative skill manifests. Each
// subdirectory should contain a skill.json file and optionally a content.md
// that overrides the content field. If dir doesn't exist, returns an empty
// slice without error.
func LoadDefinitions(dir string) ([]Definition, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading definitions directory %s: %w", dir, err)
	}

	var defs []Definition
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		d, err := loadDefinitionFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading definition %s: %w", entry.Name(), err)
		}
		if d != nil {
			defs = append(defs, *d)
		}
	}

	return defs, nil
}

func loadDefinitionFromSubdir(dir string) (*Definition, error) {
	jsonPath := filepath.Join(dir, "skill.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill.json: %w", err)
	}

	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing skill.json in %s: %w", dir, err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("skill.json in %s has no name", dir)
	}
	d.Path = jsonPath

	// Optionally override content with content.md.
	contentPath := filepath.Join(dir, "content.md")
	if contentData, err := os.ReadFile(contentPath); err == nil {
		d.Content = strings.TrimSpace(string(contentData))
	}

	return &d, nil
}
