package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/lumen/internal/models"
)

// Store loads workflow templates from a directory. JSON and YAML
// documents are supported; both decode into the same graph shape.
type Store struct {
	dir    string
	logger arbor.ILogger
}

// NewStore creates a workflow template store
func NewStore(dir string, logger arbor.ILogger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
	}
}

// List returns the available template filenames, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".json" || ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load resolves a template by name and returns its job graph. Names
// without an extension try .json first, then .yaml. Documents that wrap
// the graph under a top-level "prompt" key are unwrapped.
func (s *Store) Load(name string) (map[string]interface{}, error) {
	path, err := s.resolvePath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	var doc map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML in template %s: %w", name, err)
		}
		doc = normalizeYAML(doc)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON in template %s: %w", name, err)
		}
	}

	// Some exports wrap the graph: {"prompt": {...node graph...}}
	if inner, ok := doc["prompt"].(map[string]interface{}); ok {
		return inner, nil
	}

	return doc, nil
}

// resolvePath maps a template name to a file path, trying known
// extensions when the name carries none
func (s *Store) resolvePath(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %s", models.ErrTemplateNotFound, name)
	}

	if filepath.Ext(name) != "" {
		return filepath.Join(s.dir, name), nil
	}

	for _, ext := range []string{".json", ".yaml", ".yml"} {
		candidate := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	// Default to .json so the not-found error names a concrete file
	return filepath.Join(s.dir, name+".json"), nil
}

// normalizeYAML converts yaml.v3's map[string]interface{} trees that may
// contain map[interface{}]interface{} children into pure string-keyed maps
// so templates behave identically regardless of source format.
func normalizeYAML(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeYAML(t)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	default:
		return v
	}
}
