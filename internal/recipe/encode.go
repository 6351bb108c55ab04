package recipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// encoded is document with tasks kept as a node so they are written in
// declaration order.
type encoded struct {
	Config       Config                 `yaml:"config"`
	ToolVersions map[string]ToolVersion `yaml:"tool_versions"`
	Tasks        yaml.Node              `yaml:"tasks"`
}

// Marshal renders r as YAML that Parse reads back to an equal recipe.
func Marshal(r *Recipe) ([]byte, error) {
	doc := encoded{
		Config:       r.Config,
		ToolVersions: r.ToolVersions,
		Tasks:        yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"},
	}
	for _, t := range r.Tasks {
		var v yaml.Node
		if err := v.Encode(t); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.Name, err)
		}
		key := yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t.Name}
		doc.Tasks.Content = append(doc.Tasks.Content, &key, &v)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile validates r and writes it to path atomically.
func WriteFile(path string, r *Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create recipe dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write recipe: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write recipe: %w", err)
	}
	return nil
}
