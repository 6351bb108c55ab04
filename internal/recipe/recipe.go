// Package recipe loads and validates the declarative batch description:
// global limits, named tool versions and the ordered set of tasks.
package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Recipe is the validated, in-memory form of a recipe file.
type Recipe struct {
	Config       Config                 `yaml:"config"`
	ToolVersions map[string]ToolVersion `yaml:"tool_versions"`
	Tasks        []Task                 `yaml:"-"`
}

// Config carries run-wide limits and defaults.
type Config struct {
	MaxCores        Limit  `yaml:"max_cores"`
	MaxMemoryGB     Limit  `yaml:"max_memory_gb"`
	DefaultTimeoutS int    `yaml:"default_timeout_s"`
	OutputDirectory string `yaml:"output_directory"`
	// Optional per-unit defaults; when absent the expander derives them
	// from the resolved global limits.
	DefaultCores    *int `yaml:"default_cores,omitempty"`
	DefaultMemoryGB *int `yaml:"default_memory_gb,omitempty"`
}

// ToolVersion names one executable build of the prover.
type ToolVersion struct {
	Path    string `yaml:"path"`
	Version string `yaml:"version,omitempty"`
}

// Task targets one theory file with one or more tool versions.
//
// Pointer fields distinguish "absent" (nil, inherit) from "present" so a
// more specific layer can replace a value with an empty one.
type Task struct {
	Name             string    `yaml:"-"`
	TheoryFile       string    `yaml:"theory_file"`
	ToolVersions     []string  `yaml:"tool_versions"`
	OutputFilePrefix string    `yaml:"output_file_prefix"`
	Lemmas           *[]Lemma  `yaml:"lemmas,omitempty"`
	ToolOptions      *[]string `yaml:"tool_options,omitempty"`
	PreprocessFlags  *[]string `yaml:"preprocess_flags,omitempty"`
	Resources        Resources `yaml:"resources,omitempty"`
}

// Lemma selects one lemma (or a glob of lemmas) with optional overrides.
type Lemma struct {
	Name            string    `yaml:"name"`
	ToolVersions    *[]string `yaml:"tool_versions,omitempty"`
	ToolOptions     *[]string `yaml:"tool_options,omitempty"`
	PreprocessFlags *[]string `yaml:"preprocess_flags,omitempty"`
	Resources       Resources `yaml:"resources,omitempty"`
}

// Resources holds per-field optional resource overrides.
type Resources struct {
	Cores    *int `yaml:"cores,omitempty"`
	MemoryGB *int `yaml:"memory_gb,omitempty"`
	TimeoutS *int `yaml:"timeout_s,omitempty"`
}

// document mirrors the file layout. Tasks are decoded twice: once strictly
// into a map for content and once as a node to keep declaration order.
type document struct {
	Config       Config                 `yaml:"config"`
	ToolVersions map[string]ToolVersion `yaml:"tool_versions"`
	Tasks        map[string]Task        `yaml:"tasks"`
}

type orderOnly struct {
	Tasks yaml.Node `yaml:"tasks"`
}

// Load reads and validates a recipe from a YAML or JSON file.
func Load(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	r, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates recipe content. JSON input is accepted since
// it is valid YAML.
func Parse(content []byte) (*Recipe, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse recipe: empty document")
		}
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	var order orderOnly
	if err := yaml.Unmarshal(content, &order); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}

	r := &Recipe{Config: doc.Config, ToolVersions: doc.ToolVersions}
	if order.Tasks.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(order.Tasks.Content); i += 2 {
			name := order.Tasks.Content[i].Value
			task := doc.Tasks[name]
			task.Name = name
			r.Tasks = append(r.Tasks, task)
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Task returns the task with the given name.
func (r *Recipe) Task(name string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}
