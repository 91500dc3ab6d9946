package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"rowflow/internal/spec"
)

const SupportedSchema = "v1"

func checkSchema(kind, version string) error {
	if version != "" && version != SupportedSchema {
		return fmt.Errorf("%s schema_version %q not supported (want %q)", kind, version, SupportedSchema)
	}
	return nil
}

// ParseGraph substitutes vars into raw, parses it and checks
// schema_version.
func ParseGraph(raw []byte, vars map[string]string) (spec.Graph, error) {
	var g spec.Graph
	if err := yaml.Unmarshal([]byte(Substitute(string(raw), vars)), &g); err != nil {
		return g, err
	}
	if err := checkSchema("graph", g.SchemaVersion); err != nil {
		return g, err
	}
	g.SchemaVersion = SupportedSchema
	return g, nil
}

// LoadGraph reads a graph file. An unnamed graph takes the file's base name.
func LoadGraph(path string, vars map[string]string) (spec.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return spec.Graph{}, err
	}
	g, err := ParseGraph(raw, vars)
	if err != nil {
		return g, fmt.Errorf("%s: %w", path, err)
	}
	if g.Name == "" {
		g.Name = baseName(path)
	}
	return g, nil
}

func ParseWorkflow(raw []byte, vars map[string]string) (spec.Workflow, error) {
	var w spec.Workflow
	if err := yaml.Unmarshal([]byte(Substitute(string(raw), vars)), &w); err != nil {
		return w, err
	}
	if err := checkSchema("workflow", w.SchemaVersion); err != nil {
		return w, err
	}
	w.SchemaVersion = SupportedSchema
	return w, nil
}

// LoadWorkflow reads a workflow file. Variables declared in the file are
// substituted too; vars take precedence over them.
func LoadWorkflow(path string, vars map[string]string) (spec.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return spec.Workflow{}, err
	}
	var head struct {
		Variables map[string]string `yaml:"variables"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return spec.Workflow{}, fmt.Errorf("%s: %w", path, err)
	}
	merged := Merge(head.Variables, vars)
	w, err := ParseWorkflow(raw, merged)
	if err != nil {
		return w, fmt.Errorf("%s: %w", path, err)
	}
	w.Variables = merged
	if w.Name == "" {
		w.Name = baseName(path)
	}
	return w, nil
}

// ResolvePath makes a path from a file relative to that file's directory.
func ResolvePath(from, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(from), path)
}

func baseName(path string) string {
	b := filepath.Base(path)
	return b[:len(b)-len(filepath.Ext(b))]
}
