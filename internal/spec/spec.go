// Package spec holds the YAML shapes of graph and workflow files.
package spec

import (
	"gopkg.in/yaml.v3"

	"rowflow/internal/logtable"
)

type GraphLog struct {
	Level          string            `yaml:"level"`
	PipelineTable  logtable.Settings `yaml:"pipeline_table"`
	TransformTable logtable.Settings `yaml:"transform_table"`
}

// Transform is one node of a graph file. Config is decoded by the factory
// registered for Kind.
type Transform struct {
	Name   string    `yaml:"name"`
	Kind   string    `yaml:"kind"`
	Copies int       `yaml:"copies"`
	Config yaml.Node `yaml:"config"`
}

type Hop struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Disabled bool   `yaml:"disabled"`
}

type Graph struct {
	SchemaVersion string `yaml:"schema_version"`
	Name          string `yaml:"name"`
	// ChannelSize bounds every row channel of the graph.
	ChannelSize int         `yaml:"channel_size"`
	Log         GraphLog    `yaml:"log"`
	Transforms  []Transform `yaml:"transforms"`
	Hops        []Hop       `yaml:"hops"`
}

type WorkflowLog struct {
	Level                  string            `yaml:"level"`
	GatheringMetrics       *bool             `yaml:"gathering_metrics"`
	ForcingSeparateLogging bool              `yaml:"forcing_separate_logging"`
	Table                  logtable.Settings `yaml:"table"`
}

// Action is one workflow step. Config is decoded by the action's type.
type Action struct {
	Name            string    `yaml:"name"`
	Type            string    `yaml:"type"`
	ContinueOnError bool      `yaml:"continue_on_error"`
	Config          yaml.Node `yaml:"config"`
}

type Workflow struct {
	SchemaVersion string            `yaml:"schema_version"`
	Name          string            `yaml:"name"`
	Variables     map[string]string `yaml:"variables"`
	Log           WorkflowLog       `yaml:"log"`
	Actions       []Action          `yaml:"actions"`
}
