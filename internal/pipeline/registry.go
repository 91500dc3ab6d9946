package pipeline

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Factory builds a step from its configuration block. cfg may be nil.
type Factory func(cfg *yaml.Node) (Step, error)

var kinds = map[string]Factory{}

// RegisterKind is called from each kind's init().
func RegisterKind(kind string, f Factory) {
	kinds[kind] = f
}

func NewStep(kind string, cfg *yaml.Node) (Step, error) {
	f, ok := kinds[kind]
	if !ok {
		return nil, &ConfigurationError{Code: "kind.unknown", Err: fmt.Errorf("unknown transform kind %q", kind)}
	}
	return f(cfg)
}

func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode fills v from a configuration block; a missing block leaves v as is.
func Decode(cfg *yaml.Node, v any) error {
	if cfg == nil || cfg.Kind == 0 {
		return nil
	}
	if err := cfg.Decode(v); err != nil {
		return &ConfigurationError{Code: "config.decode", Err: err}
	}
	return nil
}
