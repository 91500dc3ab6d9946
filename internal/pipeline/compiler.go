package pipeline

import (
	"errors"

	"rowflow/internal/config"
	"rowflow/internal/logctx"
	"rowflow/internal/logtable"
	"rowflow/internal/spec"
)

// Compile turns a parsed graph file into a Graph. Options given by the
// caller act as defaults that the file's own log settings override.
func Compile(f spec.Graph, opts ...Option) (*Graph, error) {
	g := NewGraph(f.Name, opts...)
	if f.ChannelSize < 0 {
		return nil, Configf("", "channel_size %d is negative", f.ChannelSize)
	}
	if f.ChannelSize > 0 {
		g.opts.channelSize = f.ChannelSize
	}
	if f.Log.Level != "" {
		lvl, err := logctx.ParseLevel(f.Log.Level)
		if err != nil {
			return nil, &ConfigurationError{Code: "log.level", Err: err}
		}
		g.opts.level = lvl
	}
	var err error
	if g.opts.pipelineTable, err = overlay(g.opts.pipelineTable, logtable.PipelineTable, f.Log.PipelineTable); err != nil {
		return nil, err
	}
	if g.opts.transformTable, err = overlay(g.opts.transformTable, logtable.TransformTable, f.Log.TransformTable); err != nil {
		return nil, err
	}

	for _, t := range f.Transforms {
		if t.Kind == "" {
			return nil, Configf(t.Name, "transform has no kind")
		}
		if _, err := NewStep(t.Kind, &t.Config); err != nil {
			var ce *ConfigurationError
			if errors.As(err, &ce) && ce.Transform == "" {
				ce.Transform = t.Name
			}
			return nil, err
		}
		kind, cfg := t.Kind, t.Config
		g.Add(Def{
			Name:   t.Name,
			Kind:   kind,
			Copies: t.Copies,
			New:    func() (Step, error) { return NewStep(kind, &cfg) },
		})
	}
	for _, h := range f.Hops {
		if h.Disabled {
			continue
		}
		g.Connect(h.From, h.To)
	}
	return g, nil
}

// CompileFile loads and compiles a graph file.
func CompileFile(path string, vars map[string]string, opts ...Option) (*Graph, error) {
	f, err := config.LoadGraph(path, vars)
	if err != nil {
		return nil, &ConfigurationError{Code: "graph.load", Err: err}
	}
	return Compile(f, opts...)
}

// overlay applies file settings to a copy of the configured table. With no
// configured table, the defaults are used once the file names a table.
func overlay(base *logtable.Table, defaults func() *logtable.Table, s logtable.Settings) (*logtable.Table, error) {
	var t *logtable.Table
	switch {
	case base != nil:
		t = base.Clone()
	case s.Table != "":
		t = defaults()
	default:
		return nil, nil
	}
	if err := t.Apply(s); err != nil {
		return nil, &ConfigurationError{Code: "log.table", Err: err}
	}
	return t, nil
}
