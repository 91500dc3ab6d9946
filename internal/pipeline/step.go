package pipeline

import (
	"context"

	"rowflow/internal/logctx"
	"rowflow/internal/result"
	"rowflow/internal/row"
)

// EmitFunc hands one output row to the unit's output channels.
type EmitFunc func(row.Row) error

// Step is the per-kind behaviour of a transform copy.
type Step interface {
	// OutputMeta derives the output layout from the merged input layout,
	// which is nil for sources.
	OutputMeta(in *row.Meta) (*row.Meta, error)
}

// Processor handles rows read from input channels.
type Processor interface {
	Step
	Process(ctx context.Context, in row.Row, emit EmitFunc) error
}

// Source produces rows without inputs.
type Source interface {
	Step
	Run(ctx context.Context, emit EmitFunc) error
}

// Env is what a step sees of its running unit.
type Env struct {
	Graph  string
	Name   string
	Copy   int
	Log    *logctx.Context
	Result *result.Result
	Input  *row.Meta
	Output *row.Meta
}

// Initializer is called once per copy before the first row.
type Initializer interface {
	Init(env Env) error
}

// Disposer is called once per copy after the unit stops.
type Disposer interface {
	Dispose() error
}

// Finisher is called after the last input row, before end-of-stream is
// posted downstream, and may still emit.
type Finisher interface {
	Flush(ctx context.Context, emit EmitFunc) error
}

// Checker adds a step's own remarks during validation. inputs lists the
// names of transforms with hops into this one.
type Checker interface {
	Check(in *row.Meta, inputs []string) []Remark
}
