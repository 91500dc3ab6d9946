package transform

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"rowflow/internal/logctx"
	"rowflow/internal/pipeline"
	"rowflow/internal/row"
)

const KindWriteToLog = "write_to_log"

type WriteLogConfig struct {
	Level   string `yaml:"level"`
	Message string `yaml:"message"`
	// Fields limits the logged fields; empty logs every field.
	Fields []string `yaml:"fields"`
	// LimitRows logs only the first rows; 0 logs all of them.
	LimitRows int64 `yaml:"limit_rows"`
}

func init() { pipeline.RegisterKind(KindWriteToLog, newWriteToLog) }

func newWriteToLog(cfg *yaml.Node) (pipeline.Step, error) {
	var c WriteLogConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return NewWriteToLog(c)
}

// WriteToLog logs each row through the unit's logging context and passes
// it on unchanged.
type WriteToLog struct {
	cfg   WriteLogConfig
	level logctx.Level

	log  *logctx.Context
	meta *row.Meta
	idx  []int
	seen int64
}

func NewWriteToLog(c WriteLogConfig) (*WriteToLog, error) {
	lvl := logctx.LevelBasic
	if c.Level != "" {
		var err error
		if lvl, err = logctx.ParseLevel(c.Level); err != nil {
			return nil, pipeline.Configf("", "%v", err)
		}
	}
	return &WriteToLog{cfg: c, level: lvl}, nil
}

func (w *WriteToLog) indexes(in *row.Meta) ([]int, error) {
	if len(w.cfg.Fields) == 0 {
		idx := make([]int, in.Size())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, 0, len(w.cfg.Fields))
	for _, f := range w.cfg.Fields {
		i := in.IndexOf(f)
		if i < 0 {
			return nil, fmt.Errorf("field %q is not in the input", f)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

func (w *WriteToLog) OutputMeta(in *row.Meta) (*row.Meta, error) {
	if _, err := w.indexes(in); err != nil {
		return nil, &pipeline.ConfigurationError{Code: "write_to_log.field-missing", Err: err}
	}
	return in.Clone(), nil
}

func (w *WriteToLog) Check(in *row.Meta, inputs []string) []pipeline.Remark {
	if len(inputs) == 0 {
		return []pipeline.Remark{pipeline.Warning("", "write_to_log.no-input")}
	}
	return []pipeline.Remark{pipeline.OK("", "write_to_log.level", w.level.String())}
}

func (w *WriteToLog) Init(env pipeline.Env) error {
	idx, err := w.indexes(env.Input)
	if err != nil {
		return err
	}
	w.log, w.meta, w.idx = env.Log, env.Input, idx
	return nil
}

func (w *WriteToLog) Process(_ context.Context, in row.Row, emit pipeline.EmitFunc) error {
	w.seen++
	if w.log != nil && (w.cfg.LimitRows <= 0 || w.seen <= w.cfg.LimitRows) && w.level.Visible(w.log.Level()) {
		w.log.Log(w.level, w.format(in))
	}
	return emit(in)
}

func (w *WriteToLog) format(in row.Row) string {
	var b strings.Builder
	if w.cfg.Message != "" {
		b.WriteString(w.cfg.Message)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "------------> Linenr %d------------------------------", w.seen)
	for _, i := range w.idx {
		fmt.Fprintf(&b, "\n%s = %s", w.meta.Value(i).Name, formatValue(in[i]))
	}
	b.WriteString("\n====================")
	return b.String()
}

func formatValue(v any) string {
	if v == nil {
		return "<null>"
	}
	return fmt.Sprint(v)
}
