package transform

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"rowflow/internal/pipeline"
	"rowflow/internal/row"
)

const KindSetValueField = "set_value_field"

type Assignment struct {
	Field     string `yaml:"field"`
	ReplaceBy string `yaml:"replace_by"`
}

type SetValueConfig struct {
	Fields []Assignment `yaml:"fields"`
}

func init() { pipeline.RegisterKind(KindSetValueField, newSetValueField) }

func newSetValueField(cfg *yaml.Node) (pipeline.Step, error) {
	var c SetValueConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return &SetValueField{cfg: c}, nil
}

// SetValueField replaces field values with the value of another field of
// the same row.
type SetValueField struct {
	cfg  SetValueConfig
	idx  [][2]int
	name string
	copy int
}

func NewSetValueField(c SetValueConfig) *SetValueField { return &SetValueField{cfg: c} }

func (s *SetValueField) resolve(in *row.Meta) ([][2]int, []pipeline.Remark) {
	var pairs [][2]int
	var rs []pipeline.Remark
	if len(s.cfg.Fields) == 0 {
		rs = append(rs, pipeline.Error("", "set_value_field.no-fields"))
	}
	for _, a := range s.cfg.Fields {
		dst, src := in.IndexOf(a.Field), in.IndexOf(a.ReplaceBy)
		switch {
		case dst < 0:
			rs = append(rs, pipeline.Error("", "set_value_field.field-missing", a.Field))
		case src < 0:
			rs = append(rs, pipeline.Error("", "set_value_field.field-missing", a.ReplaceBy))
		case in.Value(dst).Type != in.Value(src).Type:
			rs = append(rs, pipeline.Error("", "set_value_field.type-mismatch", a.Field, a.ReplaceBy))
		default:
			pairs = append(pairs, [2]int{dst, src})
		}
	}
	return pairs, rs
}

func (s *SetValueField) Check(in *row.Meta, inputs []string) []pipeline.Remark {
	_, rs := s.resolve(in)
	if len(inputs) == 0 {
		rs = append(rs, pipeline.Warning("", "set_value_field.no-input"))
	}
	if len(rs) == 0 {
		rs = append(rs, pipeline.OK("", "set_value_field.fields", len(s.cfg.Fields)))
	}
	return rs
}

func (s *SetValueField) OutputMeta(in *row.Meta) (*row.Meta, error) {
	if _, rs := s.resolve(in); len(rs) > 0 {
		return nil, &pipeline.ConfigurationError{Code: rs[0].Code, Err: fmt.Errorf("%s", rs[0])}
	}
	return in.Clone(), nil
}

func (s *SetValueField) Init(env pipeline.Env) error {
	s.name, s.copy = env.Name, env.Copy
	pairs, rs := s.resolve(env.Input)
	if len(rs) > 0 {
		return fmt.Errorf("%s", rs[0])
	}
	s.idx = pairs
	return nil
}

func (s *SetValueField) Process(_ context.Context, in row.Row, emit pipeline.EmitFunc) error {
	out := in.Clone()
	for _, p := range s.idx {
		out[p[0]] = in[p[1]]
	}
	return emit(out)
}
