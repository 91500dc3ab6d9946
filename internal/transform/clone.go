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

const KindCloneRow = "clone_row"

// CloneConfig is the configuration block of a clone_row transform. Exactly
// one of NrClones and NrCloneInField selects where the count comes from.
type CloneConfig struct {
	NrClones       *int64 `yaml:"nr_clones"`
	NrCloneInField bool   `yaml:"nr_clone_in_field"`
	NrCloneField   string `yaml:"nr_clone_field"`
	AddCloneFlag   bool   `yaml:"add_clone_flag"`
	CloneFlagField string `yaml:"clone_flag_field"`
	AddCloneNum    bool   `yaml:"add_clone_num"`
	CloneNumField  string `yaml:"clone_num_field"`
}

func init() { pipeline.RegisterKind(KindCloneRow, newCloneRow) }

func newCloneRow(cfg *yaml.Node) (pipeline.Step, error) {
	var c CloneConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return NewCloneRow(c), nil
}

// CloneRow emits each input row N times. The original row is consumed.
type CloneRow struct {
	cfg CloneConfig

	name     string
	copyNr   int
	log      *logctx.Context
	countIdx int
}

func NewCloneRow(c CloneConfig) *CloneRow {
	c.NrCloneField = strings.TrimSpace(c.NrCloneField)
	c.CloneFlagField = strings.TrimSpace(c.CloneFlagField)
	c.CloneNumField = strings.TrimSpace(c.CloneNumField)
	return &CloneRow{cfg: c, countIdx: -1}
}

// validate reports the first configuration problem against the input
// layout.
func (c *CloneRow) validate(in *row.Meta) error {
	cfg := c.cfg
	switch {
	case cfg.NrClones != nil && cfg.NrCloneInField:
		return fmt.Errorf("clone count is both fixed and read from field %q", cfg.NrCloneField)
	case cfg.NrClones == nil && !cfg.NrCloneInField:
		return fmt.Errorf("clone count is not set")
	case cfg.NrClones != nil && *cfg.NrClones < 0:
		return fmt.Errorf("clone count %d is negative", *cfg.NrClones)
	case cfg.AddCloneFlag && cfg.CloneFlagField == "":
		return fmt.Errorf("clone flag field name is blank")
	case cfg.AddCloneNum && cfg.CloneNumField == "":
		return fmt.Errorf("clone number field name is blank")
	case cfg.NrCloneInField && cfg.NrCloneField == "":
		return fmt.Errorf("clone count field name is blank")
	case cfg.NrCloneInField && in.IndexOf(cfg.NrCloneField) < 0:
		return fmt.Errorf("clone count field %q is not in the input", cfg.NrCloneField)
	}
	return nil
}

func (c *CloneRow) OutputMeta(in *row.Meta) (*row.Meta, error) {
	if err := c.validate(in); err != nil {
		return nil, &pipeline.ConfigurationError{Code: "clone_row.invalid", Err: err}
	}
	out := in.Clone()
	if c.cfg.AddCloneFlag {
		out.Add(row.ValueMeta{Name: c.cfg.CloneFlagField, Type: row.TypeBoolean, Origin: KindCloneRow})
	}
	if c.cfg.AddCloneNum {
		out.Add(row.ValueMeta{Name: c.cfg.CloneNumField, Type: row.TypeInteger, Length: 9, Origin: KindCloneRow})
	}
	return out, nil
}

func (c *CloneRow) Check(in *row.Meta, inputs []string) []pipeline.Remark {
	cfg := c.cfg
	var rs []pipeline.Remark
	switch {
	case cfg.NrClones != nil && cfg.NrCloneInField:
		rs = append(rs, pipeline.Error("", "clone_row.count-ambiguous"))
	case cfg.NrClones == nil && !cfg.NrCloneInField:
		rs = append(rs, pipeline.Error("", "clone_row.count-unset"))
	case cfg.NrClones != nil && *cfg.NrClones < 0:
		rs = append(rs, pipeline.Error("", "clone_row.count-negative", *cfg.NrClones))
	default:
		rs = append(rs, pipeline.OK("", "clone_row.count-set"))
	}
	if cfg.AddCloneFlag && cfg.CloneFlagField == "" {
		rs = append(rs, pipeline.Error("", "clone_row.flag-field-blank"))
	}
	if cfg.AddCloneNum && cfg.CloneNumField == "" {
		rs = append(rs, pipeline.Error("", "clone_row.num-field-blank"))
	}
	if cfg.NrCloneInField {
		switch {
		case cfg.NrCloneField == "":
			rs = append(rs, pipeline.Error("", "clone_row.count-field-blank"))
		case in.IndexOf(cfg.NrCloneField) < 0:
			rs = append(rs, pipeline.Error("", "clone_row.count-field-missing", cfg.NrCloneField))
		default:
			rs = append(rs, pipeline.OK("", "clone_row.count-field-found", cfg.NrCloneField))
		}
	}
	if len(inputs) == 0 {
		rs = append(rs, pipeline.Error("", "clone_row.no-input"))
	} else {
		rs = append(rs, pipeline.OK("", "clone_row.input", inputs))
	}
	if in.Size() == 0 {
		rs = append(rs, pipeline.Warning("", "clone_row.no-input-fields"))
	} else {
		rs = append(rs, pipeline.OK("", "clone_row.input-fields", in.Size()))
	}
	return rs
}

func (c *CloneRow) Init(env pipeline.Env) error {
	c.name, c.copyNr, c.log = env.Name, env.Copy, env.Log
	if err := c.validate(env.Input); err != nil {
		return err
	}
	if c.cfg.NrCloneInField {
		c.countIdx = env.Input.IndexOf(c.cfg.NrCloneField)
	}
	return nil
}

func (c *CloneRow) count(in row.Row) (int64, error) {
	if !c.cfg.NrCloneInField {
		return *c.cfg.NrClones, nil
	}
	if c.countIdx < 0 || c.countIdx >= len(in) {
		return 0, fmt.Errorf("clone count field %q is not in the row", c.cfg.NrCloneField)
	}
	n, ok, err := in.Integer(c.countIdx)
	switch {
	case err != nil:
		return 0, fmt.Errorf("clone count field %q: %w", c.cfg.NrCloneField, err)
	case !ok:
		return 0, fmt.Errorf("clone count field %q is null", c.cfg.NrCloneField)
	case n < 0:
		return 0, fmt.Errorf("clone count %d in field %q is negative", n, c.cfg.NrCloneField)
	}
	return n, nil
}

func (c *CloneRow) Process(_ context.Context, in row.Row, emit pipeline.EmitFunc) error {
	n, err := c.count(in)
	if err != nil {
		return &pipeline.ProcessingError{Transform: c.name, Copy: c.copyNr, Err: err}
	}
	if c.log != nil {
		c.log.Logf(logctx.LevelRowlevel, "Cloning row %d times", n)
	}
	for i := int64(0); i < n; i++ {
		var extra []any
		if c.cfg.AddCloneFlag {
			extra = append(extra, true)
		}
		if c.cfg.AddCloneNum {
			extra = append(extra, i)
		}
		if err := emit(in.Extend(extra...)); err != nil {
			return err
		}
	}
	return nil
}
