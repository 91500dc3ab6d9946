package transform

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"rowflow/internal/pipeline"
	"rowflow/internal/row"
)

const KindDataGrid = "data_grid"

type GridField struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Length int    `yaml:"length"`
}

// GridConfig declares static rows. Cells are parsed by the field type; a
// YAML null becomes a null value.
type GridConfig struct {
	Fields []GridField `yaml:"fields"`
	Rows   [][]*string `yaml:"rows"`
}

func init() { pipeline.RegisterKind(KindDataGrid, newDataGrid) }

func newDataGrid(cfg *yaml.Node) (pipeline.Step, error) {
	var c GridConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return NewDataGrid(c)
}

// DataGrid is a source emitting rows declared in the graph file.
type DataGrid struct {
	meta *row.Meta
	rows []row.Row
}

func NewDataGrid(c GridConfig) (*DataGrid, error) {
	if len(c.Fields) == 0 {
		return nil, pipeline.Configf("", "data grid declares no fields")
	}
	meta := row.NewMeta()
	for _, f := range c.Fields {
		t, err := row.ParseType(f.Type)
		if err != nil {
			return nil, pipeline.Configf("", "field %q: %v", f.Name, err)
		}
		if meta.IndexOf(f.Name) >= 0 {
			return nil, pipeline.Configf("", "field %q declared twice", f.Name)
		}
		meta.Add(row.ValueMeta{Name: f.Name, Type: t, Length: f.Length, Origin: KindDataGrid})
	}
	g := &DataGrid{meta: meta}
	for i, cells := range c.Rows {
		if len(cells) != meta.Size() {
			return nil, pipeline.Configf("", "row %d has %d cells, want %d", i+1, len(cells), meta.Size())
		}
		r := make(row.Row, len(cells))
		for j, cell := range cells {
			if cell == nil {
				continue
			}
			v, err := meta.Value(j).Type.Parse(*cell)
			if err != nil {
				return nil, pipeline.Configf("", "row %d field %q: %v", i+1, meta.Value(j).Name, err)
			}
			r[j] = v
		}
		g.rows = append(g.rows, r)
	}
	return g, nil
}

// NewDataGridRows builds a grid from already typed rows.
func NewDataGridRows(meta *row.Meta, rows ...row.Row) (*DataGrid, error) {
	for i, r := range rows {
		if err := meta.Conforms(r); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}
	return &DataGrid{meta: meta, rows: rows}, nil
}

func (g *DataGrid) OutputMeta(*row.Meta) (*row.Meta, error) { return g.meta.Clone(), nil }

func (g *DataGrid) Check(_ *row.Meta, _ []string) []pipeline.Remark {
	if len(g.rows) == 0 {
		return []pipeline.Remark{pipeline.Warning("", "data_grid.no-rows")}
	}
	return []pipeline.Remark{pipeline.OK("", "data_grid.rows", len(g.rows))}
}

func (g *DataGrid) Run(ctx context.Context, emit pipeline.EmitFunc) error {
	for _, r := range g.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(r.Clone()); err != nil {
			return err
		}
	}
	return nil
}
