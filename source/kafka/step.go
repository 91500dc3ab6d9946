package kafka

import (
	"context"
	"strings"

	"gopkg.in/yaml.v3"

	"rowflow/internal/logctx"
	"rowflow/internal/pipeline"
	"rowflow/internal/row"
)

// Kind is the transform kind of the kafka row source.
const Kind = "kafka_input"

func init() {
	pipeline.RegisterKind(Kind, func(cfg *yaml.Node) (pipeline.Step, error) {
		var sc stepConfig
		if err := pipeline.Decode(cfg, &sc); err != nil {
			return nil, err
		}
		c, err := LoadConfig(sc.ConfigFile)
		if err != nil {
			return nil, pipeline.Configf("", "kafka config: %v", err)
		}
		c.Overlay(sc.Config)
		if sc.Driver == "" {
			sc.Driver = "sarama"
		}
		return &Input{driver: sc.Driver, cfg: c}, nil
	})
}

type stepConfig struct {
	Driver     string `yaml:"driver"`
	ConfigFile string `yaml:"config_file"`
	Config     `yaml:",inline"`
}

var layout = row.NewMeta(
	row.ValueMeta{Name: "topic", Type: row.TypeString, Origin: Kind},
	row.ValueMeta{Name: "partition", Type: row.TypeInteger, Origin: Kind},
	row.ValueMeta{Name: "offset", Type: row.TypeInteger, Origin: Kind},
	row.ValueMeta{Name: "key", Type: row.TypeString, Origin: Kind},
	row.ValueMeta{Name: "value", Type: row.TypeString, Origin: Kind},
	row.ValueMeta{Name: "timestamp", Type: row.TypeDate, Origin: Kind},
)

// Input turns consumed records into rows of topic, partition, offset, key,
// value and timestamp.
type Input struct {
	driver  string
	cfg     Config
	adapter Adapter
	log     *logctx.Context
}

// NewInput wraps an already built adapter.
func NewInput(cfg Config, a Adapter) *Input {
	return &Input{cfg: cfg, adapter: a}
}

func (in *Input) OutputMeta(*row.Meta) (*row.Meta, error) { return layout.Clone(), nil }

func (in *Input) Check(_ *row.Meta, _ []string) []pipeline.Remark {
	if len(in.cfg.Topics) == 0 {
		return []pipeline.Remark{pipeline.Error("", "kafka_input.no-topics")}
	}
	return []pipeline.Remark{pipeline.OK("", "kafka_input.topics", in.cfg.Topics)}
}

func (in *Input) Init(env pipeline.Env) error {
	in.log = env.Log
	if in.adapter == nil {
		a, err := NewAdapter(in.driver)
		if err != nil {
			return err
		}
		in.adapter = a
	}
	return in.adapter.Configure(in.cfg)
}

func (in *Input) Run(ctx context.Context, emit pipeline.EmitFunc) error {
	if in.log != nil {
		in.log.Detailed("Consuming from " + strings.Join(in.cfg.Topics, ","))
	}
	return in.adapter.Run(ctx, func(m Message) error {
		return emit(toRow(m))
	})
}

func (in *Input) Dispose() error {
	if in.adapter == nil {
		return nil
	}
	return in.adapter.Close()
}

func toRow(m Message) row.Row {
	var key, ts any
	if len(m.Key) > 0 {
		key = string(m.Key)
	}
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}
	return row.Row{m.Topic, int64(m.Partition), m.Offset, key, string(m.Value), ts}
}
