package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"rowflow/internal/logging"
	"rowflow/internal/logtable"
)

const envPrefix = "ROWFLOW__"

// Connection names a record writer for log tables.
type Connection struct {
	Driver       string   `koanf:"driver"` // sqlite|mysql|kafka|stdout|memory
	DSN          string   `koanf:"dsn"`
	Brokers      []string `koanf:"brokers"`
	Topic        string   `koanf:"topic"`
	Version      string   `koanf:"version"`
	RequiredAcks int16    `koanf:"required_acks"`
	// Path sends stdout records to a rotated file instead.
	Path      string `koanf:"path"`
	BatchSize int    `koanf:"batch_size"`
	FlushMS   int    `koanf:"flush_ms"`
	// Keep bounds the records a memory store holds per table.
	Keep int `koanf:"keep"`
}

type LogTables struct {
	Workflow  logtable.Settings `koanf:"workflow"`
	Pipeline  logtable.Settings `koanf:"pipeline"`
	Transform logtable.Settings `koanf:"transform"`
}

type Identity struct {
	Server string `koanf:"server"`
	User   string `koanf:"user"`
	Client string `koanf:"client"`
}

type Engine struct {
	Log logging.Options `koanf:"log"`
	// ExecutionLevel is the default level of execution logging contexts.
	ExecutionLevel string `koanf:"execution_level"`
	// ExecutionLog optionally copies execution lines to a rotated file.
	ExecutionLog   logging.FileOptions   `koanf:"execution_log"`
	LogBufferLimit int                   `koanf:"log_buffer_limit"`
	ChannelSize    int                   `koanf:"channel_size"`
	// MetricsPort serves /metrics when positive. Zero leaves it off.
	MetricsPort    int                   `koanf:"metrics_port"`
	ControlAddr    string                `koanf:"control_addr"`
	Connections    map[string]Connection `koanf:"connections"`
	LogTables      LogTables             `koanf:"log_tables"`
	Identity       Identity              `koanf:"identity"`
}

// LoadEngine merges YAML (if present) with env-vars
// (prefix `ROWFLOW__`, delimiter `__`).
func LoadEngine(path string) (Engine, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Engine{}, err
		}
	}
	if err := checkSchema("engine", k.String("schema_version")); err != nil {
		return Engine{}, err
	}

	_ = k.Load(env.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)

	var cfg Engine
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Engine) {
	if c.ExecutionLevel == "" {
		c.ExecutionLevel = "basic"
	}
	if c.ChannelSize == 0 {
		c.ChannelSize = 1000
	}
	if c.ControlAddr == "" {
		c.ControlAddr = ":7070"
	}
	if c.Identity.Client == "" {
		c.Identity.Client = "rowflow"
	}
}

func (c Engine) validate() error {
	for _, s := range []logtable.Settings{c.LogTables.Workflow, c.LogTables.Pipeline, c.LogTables.Transform} {
		if s.Table == "" || s.Connection == "" {
			continue
		}
		if _, ok := c.Connections[s.Connection]; !ok {
			return fmt.Errorf("log table %s: unknown connection %q", s.Table, s.Connection)
		}
	}
	return nil
}
