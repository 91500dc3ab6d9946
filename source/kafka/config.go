package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "ROWFLOW_KAFKA__"

type Config struct {
	Brokers   []string `koanf:"brokers" yaml:"brokers"`
	Topics    []string `koanf:"topics" yaml:"topics"`
	GroupID   string   `koanf:"group_id" yaml:"group_id"`
	StartFrom string   `koanf:"start_from" yaml:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version" yaml:"version"`
	TLSEn     bool     `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass" yaml:"sasl_pass"`

	// MaxMessages stops the source after this many records; 0 runs until
	// cancelled.
	MaxMessages int64 `koanf:"max_messages" yaml:"max_messages"`
	// Buffer sizes the hand-off between partition consumers and the row
	// emitter.
	Buffer int `koanf:"buffer" yaml:"buffer"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `ROWFLOW_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Overlay copies the non-zero fields of o onto c.
func (c *Config) Overlay(o Config) {
	if len(o.Brokers) > 0 {
		c.Brokers = o.Brokers
	}
	if len(o.Topics) > 0 {
		c.Topics = o.Topics
	}
	if o.GroupID != "" {
		c.GroupID = o.GroupID
	}
	if o.StartFrom != "" {
		c.StartFrom = o.StartFrom
	}
	if o.Version != "" {
		c.Version = o.Version
	}
	if o.TLSEn {
		c.TLSEn = true
	}
	if o.SASLUser != "" {
		c.SASLUser, c.SASLPass = o.SASLUser, o.SASLPass
	}
	if o.MaxMessages != 0 {
		c.MaxMessages = o.MaxMessages
	}
	if o.Buffer != 0 {
		c.Buffer = o.Buffer
	}
}

func applyDefaults(c *Config) {
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
}

func (c Config) validate() error {
	if len(c.Topics) == 0 {
		return errors.New("kafka: no topics configured")
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("kafka: max_messages %d is negative", c.MaxMessages)
	}
	return nil
}
