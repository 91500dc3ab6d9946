package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadGraph_SubstitutesAndNames(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "orders.yaml", `schema_version: v1
channel_size: ${SIZE}
transforms:
  - {name: grid, kind: data_grid}
hops: []
`)
	g, err := LoadGraph(p, map[string]string{"SIZE": "50"})
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if g.Name != "orders" {
		t.Fatalf("want name from file, got %q", g.Name)
	}
	if g.ChannelSize != 50 {
		t.Fatalf("want channel size 50, got %d", g.ChannelSize)
	}
	if len(g.Transforms) != 1 || g.Transforms[0].Kind != "data_grid" {
		t.Fatalf("transforms = %+v", g.Transforms)
	}
}

func TestLoadGraph_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "g.yaml", "schema_version: v9\n")
	_, err := LoadGraph(p, nil)
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("want schema error, got %v", err)
	}
}

func TestLoadWorkflow_FileVariablesYieldToCaller(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "nightly.yaml", `variables:
  TARGET: staging
  REGION: eu
actions:
  - name: say
    type: write_to_log
    config: {message: "to ${TARGET} in ${REGION}"}
`)
	w, err := LoadWorkflow(p, map[string]string{"TARGET": "prod"})
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if w.Name != "nightly" {
		t.Fatalf("name = %q", w.Name)
	}
	var cfg struct {
		Message string `yaml:"message"`
	}
	if err := w.Actions[0].Config.Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Message != "to prod in eu" {
		t.Fatalf("message = %q", cfg.Message)
	}
	if w.Variables["TARGET"] != "prod" || w.Variables["REGION"] != "eu" {
		t.Fatalf("variables = %v", w.Variables)
	}
}

func TestSubstitute(t *testing.T) {
	t.Setenv("ROWFLOW_TEST_HOME", "/srv")
	got := Substitute("${A}/${ROWFLOW_TEST_HOME}/${MISSING}", map[string]string{"A": "x"})
	if got != "x//srv/${MISSING}" {
		t.Fatalf("got %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/etc/rowflow/wf.yaml", "g.yaml"); got != "/etc/rowflow/g.yaml" {
		t.Fatalf("got %q", got)
	}
	if got := ResolvePath("/etc/rowflow/wf.yaml", "/abs/g.yaml"); got != "/abs/g.yaml" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadEngine_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadEngine(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}
	if cfg.ChannelSize != 1000 || cfg.ExecutionLevel != "basic" || cfg.ControlAddr != ":7070" || cfg.MetricsPort != 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadEngine_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "rowflow.yaml", `schema_version: v1
execution_level: detailed
connections:
  logdb:
    driver: sqlite
    dsn: /tmp/log.db
log_tables:
  pipeline:
    connection: logdb
    table: PIPE_LOG
    interval_seconds: 5
    fields: {EXECUTING_SERVER: true}
`)
	t.Setenv("ROWFLOW__CHANNEL_SIZE", "50")
	t.Setenv("ROWFLOW__CONNECTIONS__LOGDB__DSN", "/var/log.db")

	cfg, err := LoadEngine(p)
	if err != nil {
		t.Fatalf("LoadEngine: %v", err)
	}
	if cfg.ChannelSize != 50 {
		t.Fatalf("env override lost: %d", cfg.ChannelSize)
	}
	if c := cfg.Connections["logdb"]; c.Driver != "sqlite" || c.DSN != "/var/log.db" {
		t.Fatalf("connection = %+v", c)
	}
	pt := cfg.LogTables.Pipeline
	if pt.Table != "PIPE_LOG" || pt.IntervalSeconds != 5 || !pt.Fields["EXECUTING_SERVER"] {
		t.Fatalf("pipeline table = %+v", pt)
	}
}

func TestLoadEngine_UnknownConnection(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "rowflow.yaml", `log_tables:
  workflow: {connection: nowhere, table: WF_LOG}
`)
	_, err := LoadEngine(p)
	if err == nil || !strings.Contains(err.Error(), `unknown connection "nowhere"`) {
		t.Fatalf("want unknown connection error, got %v", err)
	}
}
