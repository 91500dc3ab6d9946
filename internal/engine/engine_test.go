package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/logtable"
	"rowflow/internal/result"
	_ "rowflow/internal/transform"
	"rowflow/internal/transport"
	_ "rowflow/sink/sqldb"
)

const grid = `
name: grid
transforms:
  - name: grid
    kind: data_grid
    config:
      fields: [{name: a, type: string}]
      rows: [[x], [y], [z]]
  - name: clone
    kind: clone_row
    copies: 2
    config: {nr_clones: 1}
hops:
  - {from: grid, to: clone}
`

func setup(t *testing.T) (dir string, cfg config.Engine) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "grid.yaml"), []byte(grid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf.yaml"), []byte(`
actions:
  - name: load
    type: pipeline
    config: {file: grid.yaml}
`), 0o644))
	cfg = config.Engine{
		Log:            logging.Options{Level: "error"},
		ExecutionLevel: "basic",
		ChannelSize:    10,
		MetricsPort:    -1,
		ControlAddr:    "127.0.0.1:0",
		Connections: map[string]config.Connection{
			"logdb": {Driver: "sqlite", DSN: filepath.Join(dir, "log.db")},
		},
		LogTables: config.LogTables{
			Workflow:  logtable.Settings{Connection: "logdb", Table: "WF_LOG"},
			Pipeline:  logtable.Settings{Connection: "logdb", Table: "PIPE_LOG"},
			Transform: logtable.Settings{Connection: "logdb", Table: "TRANS_LOG"},
		},
	}
	return dir, cfg
}

func lastBatch(t *testing.T, e *Engine) any {
	t.Helper()
	recs := e.Records().Latest(logtable.CodePipeline, 1)
	require.Len(t, recs, 1)
	v, _ := recs[0].Get("ID_BATCH")
	return v
}

func TestEngine_BatchIDsContinueAcrossRestarts(t *testing.T) {
	dir, cfg := setup(t)
	ctx := context.Background()

	e, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	res, err := e.RunGraph(ctx, filepath.Join(dir, "grid.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, result.Finished, res.Status())
	assert.Equal(t, int64(3), res.Counters().Input)
	assert.Equal(t, int64(1), lastBatch(t, e))
	assert.Len(t, e.Records().Latest(logtable.CodeTransform, 0), 3, "grid plus two clone copies")
	require.NoError(t, e.Close())

	e, err = Bootstrap(ctx, cfg)
	require.NoError(t, err)
	defer e.Close()
	_, err = e.RunGraph(ctx, filepath.Join(dir, "grid.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lastBatch(t, e))
}

func TestEngine_RunWorkflow(t *testing.T) {
	dir, cfg := setup(t)
	ctx := context.Background()
	e, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	defer e.Close()

	res, err := e.RunWorkflow(ctx, filepath.Join(dir, "wf.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, result.Finished, res.Status())
	assert.Equal(t, int64(3), res.Counters().Input)

	wf := e.Records().Latest(logtable.CodeWorkflow, 0)
	require.Len(t, wf, 1)
	st, _ := wf[0].Get("STATUS")
	assert.Equal(t, "finished", st)
	require.Len(t, e.Records().Latest(logtable.CodePipeline, 0), 1)
}

func TestEngine_ValidateGraph(t *testing.T) {
	dir, cfg := setup(t)
	e, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close()

	d, err := e.ValidateGraph(filepath.Join(dir, "grid.yaml"), nil)
	require.NoError(t, err)
	assert.False(t, d.HasErrors())

	_, err = e.ValidateGraph(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestEngine_ControlServesSnapshots(t *testing.T) {
	dir, cfg := setup(t)
	ctx := context.Background()
	e, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	defer e.Close()

	srv, err := e.StartControl()
	require.NoError(t, err)
	go func() { _ = srv.Serve(nil) }()
	defer srv.Stop()

	_, err = e.RunGraph(ctx, filepath.Join(dir, "grid.yaml"), nil)
	require.NoError(t, err)

	c, err := transport.DialControl(srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	recs, err := c.Snapshots(callCtx, logtable.CodePipeline, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "finished", recs[0]["STATUS"])
	assert.Equal(t, "grid", recs[0]["PIPELINE_NAME"])
}

func TestBootstrap_Rejects(t *testing.T) {
	_, cfg := setup(t)
	cfg.ExecutionLevel = "chatty"
	_, err := Bootstrap(context.Background(), cfg)
	assert.ErrorContains(t, err, "execution_level")

	_, cfg = setup(t)
	cfg.Connections["logdb"] = config.Connection{Driver: "oracle", DSN: "x"}
	_, err = Bootstrap(context.Background(), cfg)
	assert.ErrorContains(t, err, "sinks")
}

func TestBootstrap_BadTableReleasesExecutionLog(t *testing.T) {
	dir, cfg := setup(t)
	path := filepath.Join(dir, "exec.log")
	cfg.ExecutionLog = logging.FileOptions{Path: path}
	cfg.LogTables.Transform.Fields = map[string]bool{"NO_SUCH_FIELD": true}

	_, err := Bootstrap(context.Background(), cfg)
	require.ErrorContains(t, err, "log table")

	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd")
	}
	for _, fd := range fds {
		target, _ := os.Readlink(filepath.Join("/proc/self/fd", fd.Name()))
		assert.NotEqual(t, path, target)
	}
}
