package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/logctx"
	"rowflow/internal/logtable"
	"rowflow/internal/result"
	"rowflow/internal/spec"
	_ "rowflow/internal/transform"
)

const gridGraph = `
name: grid
transforms:
  - name: grid
    kind: data_grid
    config:
      fields: [{name: a, type: string}]
      rows: [[x], [y]]
  - name: clone
    kind: clone_row
    config: {nr_clones: ${N}}
hops:
  - {from: grid, to: clone}
`

type lines struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (l *lines) Write(line logctx.Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, line.Message)
	return l.err
}

func (l *lines) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

type memWriter struct {
	mu   sync.Mutex
	recs []logtable.Record
}

func (w *memWriter) Write(_ context.Context, _ *logtable.Table, rec logtable.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recs = append(w.recs, rec)
	return nil
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestRun_WritesAndRunsGraph(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"grid.yaml": gridGraph,
		"nightly.yaml": `
variables:
  WHO: world
log:
  level: basic
actions:
  - name: greet
    type: write_to_log
    config: {level: minimal, message: "hello ${WHO}"}
  - name: quiet
    type: write_to_log
    config: {level: debug, message: "not shown"}
  - name: load
    type: pipeline
    config:
      file: grid.yaml
      params: {N: "2"}
`,
	})
	sink := &lines{}
	reg := logctx.NewRegistry(logctx.WithSink(sink))

	w, err := Load(filepath.Join(dir, "nightly.yaml"), nil, WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, "nightly", w.Name())

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Finished, res.Status())
	assert.Equal(t, int64(2), res.Counters().Input)
	assert.Zero(t, res.Errors())

	assert.True(t, sink.contains("hello world"))
	assert.False(t, sink.contains("not shown"))
	assert.Zero(t, reg.Len(), "every context is closed after the run")
}

func TestRun_PipelineRunsAtWorkflowLevel(t *testing.T) {
	for _, tc := range []struct {
		level string
		want  bool
	}{
		{"detailed", true},
		{"basic", false},
	} {
		t.Run(tc.level, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{
				"grid.yaml": gridGraph,
				"wf.yaml": `
log:
  level: ` + tc.level + `
actions:
  - name: load
    type: pipeline
    config: {file: grid.yaml, params: {N: "1"}}
`,
			})
			sink := &lines{}
			w, err := Load(filepath.Join(dir, "wf.yaml"), nil, WithRegistry(logctx.NewRegistry(logctx.WithSink(sink))))
			require.NoError(t, err)

			res, err := w.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, result.Finished, res.Status())
			assert.Equal(t, tc.want, sink.contains("Starting to run..."))
		})
	}
}

func TestRun_FailedActionStops(t *testing.T) {
	dir := writeFiles(t, map[string]string{"wf.yaml": `
actions:
  - name: load
    type: pipeline
    config: {file: missing.yaml}
  - name: after
    type: write_to_log
    config: {message: "after load"}
`})
	sink := &lines{}
	w, err := Load(filepath.Join(dir, "wf.yaml"), nil, WithRegistry(logctx.NewRegistry(logctx.WithSink(sink))))
	require.NoError(t, err)

	res, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action load")
	assert.Equal(t, result.Failed, res.Status())
	assert.Equal(t, int64(1), res.Errors())
	assert.False(t, sink.contains("after load"))
}

func TestRun_ContinueOnError(t *testing.T) {
	dir := writeFiles(t, map[string]string{"wf.yaml": `
actions:
  - name: load
    type: pipeline
    continue_on_error: true
    config: {file: missing.yaml}
  - name: after
    type: write_to_log
    config: {message: "after load"}
`})
	sink := &lines{}
	w, err := Load(filepath.Join(dir, "wf.yaml"), nil, WithRegistry(logctx.NewRegistry(logctx.WithSink(sink))))
	require.NoError(t, err)

	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Finished, res.Status())
	assert.Equal(t, int64(1), res.Errors())
	assert.True(t, sink.contains("after load"))
}

func TestRun_SinkFailureIsCountedNotFatal(t *testing.T) {
	sink := &lines{err: errors.New("disk full")}
	f := spec.Workflow{Name: "wf", Actions: []spec.Action{{Name: "say", Type: ActionWriteToLog}}}
	require.NoError(t, f.Actions[0].Config.Encode(WriteToLogConfig{Message: "hi"}))

	w, err := Build(f, "", WithRegistry(logctx.NewRegistry(logctx.WithSink(sink))))
	require.NoError(t, err)
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result.Finished, res.Status())
	assert.Positive(t, res.Errors())
}

func TestRun_WritesLogTable(t *testing.T) {
	f := spec.Workflow{Name: "wf", Actions: []spec.Action{{Name: "say", Type: ActionWriteToLog}}}
	require.NoError(t, f.Actions[0].Config.Encode(WriteToLogConfig{Message: "hi"}))

	tbl := logtable.WorkflowTable()
	tbl.TableName = "WF_LOG"
	seq := &result.BatchSequence{}
	seq.Seed(41)
	mw := &memWriter{}

	w, err := Build(f, "",
		WithRegistry(logctx.NewRegistry(logctx.WithSink(logctx.Discard))),
		WithBatchSequence(seq),
		WithLogTable(tbl, mw))
	require.NoError(t, err)
	_, err = w.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, mw.recs, 1)
	rec := mw.recs[0].Map()
	assert.Equal(t, int64(42), rec["ID_WORKFLOW"])
	assert.Equal(t, "finished", rec["STATUS"])
	assert.Contains(t, rec["LOG_FIELD"], "Workflow finished")
}

func TestRun_CancelledStops(t *testing.T) {
	f := spec.Workflow{Name: "wf", Actions: []spec.Action{{Name: "say", Type: ActionWriteToLog}}}
	w, err := Build(f, "", WithRegistry(logctx.NewRegistry(logctx.WithSink(logctx.Discard))))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, result.Stopped, res.Status())
}

func TestBuild_Rejects(t *testing.T) {
	cases := map[string]spec.Workflow{
		"no actions":   {Name: "wf"},
		"unknown type": {Name: "wf", Actions: []spec.Action{{Name: "x", Type: "shell"}}},
		"duplicate": {Name: "wf", Actions: []spec.Action{
			{Name: "x", Type: ActionWriteToLog}, {Name: "x", Type: ActionWriteToLog}}},
		"bad level": {Name: "wf", Log: spec.WorkflowLog{Level: "loud"},
			Actions: []spec.Action{{Name: "x", Type: ActionWriteToLog}}},
		"pipeline without file": {Name: "wf", Actions: []spec.Action{{Name: "x", Type: ActionPipeline}}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(f, "")
			assert.Error(t, err)
		})
	}
}

func TestActionTypes(t *testing.T) {
	assert.Equal(t, []string{ActionPipeline, ActionWriteToLog}, ActionTypes())
}
