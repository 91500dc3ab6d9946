package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/config"
	"rowflow/internal/logtable"
	"rowflow/sink/sinktest"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestDriver_FlushesOnBatchSize(t *testing.T) {
	buf := &syncBuffer{}
	d := newDriver(buf)
	require.NoError(t, d.Configure(config.Connection{BatchSize: 2, FlushMS: 60_000}))
	tbl := sinktest.Table(logtable.CodePipeline, "PIPE_LOG")
	ctx := context.Background()

	require.NoError(t, d.Write(ctx, tbl, sinktest.PipelineRecord(1, "running", 0, time.Now())))
	assert.Empty(t, buf.String(), "first line stays buffered")
	require.NoError(t, d.Write(ctx, tbl, sinktest.PipelineRecord(1, "finished", 0, time.Now())))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var got line
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, "PIPE_LOG", got.Table)
	assert.Equal(t, logtable.CodePipeline, got.Code)
	assert.Equal(t, "finished", got.Record["STATUS"])
	require.NoError(t, d.Close())
}

func TestDriver_FlushesOnTimer(t *testing.T) {
	buf := &syncBuffer{}
	d := newDriver(buf)
	require.NoError(t, d.Configure(config.Connection{FlushMS: 10}))
	tbl := sinktest.Table(logtable.CodeTransform, "TRANS_LOG")

	require.NoError(t, d.Write(context.Background(), tbl, sinktest.TransformRecord("clone", 0, time.Now())))
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), `"TRANSFORM_NAME":"clone"`) },
		time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestDriver_CloseFlushes(t *testing.T) {
	buf := &syncBuffer{}
	d := newDriver(buf)
	tbl := sinktest.Table(logtable.CodeWorkflow, "WF_LOG")
	require.NoError(t, d.Write(context.Background(), tbl, sinktest.PipelineRecord(3, "finished", 0, time.Now())))
	require.NoError(t, d.Close())
	assert.Contains(t, buf.String(), `"code":"WORKFLOW"`)
}
