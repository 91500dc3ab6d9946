package logtable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowflow/internal/result"
)

type fakeSubject struct {
	batch int64
	name  string
	res   *result.Result
	text  string
	id    Identity
}

func (f *fakeSubject) BatchID() int64         { return f.batch }
func (f *fakeSubject) ChannelID() string      { return "chan-1" }
func (f *fakeSubject) Name() string           { return f.name }
func (f *fakeSubject) Result() *result.Result { return f.res }
func (f *fakeSubject) LogText() string        { return f.text }
func (f *fakeSubject) Identity() Identity     { return f.id }

type memWriter struct {
	mu      sync.Mutex
	records []Record
	err     error
	purged  []time.Time
}

func (w *memWriter) Write(_ context.Context, _ *Table, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *memWriter) Purge(_ context.Context, _ *Table, before time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purged = append(w.purged, before)
	return 0, nil
}

func (w *memWriter) snapshot() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.records...)
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func indexNames(idx []Index) [][]string {
	var out [][]string
	for _, i := range idx {
		var names []string
		for _, c := range i.Columns {
			names = append(names, c.Name)
		}
		out = append(out, names)
	}
	return out
}

func TestProject_RunningWorkflow(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	res := result.New(result.WithClock(func() time.Time { return t0 }))
	res.Start()
	res.IncRead(4)
	res.IncErrors(1)

	tbl := WorkflowTable()
	rec := tbl.Project(&fakeSubject{batch: 7, name: "nightly", res: res, text: "line\n"})

	v, ok := rec.Get("ID_WORKFLOW")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, "running", rec.Map()["STATUS"])
	assert.Equal(t, int64(4), rec.Map()["LINES_READ"])
	assert.Equal(t, int64(1), rec.Map()["ERRORS"])
	assert.Equal(t, t0, rec.Map()["STARTDATE"])
	assert.Nil(t, rec.Map()["ENDDATE"])
	assert.Equal(t, "line\n", rec.Map()["LOG_FIELD"])
	assert.Equal(t, "nightly", rec.Map()["WORKFLOW_NAME"])

	_, ok = rec.Get("CLIENT")
	assert.False(t, ok, "disabled fields are not projected")
}

func TestProject_NilSubjectAndNilResult(t *testing.T) {
	tbl := PipelineTable()
	for _, c := range tbl.Schema.Project(nil, ProjectOptions{}).Columns {
		assert.Nil(t, c.Value, c.Name)
	}

	rec := tbl.Project(&fakeSubject{batch: 3, name: "p"})
	assert.Equal(t, int64(3), rec.Map()["ID_BATCH"])
	assert.Equal(t, "p", rec.Map()["PIPELINE_NAME"])
	assert.Nil(t, rec.Map()["STATUS"])
	assert.Nil(t, rec.Map()["LINES_READ"])
	assert.Nil(t, rec.Map()["LOG_FIELD"])
}

func TestProject_LogFieldKeepsNewestCharacters(t *testing.T) {
	tbl := WorkflowTable()
	tbl.SizeLimit = 5
	rec := tbl.Project(&fakeSubject{res: result.New(), text: "abcdefghij"})
	assert.Equal(t, "fghij", rec.Map()["LOG_FIELD"])

	tbl.SizeLimit = 0
	rec = tbl.Project(&fakeSubject{res: result.New(), text: "abcdefghij"})
	assert.Equal(t, "abcdefghij", rec.Map()["LOG_FIELD"])
}

func TestProject_TransformIdentity(t *testing.T) {
	rec := TransformTable().Project(&fakeSubject{
		batch: 1, name: "clone", res: result.New(),
		id: Identity{Parent: "pipe", Copy: 2},
	})
	assert.Equal(t, "pipe", rec.Map()["PIPELINE_NAME"])
	assert.Equal(t, "clone", rec.Map()["TRANSFORM_NAME"])
	assert.Equal(t, int64(2), rec.Map()["TRANSFORM_COPY"])
	assert.Equal(t, "pending", rec.Map()["STATUS"])
}

func TestRecommendedIndexes(t *testing.T) {
	tbl := WorkflowTable()
	assert.Equal(t, [][]string{{"ID_WORKFLOW"}, {"ERRORS", "STATUS", "WORKFLOW_NAME"}}, indexNames(tbl.RecommendedIndexes()))

	require.NoError(t, tbl.Schema.SetEnabled("STATUS", false))
	assert.Equal(t, [][]string{{"ID_WORKFLOW"}, {"ERRORS", "WORKFLOW_NAME"}}, indexNames(tbl.RecommendedIndexes()))

	for _, id := range []string{"ERRORS", "WORKFLOW_NAME"} {
		require.NoError(t, tbl.Schema.SetEnabled(id, false))
	}
	assert.Equal(t, [][]string{{"ID_WORKFLOW"}}, indexNames(tbl.RecommendedIndexes()))

	tbl.SetBatchIDUsed(false)
	assert.Empty(t, tbl.RecommendedIndexes())

	assert.Equal(t, [][]string{{"ERRORS", "STATUS", "TRANSFORM_NAME"}}, indexNames(TransformTable().RecommendedIndexes()))
}

func TestNewSchema_Invariants(t *testing.T) {
	_, err := NewSchema(newField("A", RoleName, 0, 0, 0), newField("A", RoleStatus, 0, 0, 0))
	assert.Error(t, err)

	_, err = NewSchema(newField("A", RoleName, 0, 0, TagStatus), newField("B", RoleStatus, 0, 0, TagStatus))
	assert.Error(t, err)

	s, err := NewSchema(newField("A", RoleName, 0, 0, TagName))
	require.NoError(t, err)
	f, ok := s.NameField()
	require.True(t, ok)
	assert.True(t, f.Has(TagVisible))
}

func TestTable_Apply(t *testing.T) {
	tbl := WorkflowTable()
	require.NoError(t, tbl.Apply(Settings{
		Table:           "wf_log",
		Schema:          "etl",
		IntervalSeconds: 15,
		TimeoutDays:     30,
		Fields:          map[string]bool{"CLIENT": true, "LOG_FIELD": false},
		Columns:         map[string]string{"ID_WORKFLOW": "RUN_ID"},
	}))
	assert.True(t, tbl.Defined())
	assert.Equal(t, "etl.wf_log", tbl.QualifiedName())
	assert.Equal(t, 15*time.Second, tbl.Interval)
	assert.False(t, tbl.LogFieldUsed())
	f, _ := tbl.Schema.Field("CLIENT")
	assert.True(t, f.Enabled)
	k, _ := tbl.Schema.KeyField()
	assert.Equal(t, "RUN_ID", k.Name)

	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	cut, ok := tbl.RetentionCutoff(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), cut)

	assert.Error(t, tbl.Apply(Settings{Fields: map[string]bool{"NOPE": true}}))
	assert.False(t, (&Table{}).Defined())
}

func TestSnapshotter_PeriodicThenFinal(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	res := result.New(result.WithClock(func() time.Time { return start }))
	res.Start()
	sub := &fakeSubject{batch: 1, name: "wf", res: res}

	tbl := WorkflowTable()
	tbl.TableName = "wf_log"
	tbl.TimeoutDays = 1
	w := &memWriter{}
	snapAt := start.Add(time.Hour)
	sn := NewSnapshotter(tbl, sub, w, WithSchedule(every(5*time.Millisecond)),
		WithSnapshotClock(func() time.Time { return snapAt }))
	sn.Start(context.Background())

	require.Eventually(t, func() bool { return len(w.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	periodic := w.snapshot()[0]
	assert.Equal(t, "running", periodic.Map()["STATUS"])
	assert.Equal(t, snapAt, periodic.Map()["LOGDATE"])
	assert.Equal(t, start, res.Dates().Log, "periodic snapshots leave the result untouched")

	res.Finish()
	require.NoError(t, sn.Stop(context.Background()))
	n := len(w.snapshot())
	final := w.snapshot()[n-1]
	assert.Equal(t, "finished", final.Map()["STATUS"])
	assert.Equal(t, n, sn.Written())
	require.Len(t, w.purged, 1)
	assert.Equal(t, snapAt.AddDate(0, 0, -1), w.purged[0])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, w.snapshot(), n, "no writes after Stop")
}

func TestSnapshotter_SkipsWhenNotRunning(t *testing.T) {
	tbl := PipelineTable()
	tbl.TableName = "p_log"
	w := &memWriter{}
	sn := NewSnapshotter(tbl, &fakeSubject{res: result.New()}, w, WithSchedule(every(2*time.Millisecond)))
	sn.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, w.snapshot())
	require.NoError(t, sn.Stop(context.Background()))
	assert.Len(t, w.snapshot(), 1)
}

func TestSnapshotter_UndefinedTableWritesNothing(t *testing.T) {
	w := &memWriter{}
	sn := NewSnapshotter(WorkflowTable(), &fakeSubject{res: result.New()}, w)
	sn.Start(context.Background())
	require.NoError(t, sn.Stop(context.Background()))
	assert.Empty(t, w.snapshot())
}

func TestSnapshotter_FinalWriteFailure(t *testing.T) {
	tbl := WorkflowTable()
	tbl.TableName = "wf_log"
	boom := errors.New("connection refused")
	sn := NewSnapshotter(tbl, &fakeSubject{res: result.New()}, &memWriter{err: boom})

	err := sn.Stop(context.Background())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "wf_log", perr.Table)
	assert.ErrorIs(t, err, boom)
}
