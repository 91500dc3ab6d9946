package logtable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rowflow/internal/logging"
	"rowflow/internal/result"
	"rowflow/internal/telemetry"
)

// Writer persists projected records. Implementations live under sink/.
type Writer interface {
	Write(ctx context.Context, t *Table, rec Record) error
}

// Purger is implemented by writers that can drop expired records.
type Purger interface {
	Purge(ctx context.Context, t *Table, before time.Time) (int64, error)
}

type PersistenceError struct {
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("log table %s: %v", e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Snapshotter writes records for one subject: periodically while the run
// is in progress when the table has an interval, and once more on Stop.
type Snapshotter struct {
	table    *Table
	subject  Subject
	w        Writer
	now      func() time.Time
	schedule cron.Schedule

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	written int
}

type SnapshotOption func(*Snapshotter)

// WithSchedule replaces the interval-derived schedule.
func WithSchedule(s cron.Schedule) SnapshotOption {
	return func(sn *Snapshotter) { sn.schedule = s }
}

func WithSnapshotClock(now func() time.Time) SnapshotOption {
	return func(sn *Snapshotter) { sn.now = now }
}

func NewSnapshotter(t *Table, sub Subject, w Writer, opts ...SnapshotOption) *Snapshotter {
	s := &Snapshotter{table: t, subject: sub, w: w, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Snapshotter) enabled() bool { return s.table.Defined() && s.w != nil }

// Start schedules periodic snapshots. It is a no-op when the table is not
// defined or has no interval.
func (s *Snapshotter) Start(ctx context.Context) {
	if !s.enabled() {
		return
	}
	sched := s.schedule
	if sched == nil {
		if s.table.Interval <= 0 {
			return
		}
		sched = cron.Every(s.table.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.ctx = ctx
	logger := cronLogger{}
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	s.cron.Start()
}

func (s *Snapshotter) tick() {
	res := s.subject.Result()
	if res == nil || res.Status() != result.Running {
		return
	}
	rec := s.table.Schema.Project(s.subject, ProjectOptions{SizeLimit: s.table.SizeLimit, LogDate: s.now()})
	if err := s.write(s.ctx, rec); err != nil {
		logging.L().Warn("periodic log snapshot failed", "table", s.table.Code, "name", s.subject.Name(), "err", err)
	}
}

func (s *Snapshotter) write(ctx context.Context, rec Record) error {
	if err := s.w.Write(ctx, s.table, rec); err != nil {
		telemetry.Snapshots.WithLabelValues(s.table.Code, "failed").Inc()
		return &PersistenceError{Table: s.table.QualifiedName(), Err: err}
	}
	telemetry.Snapshots.WithLabelValues(s.table.Code, "written").Inc()
	s.mu.Lock()
	s.written++
	s.mu.Unlock()
	return nil
}

// Snapshot writes one record immediately.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	return s.write(ctx, s.table.Project(s.subject))
}

// Written counts successful writes so far.
func (s *Snapshotter) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Stop cancels the schedule, waits for an in-flight snapshot, writes the
// final record and purges expired ones when the writer supports it.
func (s *Snapshotter) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return &PersistenceError{Table: s.table.QualifiedName(), Err: ctx.Err()}
		}
	}
	if !s.enabled() {
		return nil
	}
	if err := s.Snapshot(ctx); err != nil {
		return err
	}
	p, ok := s.w.(Purger)
	if !ok {
		return nil
	}
	cutoff, ok := s.table.RetentionCutoff(s.now())
	if !ok {
		return nil
	}
	n, err := p.Purge(ctx, s.table, cutoff)
	if err != nil {
		return &PersistenceError{Table: s.table.QualifiedName(), Err: err}
	}
	if n > 0 {
		logging.L().Debug("purged expired log records", "table", s.table.QualifiedName(), "rows", n)
	}
	return nil
}

// cronLogger routes scheduler messages to the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { logging.L().Debug("snapshot scheduler: "+msg, kv...) }

func (cronLogger) Error(err error, msg string, kv ...any) {
	logging.L().Error("snapshot scheduler: "+msg, append(kv, "err", err)...)
}
