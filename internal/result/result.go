// Package result tracks the counters, timestamps and status of one run of
// a transform, pipeline or workflow.
//
// Counters are written by the owning unit only and read concurrently by
// snapshotters, so they are atomics; timestamps and status sit behind a
// small RWMutex.
package result

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

type Status int

const (
	Pending Status = iota
	Running
	Finished
	Failed
	Stopped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s Status) Terminal() bool { return s == Finished || s == Failed || s == Stopped }

// Counters is a point-in-time copy of a Result's counters.
type Counters struct {
	Read     int64
	Written  int64
	Updated  int64
	Input    int64
	Output   int64
	Rejected int64
	Errors   int64
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		Read:     c.Read + o.Read,
		Written:  c.Written + o.Written,
		Updated:  c.Updated + o.Updated,
		Input:    c.Input + o.Input,
		Output:   c.Output + o.Output,
		Rejected: c.Rejected + o.Rejected,
		Errors:   c.Errors + o.Errors,
	}
}

type Result struct {
	read, written, updated  atomic.Int64
	input, output, rejected atomic.Int64
	errors                  atomic.Int64
	done                    atomic.Bool

	now func() time.Time

	mu         sync.RWMutex
	status     Status
	cause      error
	start      time.Time
	end        time.Time
	logDate    time.Time
	depDate    time.Time
	replayDate time.Time
	logText    string
	logLimit   int
}

type Option func(*Result)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Result) { r.now = now } }

// WithLogLimit bounds the captured log text in characters; 0 keeps all.
func WithLogLimit(n int) Option { return func(r *Result) { r.logLimit = n } }

func New(opts ...Option) *Result {
	r := &Result{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Result) IncRead(n int64)     { r.add(&r.read, n) }
func (r *Result) IncWritten(n int64)  { r.add(&r.written, n) }
func (r *Result) IncUpdated(n int64)  { r.add(&r.updated, n) }
func (r *Result) IncInput(n int64)    { r.add(&r.input, n) }
func (r *Result) IncOutput(n int64)   { r.add(&r.output, n) }
func (r *Result) IncRejected(n int64) { r.add(&r.rejected, n) }
func (r *Result) IncErrors(n int64)   { r.add(&r.errors, n) }

func (r *Result) add(c *atomic.Int64, n int64) {
	if r.done.Load() {
		return
	}
	c.Add(n)
}

// Merge folds counters from a finished child run into r.
func (r *Result) Merge(c Counters) {
	r.IncRead(c.Read)
	r.IncWritten(c.Written)
	r.IncUpdated(c.Updated)
	r.IncInput(c.Input)
	r.IncOutput(c.Output)
	r.IncRejected(c.Rejected)
	r.IncErrors(c.Errors)
}

func (r *Result) Counters() Counters {
	return Counters{
		Read:     r.read.Load(),
		Written:  r.written.Load(),
		Updated:  r.updated.Load(),
		Input:    r.input.Load(),
		Output:   r.output.Load(),
		Rejected: r.rejected.Load(),
		Errors:   r.errors.Load(),
	}
}

func (r *Result) Errors() int64 { return r.errors.Load() }

// Start moves PENDING to RUNNING; later calls are no-ops.
func (r *Result) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != Pending {
		return
	}
	r.status = Running
	r.start = r.now()
	r.logDate = r.start
	r.replayDate = r.start
}

// Finish ends the run successfully.
func (r *Result) Finish() { r.terminate(Finished, nil, false) }

// Fail ends the run and counts one error for cause.
func (r *Result) Fail(cause error) { r.terminate(Failed, cause, true) }

// Stop ends a run that was cancelled without failing itself.
func (r *Result) Stop() { r.terminate(Stopped, nil, false) }

// FailMerged ends the run as FAILED without counting another error, for
// runs whose failures were already merged in from child results.
func (r *Result) FailMerged(cause error) { r.terminate(Failed, cause, false) }

func (r *Result) terminate(s Status, cause error, countFailure bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	now := r.now()
	if r.status == Pending {
		r.start = now
		r.replayDate = now
	}
	if countFailure {
		r.errors.Add(1)
	}
	r.status = s
	r.cause = cause
	r.end = now
	r.logDate = now
	r.done.Store(true)
}

func (r *Result) SetDependencyDate(t time.Time) {
	r.mu.Lock()
	r.depDate = t
	r.mu.Unlock()
}

func (r *Result) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Result) Cause() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cause
}

type Dates struct {
	Start, End, Log, Dependency, Replay time.Time
}

func (r *Result) Dates() Dates {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Dates{Start: r.start, End: r.end, Log: r.logDate, Dependency: r.depDate, Replay: r.replayDate}
}

// SetLogText stores captured output, keeping the most recent characters
// when a limit is configured.
func (r *Result) SetLogText(s string) {
	if r.logLimit > 0 {
		s = Tail(s, r.logLimit)
	}
	r.mu.Lock()
	r.logText = s
	r.mu.Unlock()
}

func (r *Result) LogText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logText
}

// Tail returns the last n characters (runes) of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := len(s); i > 0; {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}
