package logctx

import (
	"fmt"
	"sync/atomic"

	"rowflow/internal/logging"
	"rowflow/internal/telemetry"
)

// ErrorCounter is the part of a run result a context reports sink
// failures to.
type ErrorCounter interface {
	IncErrors(n int64)
}

type Context struct {
	id       string
	parentID string
	subject  string
	kind     Kind
	copyNr   int
	level    Level
	owner    ErrorCounter

	gathering atomic.Bool
	separate  atomic.Bool
	sinkErrs  atomic.Int64

	reg *Registry
	buf *buffer
}

type ContextOption func(*Context)

func WithKind(k Kind) ContextOption { return func(c *Context) { c.kind = k } }

func WithCopy(n int) ContextOption { return func(c *Context) { c.copyNr = n } }

// WithOwner routes sink failures to the owning unit's error counter.
func WithOwner(o ErrorCounter) ContextOption { return func(c *Context) { c.owner = o } }

func WithGatheringMetrics(on bool) ContextOption {
	return func(c *Context) { c.gathering.Store(on) }
}

func WithForcingSeparateLogging(on bool) ContextOption {
	return func(c *Context) { c.separate.Store(on) }
}

func (c *Context) ID() string       { return c.id }
func (c *Context) ParentID() string { return c.parentID }
func (c *Context) Subject() string  { return c.subject }
func (c *Context) Kind() Kind       { return c.kind }
func (c *Context) Copy() int        { return c.copyNr }
func (c *Context) Level() Level     { return c.level }

func (c *Context) GatheringMetrics() bool            { return c.gathering.Load() }
func (c *Context) SetGatheringMetrics(on bool)       { c.gathering.Store(on) }
func (c *Context) ForcingSeparateLogging() bool      { return c.separate.Load() }
func (c *Context) SetForcingSeparateLogging(on bool) { c.separate.Store(on) }

// SinkErrors counts failed sink writes on this context.
func (c *Context) SinkErrors() int64 { return c.sinkErrs.Load() }

// Log emits msg at level. Empty messages and levels not visible on this
// channel are dropped. Sink failures are absorbed.
func (c *Context) Log(level Level, msg string) {
	if msg == "" || !level.Visible(c.level) {
		return
	}
	line := Line{
		Time:      c.reg.now(),
		ChannelID: c.id,
		Subject:   c.subject,
		Level:     level,
		Message:   msg,
	}
	text := line.String()
	if c.GatheringMetrics() {
		c.buf.append(text)
	}
	if !c.ForcingSeparateLogging() {
		for _, a := range c.reg.aggregators(c.id) {
			a.buf.append(text)
		}
	}
	if err := c.reg.sink.Write(line); err != nil {
		c.sinkFailed(err)
	}
}

func (c *Context) sinkFailed(err error) {
	serr := &SinkError{ChannelID: c.id, Err: err}
	c.sinkErrs.Add(1)
	if c.owner != nil {
		c.owner.IncErrors(1)
	}
	telemetry.LogSinkErrors.Inc()
	logging.L().Warn("log line dropped", "subject", c.subject, "err", serr)
}

func (c *Context) Logf(level Level, format string, args ...any) {
	if !level.Visible(c.level) {
		return
	}
	c.Log(level, fmt.Sprintf(format, args...))
}

func (c *Context) Error(msg string)    { c.Log(LevelError, msg) }
func (c *Context) Minimal(msg string)  { c.Log(LevelMinimal, msg) }
func (c *Context) Basic(msg string)    { c.Log(LevelBasic, msg) }
func (c *Context) Detailed(msg string) { c.Log(LevelDetailed, msg) }
func (c *Context) Debug(msg string)    { c.Log(LevelDebug, msg) }
func (c *Context) Rowlevel(msg string) { c.Log(LevelRowlevel, msg) }

// Buffer returns the captured output, bounded by the registry limit.
func (c *Context) Buffer() string { return c.buf.String() }

// Close unregisters the context; lines logged afterwards still reach the
// sink but no longer propagate to ancestors from descendants.
func (c *Context) Close() { c.reg.remove(c.id) }
