package logctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"rowflow/internal/logging"
)

const lineTimeLayout = "2006/01/02 15:04:05"

// Line is one visible message as handed to a Sink.
type Line struct {
	Time      time.Time
	ChannelID string
	Subject   string
	Level     Level
	Message   string
}

func (l Line) String() string {
	return l.Time.Format(lineTimeLayout) + " - " + l.Subject + " - " + l.Message + "\n"
}

type Sink interface {
	Write(Line) error
}

type SinkFunc func(Line) error

func (f SinkFunc) Write(l Line) error { return f(l) }

// SinkError wraps a failed write; it is counted, never returned to callers
// of Log.
type SinkError struct {
	ChannelID string
	Err       error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("log sink: channel %s: %v", e.ChannelID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// SlogSink forwards lines to the process logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(l Line) error {
	lg := s.Logger
	if lg == nil {
		lg = logging.L()
	}
	lg.Log(context.Background(), l.Level.slog(), l.Message,
		"subject", l.Subject, "channel", l.ChannelID, "level", l.Level.String())
	return nil
}

// WriterSink writes formatted lines to w, serialising writers.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

// NewFileSink writes to a size-rotated file.
func NewFileSink(opts logging.FileOptions) *WriterSink {
	return NewWriterSink(logging.RotatingFile(opts))
}

func (s *WriterSink) Write(l Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, l.String())
	return err
}

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type MultiSink []Sink

func (m MultiSink) Write(l Line) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discard struct{}

func (discard) Write(Line) error { return nil }

// Discard drops every line.
var Discard Sink = discard{}
