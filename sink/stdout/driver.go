package stdout

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"rowflow/internal/config"
	"rowflow/internal/logtable"
	"rowflow/sink"
)

const (
	defaultBatch = 64
	defaultFlush = time.Second
)

// line is the JSON form of one record.
type line struct {
	Table  string         `json:"table"`
	Code   string         `json:"code"`
	Record map[string]any `json:"record"`
}

// driver writes one JSON line per record. Lines are buffered and flushed
// on batch size, on a one-shot timer, and on Close.
type driver struct {
	out   io.Writer
	close func() error
	batch int
	flush time.Duration

	mu      sync.Mutex // guards w, pending and timer
	w       *bufio.Writer
	pending int
	timer   *time.Timer // nil → no timer armed
}

func newDriver(out io.Writer) *driver {
	return &driver{out: out, batch: defaultBatch, flush: defaultFlush}
}

func (d *driver) Configure(c config.Connection) error {
	if c.Path != "" {
		lj := &lumberjack.Logger{Filename: c.Path, MaxSize: 100, MaxBackups: 5, MaxAge: 30}
		d.out, d.close = lj, lj.Close
	}
	if c.BatchSize > 0 {
		d.batch = c.BatchSize
	}
	if c.FlushMS > 0 {
		d.flush = time.Duration(c.FlushMS) * time.Millisecond
	}
	return nil
}

func (d *driver) Write(_ context.Context, t *logtable.Table, rec logtable.Record) error {
	b, err := json.Marshal(line{Table: t.QualifiedName(), Code: t.Code, Record: rec.Map()})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		d.w = bufio.NewWriter(d.out)
	}
	if _, err := d.w.Write(append(b, '\n')); err != nil {
		return err
	}
	d.pending++

	/* 1. flush on batch size */
	if d.pending >= d.batch {
		return d.flushLocked()
	}

	/* 2. arm the one-shot timer if needed */
	if d.timer == nil {
		d.timer = time.AfterFunc(d.flush, d.timerFlush)
	}
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	err := d.flushLocked()
	d.mu.Unlock()
	if d.close != nil {
		if cerr := d.close(); err == nil {
			err = cerr
		}
	}
	return err
}

// called by the timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	_ = d.flushLocked()
	d.mu.Unlock()
}

// must be called with d.mu held
func (d *driver) flushLocked() error {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = 0
	if d.w == nil {
		return nil
	}
	return d.w.Flush()
}

func init() {
	sink.Register("stdout", func() sink.Adapter { return newDriver(os.Stdout) })
}
