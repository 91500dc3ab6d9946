// Package sink holds the writers that persist log table records. Each
// driver registers itself from init; a Router picks the writer named by a
// table's connection.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/logtable"
)

// Adapter is the common behaviour every record writer exposes.
type Adapter interface {
	Configure(config.Connection) error
	Write(ctx context.Context, t *logtable.Table, rec logtable.Record) error
	Close() error
}

// KeySource is implemented by writers that can report the highest key
// stored in a table, used to continue batch ids across restarts.
type KeySource interface {
	MaxKey(ctx context.Context, t *logtable.Table) (int64, error)
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

func Drivers() []string {
	out := make([]string, 0, len(reg))
	for k := range reg {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

/*──────── router ───────*/

// Router writes each record through the adapter of its table's connection.
// The fallback adapter serves tables without a connection and also gets a
// copy of every other record.
type Router struct {
	byName   map[string]Adapter
	fallback Adapter
}

// Open configures one adapter per connection.
func Open(conns map[string]config.Connection, fallback Adapter) (*Router, error) {
	r := &Router{byName: make(map[string]Adapter, len(conns)), fallback: fallback}
	for name, c := range conns {
		a, err := NewAdapter(c.Driver)
		if err == nil {
			err = a.Configure(c)
		}
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("connection %s: %w", name, err)
		}
		r.byName[name] = a
	}
	return r, nil
}

// Add registers an already configured adapter under name.
func (r *Router) Add(name string, a Adapter) { r.byName[name] = a }

func (r *Router) adapter(t *logtable.Table) (Adapter, error) {
	if t.Connection == "" {
		if r.fallback == nil {
			return nil, fmt.Errorf("%s log table %s has no connection", t.Code, t.QualifiedName())
		}
		return r.fallback, nil
	}
	a, ok := r.byName[t.Connection]
	if !ok {
		return nil, fmt.Errorf("%s log table %s: unknown connection %q", t.Code, t.QualifiedName(), t.Connection)
	}
	return a, nil
}

func (r *Router) Write(ctx context.Context, t *logtable.Table, rec logtable.Record) error {
	a, err := r.adapter(t)
	if err != nil {
		return err
	}
	if r.fallback != nil && a != r.fallback {
		if err := r.fallback.Write(ctx, t, rec); err != nil {
			logging.L().Warn("log record mirror failed", "table", t.QualifiedName(), "err", err)
		}
	}
	return a.Write(ctx, t, rec)
}

// Purge deletes expired records where the writer supports it.
func (r *Router) Purge(ctx context.Context, t *logtable.Table, before time.Time) (int64, error) {
	a, err := r.adapter(t)
	if err != nil {
		return 0, err
	}
	p, ok := a.(logtable.Purger)
	if !ok {
		return 0, nil
	}
	return p.Purge(ctx, t, before)
}

// MaxKey reports the highest key of t, or 0 when its writer cannot tell.
func (r *Router) MaxKey(ctx context.Context, t *logtable.Table) (int64, error) {
	a, err := r.adapter(t)
	if err != nil {
		return 0, err
	}
	k, ok := a.(KeySource)
	if !ok {
		return 0, nil
	}
	return k.MaxKey(ctx, t)
}

func (r *Router) Close() error {
	var errs []error
	for _, a := range r.byName {
		errs = append(errs, a.Close())
	}
	if r.fallback != nil {
		errs = append(errs, r.fallback.Close())
	}
	return errors.Join(errs...)
}
