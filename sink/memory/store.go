// Package memory keeps the newest log table records in process. The engine
// uses it to answer snapshot queries from the control service.
package memory

import (
	"context"
	"sync"
	"time"

	"rowflow/internal/config"
	"rowflow/internal/logtable"
	"rowflow/sink"
)

const defaultKeep = 100

type Store struct {
	mu   sync.Mutex
	keep int
	// oldest first, per table code
	recs map[string][]entry
}

type entry struct {
	key any
	rec logtable.Record
}

func New(keep int) *Store {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &Store{keep: keep, recs: map[string][]entry{}}
}

func (s *Store) Configure(c config.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Keep > 0 {
		s.keep = c.Keep
	}
	return nil
}

// Write replaces the record with the same key, or appends.
func (s *Store) Write(_ context.Context, t *logtable.Table, rec logtable.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.recs[t.Code]
	if _, key, ok := t.Key(rec); ok {
		for i := range list {
			if list[i].key == key {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		list = append(list, entry{key: key, rec: rec})
	} else {
		list = append(list, entry{rec: rec})
	}
	if over := len(list) - s.keep; over > 0 {
		list = append([]entry(nil), list[over:]...)
	}
	s.recs[t.Code] = list
	return nil
}

// Latest returns up to limit records of the table code, newest first.
func (s *Store) Latest(code string, limit int) []logtable.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.recs[code]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]logtable.Record, 0, limit)
	for i := len(list) - 1; i >= len(list)-limit; i-- {
		out = append(out, list[i].rec)
	}
	return out
}

func (s *Store) Purge(_ context.Context, t *logtable.Table, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []entry
	var n int64
	for _, e := range s.recs[t.Code] {
		if _, d, ok := t.LogDate(e.rec); ok && d.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.recs[t.Code] = kept
	return n, nil
}

func (s *Store) MaxKey(_ context.Context, t *logtable.Table) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var top int64
	for _, e := range s.recs[t.Code] {
		if k, ok := e.key.(int64); ok && k > top {
			top = k
		}
	}
	return top, nil
}

func (s *Store) Close() error { return nil }

func init() {
	sink.Register("memory", func() sink.Adapter { return New(0) })
}
