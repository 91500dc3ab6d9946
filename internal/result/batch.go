package result

import "sync/atomic"

// BatchSequence hands out run identifiers that increase across runs.
type BatchSequence struct {
	last atomic.Int64
}

func (s *BatchSequence) Next() int64 { return s.last.Add(1) }

// Seed raises the sequence to at least n, e.g. the highest id already stored.
func (s *BatchSequence) Seed(n int64) {
	for {
		cur := s.last.Load()
		if n <= cur || s.last.CompareAndSwap(cur, n) {
			return
		}
	}
}
