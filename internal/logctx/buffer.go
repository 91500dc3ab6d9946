package logctx

import (
	"strings"
	"sync"

	"rowflow/internal/result"
)

// buffer is the per-context captured output. Its mutex is the only lock
// taken when a line is appended.
type buffer struct {
	mu  sync.Mutex
	sb  strings.Builder
	max int
}

func (b *buffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(line)
	// compact lazily so appends stay amortised O(1)
	if b.max > 0 && b.sb.Len() > 2*b.max {
		rest := result.Tail(b.sb.String(), b.max)
		b.sb.Reset()
		b.sb.WriteString(rest)
	}
}

func (b *buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 {
		return result.Tail(b.sb.String(), b.max)
	}
	return b.sb.String()
}
