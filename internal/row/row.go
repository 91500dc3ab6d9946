package row

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Row []any

// Clone returns a shallow copy; values are immutable scalars.
func (r Row) Clone() Row { return append(Row(nil), r...) }

// Extend copies r with extra trailing values.
func (r Row) Extend(extra ...any) Row {
	out := make(Row, 0, len(r)+len(extra))
	out = append(out, r...)
	return append(out, extra...)
}

// Integer reads an integer-like value at i.
func (r Row) Integer(i int) (int64, bool, error) {
	switch v := r[i].(type) {
	case nil:
		return 0, false, nil
	case int64:
		return v, true, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, true, fmt.Errorf("row: %v is not integral", v)
		}
		return int64(v), true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, true, err
	default:
		return 0, true, fmt.Errorf("row: %T is not an integer", v)
	}
}
