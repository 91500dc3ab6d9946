// Package row holds the value model shared by every channel in a graph:
// a Row is a plain slice of values and the Meta describing it travels with
// the channel, not with the row.
package row

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Type int

const (
	TypeNone Type = iota
	TypeString
	TypeInteger
	TypeNumber
	TypeBoolean
	TypeDate
)

var typeNames = map[Type]string{
	TypeNone:    "none",
	TypeString:  "string",
	TypeInteger: "integer",
	TypeNumber:  "number",
	TypeBoolean: "boolean",
	TypeDate:    "date",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// ParseType accepts the names used in graph files.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string":
		return TypeString, nil
	case "integer", "int":
		return TypeInteger, nil
	case "number", "float":
		return TypeNumber, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "date", "timestamp":
		return TypeDate, nil
	}
	return TypeNone, fmt.Errorf("row: unknown type %q", s)
}

// Accepts reports whether v is a legal value for t. Nil is legal everywhere.
func (t Type) Accepts(v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		_, ok := v.(int64)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeDate:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

// Parse converts the textual form used by static row definitions.
func (t Type) Parse(s string) (any, error) {
	switch t {
	case TypeString:
		return s, nil
	case TypeInteger:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case TypeNumber:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case TypeBoolean:
		return strconv.ParseBool(strings.TrimSpace(s))
	case TypeDate:
		return time.Parse(time.RFC3339, strings.TrimSpace(s))
	}
	return nil, fmt.Errorf("row: cannot parse into %s", t)
}

type ValueMeta struct {
	Name      string
	Type      Type
	Length    int
	Precision int
	Origin    string
}

// Meta is the ordered layout of the rows on one channel. A Meta is not
// modified once a graph starts; derive new layouts with Clone.
type Meta struct {
	values []ValueMeta
}

func NewMeta(values ...ValueMeta) *Meta {
	return &Meta{values: append([]ValueMeta(nil), values...)}
}

func (m *Meta) Size() int {
	if m == nil {
		return 0
	}
	return len(m.values)
}

func (m *Meta) Value(i int) ValueMeta { return m.values[i] }

func (m *Meta) Values() []ValueMeta {
	if m == nil {
		return nil
	}
	return append([]ValueMeta(nil), m.values...)
}

// IndexOf returns -1 when name is not part of the layout.
func (m *Meta) IndexOf(name string) int {
	if m == nil {
		return -1
	}
	for i, v := range m.values {
		if v.Name == name {
			return i
		}
	}
	return -1
}

func (m *Meta) Add(v ValueMeta) { m.values = append(m.values, v) }

func (m *Meta) Clone() *Meta {
	if m == nil {
		return NewMeta()
	}
	return NewMeta(m.values...)
}

func (m *Meta) Names() []string {
	out := make([]string, m.Size())
	for i := range out {
		out[i] = m.values[i].Name
	}
	return out
}

// Equal compares names and types; lengths are informational.
func (m *Meta) Equal(o *Meta) bool {
	if m.Size() != o.Size() {
		return false
	}
	for i := 0; i < m.Size(); i++ {
		if m.values[i].Name != o.values[i].Name || m.values[i].Type != o.values[i].Type {
			return false
		}
	}
	return true
}

func (m *Meta) String() string {
	parts := make([]string, m.Size())
	for i := range parts {
		parts[i] = m.values[i].Name + ":" + m.values[i].Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Conforms checks arity and value types of r against the layout.
func (m *Meta) Conforms(r Row) error {
	if len(r) != m.Size() {
		return fmt.Errorf("row: arity %d does not match layout %s", len(r), m)
	}
	for i, v := range r {
		vm := m.values[i]
		if !vm.Type.Accepts(v) {
			return fmt.Errorf("row: field %q expects %s, got %T", vm.Name, vm.Type, v)
		}
	}
	return nil
}
