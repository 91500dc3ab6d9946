package logtable

import (
	"fmt"
	"time"

	"rowflow/internal/result"
	"rowflow/internal/row"
)

// Subject is what a schema projects: a run plus its identity.
type Subject interface {
	BatchID() int64
	ChannelID() string
	Name() string
	// Result may be nil while the run has not been created yet.
	Result() *result.Result
	// LogText is the captured output so far.
	LogText() string
	Identity() Identity
}

type Identity struct {
	Parent      string
	Copy        int
	Server      string
	User        string
	StartAction string
	Client      string
}

type Column struct {
	Name   string
	Type   row.Type
	Length int
	Value  any
}

// Record is one projected snapshot; columns follow the schema order.
type Record struct {
	Columns []Column
}

func (r Record) Get(name string) (any, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

func (r Record) Names() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Name
	}
	return out
}

func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Columns))
	for _, c := range r.Columns {
		out[c.Name] = c.Value
	}
	return out
}

type IndexColumn struct {
	Name   string
	Type   row.Type
	Length int
}

// Index is an advisory index recommendation.
type Index struct {
	Columns []IndexColumn
}

type Schema struct {
	fields []Field
}

// NewSchema checks that ids are unique and that the single-valued tags
// (key, status, errors, name, log date, log field) appear at most once.
func NewSchema(fields ...Field) (*Schema, error) {
	seen := make(map[string]bool, len(fields))
	tagged := make(map[Tag]string)
	for _, f := range fields {
		if f.ID == "" {
			return nil, fmt.Errorf("logtable: field without id")
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("logtable: duplicate field %q", f.ID)
		}
		seen[f.ID] = true
		for _, t := range []Tag{TagKey, TagStatus, TagErrors, TagName, TagLogDate, TagLogField} {
			if !f.Has(t) {
				continue
			}
			if prev, dup := tagged[t]; dup {
				return nil, fmt.Errorf("logtable: fields %q and %q share a single-valued tag", prev, f.ID)
			}
			tagged[t] = f.ID
		}
	}
	return &Schema{fields: append([]Field(nil), fields...)}, nil
}

func mustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Fields() []Field { return append([]Field(nil), s.fields...) }

func (s *Schema) Enabled() []Field {
	var out []Field
	for _, f := range s.fields {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

func (s *Schema) Field(id string) (Field, bool) {
	for _, f := range s.fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) SetEnabled(id string, on bool) error {
	for i := range s.fields {
		if s.fields[i].ID == id {
			s.fields[i].Enabled = on
			return nil
		}
	}
	return fmt.Errorf("logtable: unknown field %q", id)
}

// Rename changes the persisted column name of a field.
func (s *Schema) Rename(id, name string) error {
	for i := range s.fields {
		if s.fields[i].ID == id {
			s.fields[i].Name = name
			return nil
		}
	}
	return fmt.Errorf("logtable: unknown field %q", id)
}

func (s *Schema) tagged(t Tag) (Field, bool) {
	for _, f := range s.fields {
		if f.Has(t) {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) KeyField() (Field, bool)     { return s.tagged(TagKey) }
func (s *Schema) StatusField() (Field, bool)  { return s.tagged(TagStatus) }
func (s *Schema) ErrorsField() (Field, bool)  { return s.tagged(TagErrors) }
func (s *Schema) NameField() (Field, bool)    { return s.tagged(TagName) }
func (s *Schema) LogField() (Field, bool)     { return s.tagged(TagLogField) }
func (s *Schema) LogDateField() (Field, bool) { return s.tagged(TagLogDate) }

func (s *Schema) Clone() *Schema { return &Schema{fields: s.Fields()} }

// ProjectOptions tunes one projection.
type ProjectOptions struct {
	// SizeLimit bounds the log field in characters, keeping the newest
	// output. Zero or less keeps everything.
	SizeLimit int
	// LogDate overrides the log date of an in-flight snapshot.
	LogDate time.Time
}

// Project resolves every enabled field by role. Fields without a role are
// left out; enabled fields whose source is missing are nil.
func (s *Schema) Project(sub Subject, opts ProjectOptions) Record {
	var rec Record
	for _, f := range s.fields {
		if !f.Enabled || f.Role == RoleNone {
			continue
		}
		var v any
		if sub != nil {
			v = resolve(f.Role, sub, opts)
		}
		rec.Columns = append(rec.Columns, Column{Name: f.Name, Type: f.Type, Length: f.Length, Value: v})
	}
	return rec
}

func resolve(role Role, sub Subject, opts ProjectOptions) any {
	res := sub.Result()
	id := sub.Identity()
	switch role {
	case RoleBatchID:
		return sub.BatchID()
	case RoleChannelID:
		return nonEmpty(sub.ChannelID())
	case RoleName:
		return nonEmpty(sub.Name())
	case RoleParentName:
		return nonEmpty(id.Parent)
	case RoleCopy:
		return int64(id.Copy)
	case RoleExecutingServer:
		return nonEmpty(id.Server)
	case RoleExecutingUser:
		return nonEmpty(id.User)
	case RoleStartAction:
		return nonEmpty(id.StartAction)
	case RoleClient:
		if id.Client == "" {
			return "unknown"
		}
		return id.Client
	case RoleLogField:
		text := sub.LogText()
		if text == "" {
			if res == nil {
				return nil
			}
			text = res.LogText()
		}
		if opts.SizeLimit > 0 {
			text = result.Tail(text, opts.SizeLimit)
		}
		return text
	}

	if res == nil {
		return nil
	}
	c := res.Counters()
	d := res.Dates()
	switch role {
	case RoleStatus:
		return res.Status().String()
	case RoleLinesRead:
		return c.Read
	case RoleLinesWritten:
		return c.Written
	case RoleLinesUpdated:
		return c.Updated
	case RoleLinesInput:
		return c.Input
	case RoleLinesOutput:
		return c.Output
	case RoleLinesRejected:
		return c.Rejected
	case RoleErrors:
		return c.Errors
	case RoleStartDate:
		return date(d.Start)
	case RoleEndDate:
		return date(d.End)
	case RoleLogDate:
		if !opts.LogDate.IsZero() {
			return opts.LogDate
		}
		return date(d.Log)
	case RoleDepDate:
		return date(d.Dependency)
	case RoleReplayDate:
		return date(d.Replay)
	}
	return nil
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func date(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// RecommendedIndexes returns the key index when the key field is enabled,
// then a lookup index over the enabled errors, status and name fields.
func (s *Schema) RecommendedIndexes() []Index {
	var out []Index
	if k, ok := s.KeyField(); ok && k.Enabled {
		out = append(out, Index{Columns: []IndexColumn{indexColumn(k)}})
	}
	var lookup Index
	for _, get := range []func() (Field, bool){s.ErrorsField, s.StatusField, s.NameField} {
		if f, ok := get(); ok && f.Enabled {
			lookup.Columns = append(lookup.Columns, indexColumn(f))
		}
	}
	if len(lookup.Columns) > 0 {
		out = append(out, lookup)
	}
	return out
}

func indexColumn(f Field) IndexColumn {
	return IndexColumn{Name: f.Name, Type: f.Type, Length: f.Length}
}
