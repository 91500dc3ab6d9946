// Package logtable describes how run results are projected into log
// records: which fields exist, what role feeds each one, which indexes to
// recommend, and when snapshots are taken.
package logtable

import (
	"fmt"
	"time"

	"rowflow/internal/row"
)

const (
	CodeWorkflow  = "WORKFLOW"
	CodePipeline  = "PIPELINE"
	CodeTransform = "TRANSFORM"
)

// ClobLength marks an unbounded text column.
const ClobLength = 9999999

type Table struct {
	Code       string
	Connection string
	SchemaName string
	TableName  string
	// Interval enables periodic snapshots while a run is in progress.
	Interval time.Duration
	// SizeLimit bounds the log field in characters.
	SizeLimit int
	// TimeoutDays drops records older than this many days; 0 keeps all.
	TimeoutDays int
	Schema      *Schema
}

// Defined reports whether records should be written at all.
func (t *Table) Defined() bool { return t != nil && t.TableName != "" }

func (t *Table) Clone() *Table {
	c := *t
	c.Schema = t.Schema.Clone()
	return &c
}

// Project applies the table's size limit to a schema projection.
func (t *Table) Project(s Subject) Record {
	return t.Schema.Project(s, ProjectOptions{SizeLimit: t.SizeLimit})
}

func (t *Table) RecommendedIndexes() []Index { return t.Schema.RecommendedIndexes() }

// QualifiedName joins the schema and table names.
func (t *Table) QualifiedName() string {
	if t.SchemaName == "" {
		return t.TableName
	}
	return t.SchemaName + "." + t.TableName
}

// Key returns the key column of rec when the key field is enabled and set.
func (t *Table) Key(rec Record) (string, any, bool) {
	f, ok := t.Schema.KeyField()
	if !ok || !f.Enabled {
		return "", nil, false
	}
	v, ok := rec.Get(f.Name)
	if !ok || v == nil {
		return "", nil, false
	}
	return f.Name, v, true
}

// LogDate returns the log date column name of t and its value in rec.
func (t *Table) LogDate(rec Record) (string, time.Time, bool) {
	f, ok := t.Schema.LogDateField()
	if !ok || !f.Enabled {
		return "", time.Time{}, false
	}
	v, _ := rec.Get(f.Name)
	d, ok := v.(time.Time)
	return f.Name, d, ok
}

// RetentionCutoff is the log date before which records may be purged.
func (t *Table) RetentionCutoff(now time.Time) (time.Time, bool) {
	if t.TimeoutDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -t.TimeoutDays), true
}

func (t *Table) BatchIDUsed() bool {
	f, ok := t.Schema.KeyField()
	return ok && f.Enabled
}

func (t *Table) SetBatchIDUsed(on bool) {
	if f, ok := t.Schema.KeyField(); ok {
		_ = t.Schema.SetEnabled(f.ID, on)
	}
}

func (t *Table) LogFieldUsed() bool {
	f, ok := t.Schema.LogField()
	return ok && f.Enabled
}

func (t *Table) SetLogFieldUsed(on bool) {
	if f, ok := t.Schema.LogField(); ok {
		_ = t.Schema.SetEnabled(f.ID, on)
	}
}

// Settings is the file form of a table's configuration.
type Settings struct {
	Connection      string            `koanf:"connection" yaml:"connection"`
	Schema          string            `koanf:"schema" yaml:"schema"`
	Table           string            `koanf:"table" yaml:"table"`
	IntervalSeconds int               `koanf:"interval_seconds" yaml:"interval_seconds"`
	SizeLimit       int               `koanf:"size_limit" yaml:"size_limit"`
	TimeoutDays     int               `koanf:"timeout_days" yaml:"timeout_days"`
	Fields          map[string]bool   `koanf:"fields" yaml:"fields"`
	Columns         map[string]string `koanf:"columns" yaml:"columns"`
}

// Apply overlays s onto t. Unknown field ids are rejected.
func (t *Table) Apply(s Settings) error {
	if s.Connection != "" {
		t.Connection = s.Connection
	}
	if s.Schema != "" {
		t.SchemaName = s.Schema
	}
	if s.Table != "" {
		t.TableName = s.Table
	}
	if s.IntervalSeconds != 0 {
		t.Interval = time.Duration(s.IntervalSeconds) * time.Second
	}
	if s.SizeLimit != 0 {
		t.SizeLimit = s.SizeLimit
	}
	if s.TimeoutDays != 0 {
		t.TimeoutDays = s.TimeoutDays
	}
	for id, on := range s.Fields {
		if err := t.Schema.SetEnabled(id, on); err != nil {
			return fmt.Errorf("%s log table: %w", t.Code, err)
		}
	}
	for id, name := range s.Columns {
		if err := t.Schema.Rename(id, name); err != nil {
			return fmt.Errorf("%s log table: %w", t.Code, err)
		}
	}
	return nil
}

func counterFields() []Field {
	return []Field{
		newField("LINES_READ", RoleLinesRead, row.TypeInteger, 18, 0),
		newField("LINES_WRITTEN", RoleLinesWritten, row.TypeInteger, 18, 0),
		newField("LINES_UPDATED", RoleLinesUpdated, row.TypeInteger, 18, 0),
		newField("LINES_INPUT", RoleLinesInput, row.TypeInteger, 18, 0),
		newField("LINES_OUTPUT", RoleLinesOutput, row.TypeInteger, 18, 0),
		newField("LINES_REJECTED", RoleLinesRejected, row.TypeInteger, 18, 0),
		newField("ERRORS", RoleErrors, row.TypeInteger, 18, TagErrors),
	}
}

func dateFields() []Field {
	return []Field{
		newField("STARTDATE", RoleStartDate, row.TypeDate, -1, 0),
		newField("ENDDATE", RoleEndDate, row.TypeDate, -1, 0),
		newField("LOGDATE", RoleLogDate, row.TypeDate, -1, TagLogDate),
		newField("DEPDATE", RoleDepDate, row.TypeDate, -1, 0),
		newField("REPLAYDATE", RoleReplayDate, row.TypeDate, -1, 0),
	}
}

// WorkflowTable is the default workflow log table.
func WorkflowTable() *Table {
	fields := []Field{
		newField("ID_WORKFLOW", RoleBatchID, row.TypeInteger, 8, TagKey),
		newField("CHANNEL_ID", RoleChannelID, row.TypeString, 255, 0).hidden(),
		newField("WORKFLOW_NAME", RoleName, row.TypeString, 255, TagName).hidden(),
		newField("STATUS", RoleStatus, row.TypeString, 15, TagStatus),
	}
	fields = append(fields, counterFields()...)
	fields = append(fields, dateFields()...)
	fields = append(fields,
		newField("LOG_FIELD", RoleLogField, row.TypeString, ClobLength, TagLogField),
		newField("EXECUTING_SERVER", RoleExecutingServer, row.TypeString, 255, 0).disabled(),
		newField("EXECUTING_USER", RoleExecutingUser, row.TypeString, 255, 0).disabled(),
		newField("START_ACTION", RoleStartAction, row.TypeString, 255, 0).disabled(),
		newField("CLIENT", RoleClient, row.TypeString, 255, 0).disabled(),
	)
	return &Table{Code: CodeWorkflow, Schema: mustSchema(fields...)}
}

// PipelineTable is the default pipeline log table.
func PipelineTable() *Table {
	fields := []Field{
		newField("ID_BATCH", RoleBatchID, row.TypeInteger, 8, TagKey),
		newField("CHANNEL_ID", RoleChannelID, row.TypeString, 255, 0).hidden(),
		newField("PIPELINE_NAME", RoleName, row.TypeString, 255, TagName).hidden(),
		newField("STATUS", RoleStatus, row.TypeString, 15, TagStatus),
	}
	fields = append(fields, counterFields()...)
	fields = append(fields, dateFields()...)
	fields = append(fields,
		newField("LOG_FIELD", RoleLogField, row.TypeString, ClobLength, TagLogField),
		newField("EXECUTING_SERVER", RoleExecutingServer, row.TypeString, 255, 0).disabled(),
		newField("EXECUTING_USER", RoleExecutingUser, row.TypeString, 255, 0).disabled(),
		newField("CLIENT", RoleClient, row.TypeString, 255, 0).disabled(),
	)
	return &Table{Code: CodePipeline, Schema: mustSchema(fields...)}
}

// TransformTable is the default per-transform-copy log table.
func TransformTable() *Table {
	fields := []Field{
		newField("ID_BATCH", RoleBatchID, row.TypeInteger, 8, 0),
		newField("CHANNEL_ID", RoleChannelID, row.TypeString, 255, 0),
		newField("LOG_DATE", RoleLogDate, row.TypeDate, -1, TagLogDate),
		newField("PIPELINE_NAME", RoleParentName, row.TypeString, 255, 0),
		newField("TRANSFORM_NAME", RoleName, row.TypeString, 255, TagName),
		newField("TRANSFORM_COPY", RoleCopy, row.TypeInteger, 3, 0),
		newField("STATUS", RoleStatus, row.TypeString, 15, TagStatus),
	}
	fields = append(fields, counterFields()...)
	fields = append(fields,
		newField("LOG_FIELD", RoleLogField, row.TypeString, ClobLength, TagLogField).disabled(),
	)
	return &Table{Code: CodeTransform, Schema: mustSchema(fields...)}
}
