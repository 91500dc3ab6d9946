// Package sinktest builds log table records for driver tests.
package sinktest

import (
	"time"

	"rowflow/internal/logtable"
	"rowflow/internal/row"
)

// PipelineRecord is a pipeline log record holding the key, status, error
// count and log date columns.
func PipelineRecord(id int64, status string, errors int64, at time.Time) logtable.Record {
	return logtable.Record{Columns: []logtable.Column{
		{Name: "ID_BATCH", Type: row.TypeInteger, Length: 8, Value: id},
		{Name: "STATUS", Type: row.TypeString, Length: 15, Value: status},
		{Name: "ERRORS", Type: row.TypeInteger, Length: 18, Value: errors},
		{Name: "LOGDATE", Type: row.TypeDate, Length: -1, Value: at},
	}}
}

// TransformRecord is a keyless transform log record.
func TransformRecord(name string, copyNr int64, at time.Time) logtable.Record {
	return logtable.Record{Columns: []logtable.Column{
		{Name: "TRANSFORM_NAME", Type: row.TypeString, Length: 255, Value: name},
		{Name: "TRANSFORM_COPY", Type: row.TypeInteger, Length: 3, Value: copyNr},
		{Name: "LOG_DATE", Type: row.TypeDate, Length: -1, Value: at},
	}}
}

// Table returns the default table for code, named name.
func Table(code, name string) *logtable.Table {
	var t *logtable.Table
	switch code {
	case logtable.CodeWorkflow:
		t = logtable.WorkflowTable()
	case logtable.CodeTransform:
		t = logtable.TransformTable()
	default:
		t = logtable.PipelineTable()
	}
	t.TableName = name
	return t
}
