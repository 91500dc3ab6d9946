// Package sqldb stores log table records in a relational database through
// gorm. Tables and their recommended indexes are created on first write.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rowflow/internal/config"
	"rowflow/internal/logging"
	"rowflow/internal/logtable"
	"rowflow/internal/row"
	"rowflow/sink"
)

type driver struct {
	db *gorm.DB

	mu    sync.Mutex
	ready map[string]bool // qualified table names already created
}

// NewWithDB wraps an open database.
func NewWithDB(db *gorm.DB) sink.Adapter {
	return &driver{db: db, ready: map[string]bool{}}
}

func dialector(driverName, dsn string) (gorm.Dialector, error) {
	switch driverName {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	}
	return nil, fmt.Errorf("sql-sink: unsupported driver %q", driverName)
}

func (d *driver) Configure(c config.Connection) error {
	if c.DSN == "" {
		return fmt.Errorf("sql-sink: dsn is required")
	}
	dial, err := dialector(c.Driver, c.DSN)
	if err != nil {
		return err
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return fmt.Errorf("sql-sink: %w", err)
	}
	if c.Driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	d.db = db
	d.ready = map[string]bool{}
	return nil
}

func (d *driver) quote(name string) string { return d.db.Statement.Quote(name) }

// columnType maps a field to the DDL type of the connected database.
func (d *driver) columnType(f logtable.Field) string {
	lite := d.db.Dialector.Name() == "sqlite"
	switch f.Type {
	case row.TypeInteger:
		if lite {
			return "INTEGER"
		}
		return "BIGINT"
	case row.TypeNumber:
		if lite {
			return "REAL"
		}
		return "DOUBLE"
	case row.TypeBoolean:
		return "BOOLEAN"
	case row.TypeDate:
		if lite {
			return "DATETIME"
		}
		return "DATETIME(3)"
	}
	if lite {
		return "TEXT"
	}
	if f.Length <= 0 || f.Length >= logtable.ClobLength {
		return "LONGTEXT"
	}
	return fmt.Sprintf("VARCHAR(%d)", f.Length)
}

// ensure creates the table, any missing columns and the recommended
// indexes once per table.
func (d *driver) ensure(ctx context.Context, t *logtable.Table) error {
	qn := t.QualifiedName()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready[qn] {
		return nil
	}

	db := d.db.WithContext(ctx)
	fields := t.Schema.Enabled()
	m := db.Migrator()
	if !m.HasTable(qn) {
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = d.quote(f.Name) + " " + d.columnType(f)
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s)", d.quote(qn), strings.Join(cols, ", "))
		if err := db.Exec(ddl).Error; err != nil {
			return err
		}
		logging.L().Info("created log table", "table", qn, "code", t.Code)
	} else {
		for _, f := range fields {
			if m.HasColumn(qn, f.Name) {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.quote(qn), d.quote(f.Name), d.columnType(f))
			if err := db.Exec(ddl).Error; err != nil {
				return err
			}
		}
	}

	for i, idx := range t.RecommendedIndexes() {
		name := indexName(t, i)
		if m.HasIndex(qn, name) {
			continue
		}
		cols := make([]string, len(idx.Columns))
		for j, c := range idx.Columns {
			cols[j] = d.quote(c.Name)
		}
		ddl := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", d.quote(name), d.quote(qn), strings.Join(cols, ", "))
		if err := db.Exec(ddl).Error; err != nil {
			return err
		}
	}
	d.ready[qn] = true
	return nil
}

func indexName(t *logtable.Table, i int) string {
	return fmt.Sprintf("IDX_%s_%d", t.TableName, i+1)
}

// Write updates the row with the record's key when one exists and inserts
// otherwise.
func (d *driver) Write(ctx context.Context, t *logtable.Table, rec logtable.Record) error {
	if err := d.ensure(ctx, t); err != nil {
		return err
	}
	qn := t.QualifiedName()
	values := rec.Map()
	db := d.db.WithContext(ctx)

	if name, key, ok := t.Key(rec); ok {
		var n int64
		where := d.quote(name) + " = ?"
		if err := db.Table(qn).Where(where, key).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return db.Table(qn).Where(where, key).Updates(values).Error
		}
	}
	return db.Table(qn).Create(values).Error
}

func (d *driver) Purge(ctx context.Context, t *logtable.Table, before time.Time) (int64, error) {
	f, ok := t.Schema.LogDateField()
	if !ok || !f.Enabled {
		return 0, nil
	}
	if err := d.ensure(ctx, t); err != nil {
		return 0, err
	}
	res := d.db.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE %s < ?", d.quote(t.QualifiedName()), d.quote(f.Name)), before)
	return res.RowsAffected, res.Error
}

func (d *driver) MaxKey(ctx context.Context, t *logtable.Table) (int64, error) {
	f, ok := t.Schema.KeyField()
	if !ok || !f.Enabled {
		return 0, nil
	}
	if err := d.ensure(ctx, t); err != nil {
		return 0, err
	}
	var top sql.NullInt64
	err := d.db.WithContext(ctx).Table(t.QualifiedName()).
		Select("MAX(" + d.quote(f.Name) + ")").Row().Scan(&top)
	if err != nil {
		return 0, err
	}
	return top.Int64, nil
}

func (d *driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func init() {
	sink.Register("sqlite", func() sink.Adapter { return &driver{} })
	sink.Register("mysql", func() sink.Adapter { return &driver{} })
}
