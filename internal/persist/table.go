package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Table describes the SQL table a record lands in.
type Table struct {
	Name    string
	Key     []string
	Columns []Column
}

// LocalTable is the local layout of def: one column per field, keyed by
// the natural key.
func LocalTable(def report.Definition) Table {
	return Table{Name: def.Table, Key: def.Key, Columns: localColumns(def)}
}

// RemoteIDColumn holds the mapped remote entity id in remote tables.
const RemoteIDColumn = "restaurant_id"

// RemoteTable is the remote layout of def: the mapped id plus every field
// under its remote name, keyed by the id and def.RemoteKey. Rows are built
// from a record carrying the id under RemoteIDColumn.
func RemoteTable(def report.Definition) Table {
	t := Table{
		Name:    def.Table,
		Key:     []string{RemoteIDColumn},
		Columns: []Column{{Name: RemoteIDColumn, Field: RemoteIDColumn, Kind: report.Text}},
	}
	for _, f := range def.Fields {
		t.Columns = append(t.Columns, Column{Name: f.RemoteName(), Field: f.Name, Kind: f.Kind})
	}
	for _, k := range def.RemoteKey {
		if f, ok := def.Field(k); ok {
			t.Key = append(t.Key, f.RemoteName())
		}
	}
	return t
}

// Row projects rec onto the table's columns.
func (t Table) Row(rec report.Record) report.Record {
	out := make(report.Record, len(t.Columns))
	for _, c := range t.Columns {
		if v, ok := rec[c.Field]; ok {
			out[c.Name] = v
		}
	}
	return out
}

// Names returns the column names in order.
func (t Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Merge applies the conditional-update rule over t's columns. stored and
// incoming are rows keyed by column name.
func (t Table) Merge(stored, incoming report.Record, force bool) (report.Record, bool) {
	return mergeColumns(t.Columns, stored, incoming, force)
}

// IsKey reports whether name is a key column.
func (t Table) IsKey(name string) bool { return t.isKey(name) }

// Kind returns the field kind of column name, Text when unknown.
func (t Table) Kind(name string) report.FieldKind { return t.kind(name) }

func (t Table) isKey(name string) bool {
	for _, k := range t.Key {
		if k == name {
			return true
		}
	}
	return false
}

func (t Table) kind(name string) report.FieldKind {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Kind
		}
	}
	return report.Text
}

// TableWriter is the select-merge-write upsert shared by the SQL sinks.
// Timestamps are unix seconds; updated_at moves only when a value changed.
type TableWriter struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w *TableWriter) now() int64 {
	if w.Now != nil {
		return w.Now().Unix()
	}
	return time.Now().Unix()
}

// Write upserts row (keyed by column name) into t.
func (w *TableWriter) Write(ctx context.Context, t Table, row report.Record, force bool) (Outcome, error) {
	where, keyArgs := t.where(row)
	names := t.Names()

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(names, ", "), t.Name, where)
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	err := w.DB.QueryRowContext(ctx, q, keyArgs...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return w.insert(ctx, t, row)
	}
	if err != nil {
		return Failed, fmt.Errorf("persist: select %s: %w", t.Name, err)
	}

	stored := make(report.Record, len(names))
	for i, c := range t.Columns {
		stored[c.Name] = report.Normalize(c.Kind, vals[i])
	}
	merged, changed := t.Merge(stored, row, force)
	if !changed {
		return Unchanged, nil
	}

	var sets []string
	var args []any
	for _, c := range t.Columns {
		if t.isKey(c.Name) {
			continue
		}
		sets = append(sets, c.Name+" = ?")
		args = append(args, sqlValue(merged[c.Name]))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, w.now())
	args = append(args, keyArgs...)
	q = fmt.Sprintf("UPDATE %s SET %s WHERE %s", t.Name, strings.Join(sets, ", "), where)
	if _, err := w.DB.ExecContext(ctx, q, args...); err != nil {
		return Failed, fmt.Errorf("persist: update %s: %w", t.Name, err)
	}
	return Updated, nil
}

func (w *TableWriter) insert(ctx context.Context, t Table, row report.Record) (Outcome, error) {
	var cols, marks []string
	var args []any
	for _, c := range t.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		marks = append(marks, "?")
		args = append(args, sqlValue(report.Normalize(c.Kind, v)))
	}
	now := w.now()
	cols = append(cols, "created_at", "updated_at")
	marks = append(marks, "?", "?")
	args = append(args, now, now)
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := w.DB.ExecContext(ctx, q, args...); err != nil {
		return Failed, fmt.Errorf("persist: insert %s: %w", t.Name, err)
	}
	return Inserted, nil
}

func (t Table) where(row report.Record) (string, []any) {
	conds := make([]string, len(t.Key))
	args := make([]any, len(t.Key))
	for i, k := range t.Key {
		conds[i] = k + " = ?"
		args[i] = sqlValue(report.Normalize(t.kind(k), row[k]))
	}
	return strings.Join(conds, " AND "), args
}

// sqlValue converts record values to driver arguments. Blobs are stored as
// JSON text.
func sqlValue(v any) any {
	switch x := v.(type) {
	case json.RawMessage:
		return string(x)
	default:
		return v
	}
}
