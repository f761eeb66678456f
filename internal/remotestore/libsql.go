package remotestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// OpenLibSQL opens a libSQL (Turso) database. token may be empty for a
// local sqld.
func OpenLibSQL(dsn, token string) (*sql.DB, error) {
	if token != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "authToken=" + token
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("remotestore: open libsql: %w", err)
	}
	return db, nil
}

// LibSQL writes records to a SQL database in the remote layout through
// the shared table writer.
type LibSQL struct {
	base
	db     *sql.DB
	writer persist.TableWriter
}

// NewLibSQL returns a libSQL sink named "libsql" over db.
func NewLibSQL(db *sql.DB, mapping *persist.Mapping, opts ...Option) *LibSQL {
	l := &LibSQL{db: db}
	l.init("libsql", mapping, opts)
	l.writer = persist.TableWriter{DB: db, Now: l.now}
	return l
}

// Write implements persist.Sink.
func (l *LibSQL) Write(ctx context.Context, def report.Definition, rec report.Record, force bool) (persist.Outcome, error) {
	t, row, ok := l.resolve(def, rec)
	if !ok {
		return persist.Skipped, nil
	}
	var out persist.Outcome
	err := l.breaker.Call(func() error {
		var err error
		out, err = l.writer.Write(ctx, t, row, force)
		return err
	})
	if err != nil {
		return persist.Failed, fmt.Errorf("remotestore: %s: %w", l.name, err)
	}
	return out, nil
}

// LoadMapping reads master_restaurant.
func (l *LibSQL) LoadMapping(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, meituan_org_code, COALESCE(restaurant_name, '')
FROM `+MasterTable+` WHERE meituan_org_code IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("remotestore: load mapping: %w", err)
	}
	defer rows.Close()
	var out []masterRow
	for rows.Next() {
		var r masterRow
		var id any
		if err := rows.Scan(&id, &r.OrgCode, &r.Name); err != nil {
			return nil, fmt.Errorf("remotestore: load mapping: %w", err)
		}
		if b, ok := id.([]byte); ok {
			id = string(b)
		}
		r.ID = id
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remotestore: load mapping: %w", err)
	}
	return mappingEntries(out), nil
}

// Migrate creates master_restaurant and the remote report tables when they
// do not exist.
func (l *LibSQL) Migrate(ctx context.Context) error {
	stmts := []string{`CREATE TABLE IF NOT EXISTS ` + MasterTable + ` (
	id TEXT PRIMARY KEY,
	meituan_org_code TEXT UNIQUE,
	restaurant_name TEXT
)`}
	for _, def := range report.All() {
		stmts = append(stmts, RemoteDDL(def))
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("remotestore: migrate: %w", err)
		}
	}
	return nil
}

// RemoteDDL is the CREATE TABLE statement for the remote layout of def.
func RemoteDDL(def report.Definition) string {
	t := persist.RemoteTable(def)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n", t.Name)
	for _, c := range t.Columns {
		typ := "TEXT"
		switch c.Kind {
		case report.Int:
			typ = "INTEGER"
		case report.Decimal:
			typ = "REAL"
		}
		fmt.Fprintf(&b, "\t%s %s", c.Name, typ)
		if t.IsKey(c.Name) {
			b.WriteString(" NOT NULL")
		}
		if c.Name == persist.RemoteIDColumn {
			b.WriteString(" REFERENCES " + MasterTable + "(id)")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tcreated_at INTEGER NOT NULL,\n\tupdated_at INTEGER NOT NULL,\n\tUNIQUE (%s)\n)", strings.Join(t.Key, ", "))
	return b.String()
}
