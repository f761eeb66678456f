package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

const baseSchema = `
CREATE TABLE IF NOT EXISTS mt_stores (
	org_code   TEXT PRIMARY KEY,
	store_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS org_mapping (
	org_key       TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL,
	note          TEXT NOT NULL DEFAULT ''
);
`

// sqlType is the column affinity used for a field kind. Blobs are JSON
// text.
func sqlType(k report.FieldKind) string {
	switch k {
	case report.Int:
		return "INTEGER"
	case report.Decimal:
		return "REAL"
	}
	return "TEXT"
}

// TableDDL returns the CREATE TABLE statement for def.
func TableDDL(def report.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", def.Table)
	b.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	for _, f := range def.Fields {
		fmt.Fprintf(&b, "\t%s %s", f.Name, sqlType(f.Kind))
		if def.IsKey(f.Name) {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	b.WriteString("\tcreated_at INTEGER NOT NULL,\n")
	b.WriteString("\tupdated_at INTEGER NOT NULL,\n")
	fmt.Fprintf(&b, "\tUNIQUE (%s)\n);\n", strings.Join(def.Key, ", "))
	return b.String()
}

// Schema is the full local schema: the store directory, the mapping table
// and one table per report.
func Schema() string {
	var b strings.Builder
	b.WriteString(baseSchema)
	for _, def := range report.All() {
		b.WriteString("\n")
		b.WriteString(TableDDL(def))
	}
	return b.String()
}

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema()); err != nil {
		return fmt.Errorf("localstore: migrate: %w", err)
	}
	return nil
}
