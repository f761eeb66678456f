// CLAUDE:SUMMARY Local persistence sink: per-report tables, the mt_stores directory, org_mapping and read queries.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// SinkName is the name the local sink reports in persistence results.
const SinkName = "local"

// Store is the local SQLite sink. It implements persist.Sink.
type Store struct {
	db     *sql.DB
	writer persist.TableWriter
	now    func() time.Time
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) StoreOption { return func(s *Store) { s.logger = l } }

// WithClock overrides the clock stamping created_at and updated_at.
func WithClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

// New returns a Store over a migrated database.
func New(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.writer = persist.TableWriter{DB: db, Now: s.now}
	return s
}

// DB exposes the underlying database for the run log.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Name() string { return SinkName }

// Write upserts rec into the report table of def. Records carrying both an
// org_code and a store_name also refresh the store directory.
func (s *Store) Write(ctx context.Context, def report.Definition, rec report.Record, force bool) (persist.Outcome, error) {
	if !rec.HasKey(def) {
		return persist.Failed, fmt.Errorf("localstore: %s: record without natural key", def.Table)
	}
	t := persist.LocalTable(def)
	out, err := s.writer.Write(ctx, t, t.Row(rec), force)
	if err != nil {
		return out, fmt.Errorf("localstore: %w", err)
	}
	if code, name := rec.Text("org_code"), rec.Text("store_name"); code != "" && name != "" {
		if _, err := s.upsertStore(ctx, s.db, report.Store{Code: code, Name: name}); err != nil {
			s.logger.Warn("localstore: store directory update failed", "store", code, "error", err)
		}
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertStoreSQL = `
INSERT INTO mt_stores (org_code, store_name, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(org_code) DO UPDATE SET store_name = excluded.store_name, updated_at = excluded.updated_at
WHERE excluded.store_name <> '' AND mt_stores.store_name <> excluded.store_name`

func (s *Store) upsertStore(ctx context.Context, db execer, st report.Store) (bool, error) {
	now := s.now().Unix()
	res, err := db.ExecContext(ctx, upsertStoreSQL, strings.TrimSpace(st.Code), strings.TrimSpace(st.Name), now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertStores records discovered stores and returns how many rows were
// inserted or renamed.
func (s *Store) UpsertStores(ctx context.Context, stores []report.Store) (int, error) {
	changed := 0
	err := RunTx(ctx, s.db, func(tx *sql.Tx) error {
		changed = 0
		for _, st := range stores {
			if strings.TrimSpace(st.Code) == "" {
				continue
			}
			ok, err := s.upsertStore(ctx, tx, st)
			if err != nil {
				return fmt.Errorf("localstore: upsert store %s: %w", st.Code, err)
			}
			if ok {
				changed++
			}
		}
		return nil
	})
	return changed, err
}

// Stores lists the store directory in discovery order.
func (s *Store) Stores(ctx context.Context) ([]report.Store, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT org_code, store_name FROM mt_stores ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("localstore: stores: %w", err)
	}
	defer rows.Close()
	var out []report.Store
	for rows.Next() {
		var st report.Store
		if err := rows.Scan(&st.Code, &st.Name); err != nil {
			return nil, fmt.Errorf("localstore: stores: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetMapping stores an admin mapping from a local org identifier (org code
// or store name) to a remote entity id.
func (s *Store) SetMapping(ctx context.Context, orgKey, remoteID, note string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO org_mapping (org_key, restaurant_id, note) VALUES (?, ?, ?)
ON CONFLICT(org_key) DO UPDATE SET restaurant_id = excluded.restaurant_id, note = excluded.note`,
		strings.TrimSpace(orgKey), strings.TrimSpace(remoteID), note)
	if err != nil {
		return fmt.Errorf("localstore: set mapping %s: %w", orgKey, err)
	}
	return nil
}

// MappingEntries returns the admin mapping table.
func (s *Store) MappingEntries(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT org_key, restaurant_id FROM org_mapping`)
	if err != nil {
		return nil, fmt.Errorf("localstore: mapping: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("localstore: mapping: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Query filters Records. Zero values match everything.
type Query struct {
	From string // YYYY-MM-DD, inclusive
	To   string // YYYY-MM-DD, inclusive
	Org  string
	// Limit caps the rows read: zero means DefaultQueryLimit, negative
	// means every row.
	Limit int
}

// DefaultQueryLimit bounds Records when Query.Limit is zero.
const DefaultQueryLimit = 100

// dateField is the first date-kind field of def.
func dateField(def report.Definition) string {
	for _, f := range def.Fields {
		if f.Kind == report.Date {
			return f.Name
		}
	}
	return ""
}

// Records reads stored rows of def, newest date first.
func (s *Store) Records(ctx context.Context, def report.Definition, q Query) ([]report.Record, error) {
	var conds []string
	var args []any
	date := dateField(def)
	if date != "" && q.From != "" {
		conds = append(conds, date+" >= ?")
		args = append(args, q.From)
	}
	if date != "" && q.To != "" {
		conds = append(conds, date+" <= ?")
		args = append(args, q.To)
	}
	if q.Org != "" && def.OrgField != "" {
		conds = append(conds, def.OrgField+" = ?")
		args = append(args, q.Org)
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}

	cols := def.Columns()
	stmt := fmt.Sprintf("SELECT %s, updated_at FROM %s", strings.Join(cols, ", "), def.Table)
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	order := strings.Join(def.Key, ", ")
	if date != "" {
		order = date + " DESC, " + order
	}
	stmt += " ORDER BY " + order
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: records %s: %w", def.Type, err)
	}
	defer rows.Close()

	var out []report.Record
	for rows.Next() {
		vals := make([]any, len(cols)+1)
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("localstore: records %s: %w", def.Type, err)
		}
		rec := make(report.Record, len(vals))
		for i, f := range def.Fields {
			if v := report.Normalize(f.Kind, vals[i]); v != nil {
				rec[f.Name] = v
			}
		}
		rec["updated_at"] = report.Normalize(report.Int, vals[len(cols)])
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Exists reports whether def holds at least one row for org on date.
// Reports without an org or date column never match.
func (s *Store) Exists(ctx context.Context, def report.Definition, org, date string) (bool, error) {
	field := dateField(def)
	if field == "" || def.OrgField == "" || org == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? AND %s = ? LIMIT 1", def.Table, def.OrgField, field),
		org, date).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstore: exists %s: %w", def.Type, err)
	}
	return true, nil
}

// Count returns the number of stored rows of def.
func (s *Store) Count(ctx context.Context, def report.Definition) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+def.Table).Scan(&n); err != nil {
		return 0, fmt.Errorf("localstore: count %s: %w", def.Type, err)
	}
	return n, nil
}
