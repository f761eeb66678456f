// CLAUDE:SUMMARY Run history in SQLite: one crawl_runs row per harvest run, one crawl_scopes row per (report, scope) result.
// Package runlog records crawl runs and their per-scope results so the CLI,
// the HTTP API and the MCP tools can show what happened. Writes never fail
// the run: errors are logged and dropped.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/idgen"
	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	run_id        TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	reports       TEXT NOT NULL,
	date_from     TEXT NOT NULL,
	date_to       TEXT NOT NULL,
	options       TEXT NOT NULL DEFAULT '{}',
	scopes_ok     INTEGER NOT NULL DEFAULT 0,
	scopes_failed INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER
);

CREATE TABLE IF NOT EXISTS crawl_scopes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES crawl_runs(run_id) ON DELETE CASCADE,
	report      TEXT NOT NULL,
	scope_id    TEXT NOT NULL,
	scope_name  TEXT NOT NULL,
	date_from   TEXT NOT NULL,
	date_to     TEXT NOT NULL,
	success     INTEGER NOT NULL,
	pages       INTEGER NOT NULL,
	records     INTEGER NOT NULL,
	sinks       TEXT NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crawl_scopes_run ON crawl_scopes(run_id);
`

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("runlog: run not found")

// RunInfo describes a run at start.
type RunInfo struct {
	Reports    []report.Type `json:"reports"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Scope      string        `json:"scope"`
	Force      bool          `json:"force"`
	SkipRemote bool          `json:"skip_remote"`
	PerDay     bool          `json:"per_day"`
}

// Run is a crawl_runs row.
type Run struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Reports      []string   `json:"reports"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Options      string     `json:"options"`
	ScopesOK     int        `json:"scopes_ok"`
	ScopesFailed int        `json:"scopes_failed"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Scope is a crawl_scopes row.
type Scope struct {
	Report     string              `json:"report"`
	ScopeID    string              `json:"scope_id"`
	ScopeName  string              `json:"scope_name"`
	From       string              `json:"from"`
	To         string              `json:"to"`
	Success    bool                `json:"success"`
	Pages      int                 `json:"pages"`
	Records    int                 `json:"records"`
	Sinks      []persist.SinkStats `json:"sinks"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Log writes and reads the run history.
type Log struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator sets the run id generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(l *Log) { l.newID = gen } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.logger = lg } }

// New returns a Log over db. Call Migrate once before use.
func New(db *sql.DB, opts ...Option) *Log {
	l := &Log{
		db:     db,
		newID:  idgen.Prefixed("run_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Migrate creates the run log tables.
func (l *Log) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("runlog: migrate: %w", err)
	}
	return nil
}

// Start inserts a running row and returns its id.
func (l *Log) Start(ctx context.Context, info RunInfo) (string, error) {
	id := l.newID()
	names := make([]string, len(info.Reports))
	for i, r := range info.Reports {
		names[i] = string(r)
	}
	opts, _ := json.Marshal(info)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (run_id, status, reports, date_from, date_to, options, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		id, StatusRunning, strings.Join(names, ","), info.From, info.To, string(opts), l.now().Unix())
	if err != nil {
		return "", fmt.Errorf("runlog: start: %w", err)
	}
	return id, nil
}

// RecordScope stores one crawl result with the sink tallies of its records.
func (l *Log) RecordScope(ctx context.Context, runID string, res report.CrawlResult, sinks []persist.SinkStats) {
	if sinks == nil {
		sinks = []persist.SinkStats{}
	}
	raw, _ := json.Marshal(sinks)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO crawl_scopes (
			run_id, report, scope_id, scope_name, date_from, date_to,
			success, pages, records, sinks, error, started_at, finished_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runID, string(res.Report), res.TargetID(), res.TargetName(),
		report.FormatDate(res.Start), report.FormatDate(res.End),
		res.Success, res.Pages, len(res.Records), string(raw), res.ErrorText(),
		res.StartedAt.Unix(), res.FinishedAt.Unix())
	if err != nil {
		l.logger.Error("runlog: record scope failed", "run", runID, "report", string(res.Report), "scope", res.TargetID(), "error", err)
	}
}

// Finish closes a run. A nil runErr with no failed scope is a success.
func (l *Log) Finish(ctx context.Context, runID string, runErr error) {
	var ok, failed int
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(success), 0), COALESCE(SUM(1 - success), 0)
		FROM crawl_scopes WHERE run_id = ?`, runID).Scan(&ok, &failed)
	if err != nil {
		l.logger.Error("runlog: count scopes failed", "run", runID, "error", err)
	}
	status := StatusSucceeded
	msg := ""
	if runErr != nil {
		status = StatusFailed
		msg = runErr.Error()
	} else if failed > 0 {
		status = StatusFailed
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE crawl_runs SET status = ?, scopes_ok = ?, scopes_failed = ?, error = ?, finished_at = ?
		WHERE run_id = ?`,
		status, ok, failed, msg, l.now().Unix(), runID)
	if err != nil {
		l.logger.Error("runlog: finish failed", "run", runID, "error", err)
	}
}

const runColumns = `run_id, status, reports, date_from, date_to, options,
	scopes_ok, scopes_failed, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var reports string
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.ID, &r.Status, &reports, &r.From, &r.To, &r.Options,
		&r.ScopesOK, &r.ScopesFailed, &r.Error, &started, &finished); err != nil {
		return Run{}, err
	}
	if reports != "" {
		r.Reports = strings.Split(reports, ",")
	}
	r.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		r.FinishedAt = &t
	}
	return r, nil
}

// Runs lists the most recent runs first.
func (l *Log) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM crawl_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runlog: runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one run and its scopes in record order.
func (l *Log) Get(ctx context.Context, runID string) (Run, []Scope, error) {
	r, err := scanRun(l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, ErrNotFound
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("runlog: get %s: %w", runID, err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT report, scope_id, scope_name, date_from, date_to, success, pages, records,
			sinks, error, started_at, finished_at
		FROM crawl_scopes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return Run{}, nil, fmt.Errorf("runlog: scopes %s: %w", runID, err)
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var s Scope
		var sinks string
		var started, finished int64
		if err := rows.Scan(&s.Report, &s.ScopeID, &s.ScopeName, &s.From, &s.To, &s.Success,
			&s.Pages, &s.Records, &sinks, &s.Error, &started, &finished); err != nil {
			return Run{}, nil, fmt.Errorf("runlog: scopes %s: %w", runID, err)
		}
		if err := json.Unmarshal([]byte(sinks), &s.Sinks); err != nil {
			l.logger.Warn("runlog: bad sinks column", "run", runID, "error", err)
		}
		s.StartedAt = time.Unix(started, 0)
		s.FinishedAt = time.Unix(finished, 0)
		scopes = append(scopes, s)
	}
	return r, scopes, rows.Err()
}

// Cleanup deletes runs started more than days ago. Zero keeps everything.
func (l *Log) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := l.now().Unix() - int64(days*86400)
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM crawl_scopes WHERE run_id IN (SELECT run_id FROM crawl_runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("runlog: cleanup: %w", err)
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM crawl_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("runlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}
