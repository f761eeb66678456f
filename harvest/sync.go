package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/hazyhaar/mtcrawl/internal/localstore"
	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// SyncRequest replays stored rows to the remote sinks, e.g. once a missing
// organization mapping was added or after a remote outage.
type SyncRequest struct {
	// Reports is a comma separated list of report types, or "all".
	Reports string `json:"reports"`
	// From defaults to yesterday, To to From.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Org restricts the replay to one organization.
	Org   string `json:"org,omitempty"`
	Force bool   `json:"force,omitempty"`
	// DryRun counts what would be sent without writing.
	DryRun bool `json:"dry_run,omitempty"`
}

// SyncReport is the replay of one report type.
type SyncReport struct {
	Report   report.Type         `json:"report"`
	Records  int                 `json:"records"`
	Unmapped []string            `json:"unmapped,omitempty"`
	Sinks    []persist.SinkStats `json:"sinks"`
}

// SyncSummary is the outcome of one replay.
type SyncSummary struct {
	From       string        `json:"from"`
	To         string        `json:"to"`
	DryRun     bool          `json:"dry_run"`
	Reports    []*SyncReport `json:"reports"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Failed is the number of remote writes that failed.
func (s *SyncSummary) Failed() int {
	n := 0
	for _, rs := range s.Reports {
		for _, sk := range rs.Sinks {
			n += sk.Stats.Failed
		}
	}
	return n
}

// ErrNoRemote is returned by Sync when no remote sink is configured.
var ErrNoRemote = errors.New("no remote sink configured")

// Sync reads the local rows selected by req and writes them to every
// remote sink. The conditional-update rule makes a replay idempotent. It
// shares the run lock with Run so the two never interleave.
func (r *Runner) Sync(ctx context.Context, req SyncRequest) (*SyncSummary, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	names := strings.TrimSpace(req.Reports)
	if names == "" {
		return nil, &RequestError{Field: "reports", Err: errors.New("at least one report type is required")}
	}
	defs, err := report.Resolve(names)
	if err != nil {
		return nil, &RequestError{Field: "reports", Err: err}
	}
	start, end, err := dateRange(req.From, req.To, r.now())
	if err != nil {
		return nil, err
	}
	if len(r.remotes) == 0 {
		return nil, &RequestError{Field: "remote", Err: ErrNoRemote}
	}

	sum := &SyncSummary{
		From:      report.FormatDate(start),
		To:        report.FormatDate(end),
		DryRun:    req.DryRun,
		Reports:   []*SyncReport{},
		StartedAt: r.now(),
	}
	defer func() { sum.FinishedAt = r.now() }()

	r.refreshMapping(ctx)
	coord := persist.NewCoordinator(nil, r.remotes, persist.WithLogger(r.logger))
	q := localstore.Query{From: sum.From, To: sum.To, Org: strings.TrimSpace(req.Org), Limit: -1}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		recs, err := r.local.Records(ctx, def, q)
		if err != nil {
			return sum, fmt.Errorf("harvest: sync %s: %w", def.Type, err)
		}
		for _, rec := range recs {
			delete(rec, "updated_at")
		}
		rs := &SyncReport{Report: def.Type, Records: len(recs), Unmapped: r.unmapped(def, recs)}
		if !req.DryRun {
			rs.Sinks = coord.Persist(ctx, def, recs, persist.Options{Force: req.Force}).Sinks
		}
		sum.Reports = append(sum.Reports, rs)
		r.logger.InfoContext(ctx, "harvest: sync done", "report", string(def.Type),
			"records", rs.Records, "unmapped", len(rs.Unmapped), "dry_run", req.DryRun)
	}
	return sum, nil
}

// unmapped lists the organizations of recs without a remote id, in first
// seen order.
func (r *Runner) unmapped(def report.Definition, recs []report.Record) []string {
	var out []string
	seen := make(map[string]bool)
	for _, rec := range recs {
		org := rec.Org(def)
		if seen[org] {
			continue
		}
		seen[org] = true
		if _, ok := r.mapping.Lookup(org); !ok {
			out = append(out, org)
		}
	}
	return out
}

// Render writes one row per report, sinks in write order.
func (s *SyncSummary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Report", "Records", "Unmapped", "Sinks"})
	for _, rs := range s.Reports {
		sinks := sinkCell(rs.Sinks)
		if s.DryRun {
			sinks = "dry run"
		}
		t.AppendRow(table.Row{string(rs.Report), rs.Records, strings.Join(rs.Unmapped, ", "), sinks})
	}
	t.SetTitle(fmt.Sprintf("sync %s..%s", s.From, s.To))
	t.SetStyle(table.StyleRounded)
	t.Render()
}
