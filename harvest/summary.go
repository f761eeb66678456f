package harvest

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/runlog"
)

// ReportSummary tallies one report type over a run.
type ReportSummary struct {
	Report    report.Type         `json:"report"`
	Succeeded int                 `json:"succeeded"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Records   int                 `json:"records"`
	Sinks     []persist.SinkStats `json:"sinks"`
}

func (rs *ReportSummary) addSinks(res persist.Result) {
	for _, s := range res.Sinks {
		found := false
		for i := range rs.Sinks {
			if rs.Sinks[i].Sink == s.Sink {
				rs.Sinks[i].Stats.Merge(s.Stats)
				found = true
				break
			}
		}
		if !found {
			rs.Sinks = append(rs.Sinks, s)
		}
	}
}

// ScopeSummary is one crawl result as reported to the caller.
type ScopeSummary struct {
	Report  report.Type `json:"report"`
	Scope   string      `json:"scope"`
	Name    string      `json:"name,omitempty"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Success bool        `json:"success"`
	Skipped bool        `json:"skipped,omitempty"`
	Pages   int         `json:"pages"`
	Records int         `json:"records"`
	Error   string      `json:"error,omitempty"`
}

// Summary is the outcome of one run. Every run produces one, fatal or not.
type Summary struct {
	RunID      string           `json:"run_id,omitempty"`
	Reports    []*ReportSummary `json:"reports"`
	Scopes     []ScopeSummary   `json:"scopes"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`

	err error
}

func newSummary(started time.Time) *Summary {
	return &Summary{StartedAt: started, Reports: []*ReportSummary{}, Scopes: []ScopeSummary{}}
}

// Err is the error that ended the run early, if any.
func (s *Summary) Err() error { return s.err }

func (s *Summary) fail(err error) {
	if err == nil || s.err != nil {
		return
	}
	s.err = err
	s.Error = err.Error()
}

func (s *Summary) report(t report.Type) *ReportSummary {
	for _, rs := range s.Reports {
		if rs.Report == t {
			return rs
		}
	}
	rs := &ReportSummary{Report: t}
	s.Reports = append(s.Reports, rs)
	return rs
}

func (s *Summary) add(res report.CrawlResult, persisted persist.Result) {
	rs := s.report(res.Report)
	switch {
	case res.Skipped:
		rs.Skipped++
	case res.Success:
		rs.Succeeded++
	default:
		rs.Failed++
	}
	rs.Records += len(res.Records)
	rs.addSinks(persisted)
	s.Scopes = append(s.Scopes, ScopeSummary{
		Report:  res.Report,
		Scope:   res.TargetID(),
		Name:    res.TargetName(),
		From:    report.FormatDate(res.Start),
		To:      report.FormatDate(res.End),
		Success: res.Success,
		Skipped: res.Skipped,
		Pages:   res.Pages,
		Records: len(res.Records),
		Error:   res.ErrorText(),
	})
}

// Failed is the number of failed scopes.
func (s *Summary) Failed() int {
	n := 0
	for _, rs := range s.Reports {
		n += rs.Failed
	}
	return n
}

// ExitCode maps the run to the CLI status: 2 for a caller error, 1 for a
// fatal error or any failed scope, 0 otherwise.
func (s *Summary) ExitCode() int {
	switch {
	case s.err != nil && IsConfigError(s.err):
		return 2
	case s.err != nil, s.Failed() > 0:
		return 1
	}
	return 0
}

func sinkCell(stats []persist.SinkStats) string {
	if len(stats) == 0 {
		return "-"
	}
	parts := make([]string, len(stats))
	for i, s := range stats {
		parts[i] = fmt.Sprintf("%s +%d ~%d =%d skip %d fail %d",
			s.Sink, s.Stats.Inserted, s.Stats.Updated, s.Stats.Unchanged, s.Stats.Skipped, s.Stats.Failed)
	}
	return strings.Join(parts, "\n")
}

// Render writes the run summary table, then the failed scopes.
func (s *Summary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Report", "OK", "Skipped", "Failed", "Records", "Sinks"})
	for _, rs := range s.Reports {
		t.AppendRow(table.Row{string(rs.Report), rs.Succeeded, rs.Skipped, rs.Failed, rs.Records, sinkCell(rs.Sinks)})
	}
	t.SetStyle(table.StyleRounded)
	if s.RunID != "" {
		t.SetTitle("run " + s.RunID)
	}
	t.Render()

	var failed []ScopeSummary
	skipped := make(map[report.Type][]string)
	for _, sc := range s.Scopes {
		if sc.Skipped {
			skipped[sc.Report] = append(skipped[sc.Report], scopeLabel(sc.Scope, sc.Name))
		}
		if !sc.Success {
			failed = append(failed, sc)
		}
	}
	for _, rs := range s.Reports {
		if names := skipped[rs.Report]; len(names) > 0 {
			fmt.Fprintf(w, "%s: already stored, skipped: %s\n", rs.Report, strings.Join(names, ", "))
		}
	}
	if len(failed) > 0 {
		ft := table.NewWriter()
		ft.SetOutputMirror(w)
		ft.AppendHeader(table.Row{"Report", "Scope", "Dates", "Error"})
		for _, sc := range failed {
			ft.AppendRow(table.Row{string(sc.Report), scopeLabel(sc.Scope, sc.Name), sc.From + ".." + sc.To, sc.Error})
		}
		ft.SetStyle(table.StyleRounded)
		ft.Render()
	}
	if s.Error != "" {
		fmt.Fprintf(w, "run failed: %s\n", s.Error)
	}
}

func scopeLabel(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return id + " " + name
}

// RenderReports writes the catalogue table.
func RenderReports(w io.Writer, infos []ReportInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Type", "Name", "Table", "Scope", "Range", "Key"})
	for _, ri := range infos {
		rng := "single day"
		if ri.RangeSupported {
			rng = "yes"
		}
		t.AppendRow(table.Row{ri.Type, ri.Name, ri.Table, ri.Scope, rng, strings.Join(ri.Key, ", ")})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// RenderRuns writes the run history table.
func RenderRuns(w io.Writer, runs []runlog.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Status", "Reports", "Dates", "OK", "Failed", "Started", "Took"})
	for _, r := range runs {
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).String()
		}
		t.AppendRow(table.Row{
			r.ID, r.Status, strings.Join(r.Reports, ","), r.From + ".." + r.To,
			r.ScopesOK, r.ScopesFailed, r.StartedAt.Format(time.DateTime), took,
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
