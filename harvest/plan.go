package harvest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Request is one crawl as asked by the CLI, the API or an MCP client.
type Request struct {
	// Reports is a comma separated list of report types, or "all".
	Reports string `json:"reports"`
	// From defaults to yesterday, To to From. Both are YYYY-MM-DD.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	// Store restricts per-store reports to one merchant code.
	Store string `json:"store,omitempty"`
	// AllStores iterates every store, whatever the report's default scope.
	AllStores  bool `json:"all_stores,omitempty"`
	Force      bool `json:"force,omitempty"`
	SkipRemote bool `json:"skip_remote,omitempty"`
	// PerDay splits the range into one unit per day.
	PerDay bool `json:"per_day,omitempty"`
}

// RequestError is a malformed request. Like an unsupported date range it
// is a caller error, reported before any browser work.
type RequestError struct {
	Field string
	Err   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("harvest: %s: %v", e.Field, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Unit is one (report, date range, scope) crawl.
type Unit struct {
	Def    report.Definition
	Filter report.Filter
}

// Plan expands req into units ordered by report, then date. Every unit is
// validated, so a range sent to a single-day report fails here with
// *report.UnsupportedDateRangeError before a session exists.
func Plan(req Request, now time.Time) ([]Unit, error) {
	names := strings.TrimSpace(req.Reports)
	if names == "" {
		return nil, &RequestError{Field: "reports", Err: errors.New("at least one report type is required")}
	}
	defs, err := report.Resolve(names)
	if err != nil {
		return nil, &RequestError{Field: "reports", Err: err}
	}
	if req.Store != "" && req.AllStores {
		return nil, &RequestError{Field: "store", Err: errors.New("store and all-stores are exclusive")}
	}

	start, end, err := dateRange(req.From, req.To, now)
	if err != nil {
		return nil, err
	}

	var units []Unit
	for _, def := range defs {
		f := report.NewFilter(start, end, scopeFor(def, req))
		days := []report.Filter{f}
		if req.PerDay {
			days = f.EachDay()
		}
		for _, d := range days {
			if err := d.Validate(def); err != nil {
				return nil, fmt.Errorf("harvest: plan: %w", err)
			}
			units = append(units, Unit{Def: def, Filter: d})
		}
	}
	return units, nil
}

// dateRange parses from and to. from defaults to yesterday, to to from.
func dateRange(from, to string, now time.Time) (start, end time.Time, err error) {
	start = report.Yesterday(now)
	if from != "" {
		if start, err = report.ParseDate(from); err != nil {
			return start, end, &RequestError{Field: "from", Err: err}
		}
	}
	end = start
	if to != "" {
		if end, err = report.ParseDate(to); err != nil {
			return start, end, &RequestError{Field: "to", Err: err}
		}
	}
	if end.Before(start) {
		return start, end, &RequestError{Field: "to", Err: fmt.Errorf("%s is before %s", report.FormatDate(end), report.FormatDate(start))}
	}
	return start, end, nil
}

func scopeFor(def report.Definition, req Request) report.Scope {
	switch {
	case req.Store != "":
		return report.StoreScope(report.Store{Code: strings.TrimSpace(req.Store)})
	case req.AllStores:
		return report.AllStoresScope()
	case def.DefaultScope == report.ScopeAllStores:
		return report.AllStoresScope()
	}
	return report.GroupScope()
}

// IsConfigError reports whether err is a caller error: a bad request or a
// date range the report cannot serve.
func IsConfigError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) || report.IsConfig(err)
}
