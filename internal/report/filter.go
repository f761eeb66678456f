package report

import (
	"fmt"
	"time"
)

// DateLayout is the canonical record date format.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date in local time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("report: parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate formats t as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// Yesterday returns the start of the previous local day.
func Yesterday(now time.Time) time.Time {
	y, m, d := now.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// Filter holds the query parameters of one crawl.
type Filter struct {
	Start time.Time
	End   time.Time
	Scope Scope
	// Toggles overrides definition toggles by label.
	Toggles map[string]bool
}

// NewFilter builds a filter; a zero end means a single day.
func NewFilter(start, end time.Time, scope Scope) Filter {
	if end.IsZero() {
		end = start
	}
	return Filter{Start: start, End: end, Scope: scope}
}

// Days returns the number of calendar days covered. Dates are compared in
// UTC so a DST change inside the range does not shorten it.
func (f Filter) Days() int {
	return int(civil(f.End).Sub(civil(f.Start)).Hours()/24) + 1
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MultiDay reports whether the filter spans more than one day.
func (f Filter) MultiDay() bool { return FormatDate(f.End) > FormatDate(f.Start) }

// Validate checks the filter against def. Range-unsupported reports refuse
// anything longer than one day.
func (f Filter) Validate(def Definition) error {
	if f.Start.IsZero() {
		return fmt.Errorf("report: %s: start date required", def.Type)
	}
	if FormatDate(f.End) < FormatDate(f.Start) {
		return fmt.Errorf("report: %s: end %s before start %s", def.Type, FormatDate(f.End), FormatDate(f.Start))
	}
	if f.MultiDay() && !def.RangeSupported {
		return &UnsupportedDateRangeError{Report: def.Type, Start: f.Start, End: f.End}
	}
	if f.Scope.Kind == ScopeStore && f.Scope.Store.Code == "" {
		return fmt.Errorf("report: %s: store scope without store code", def.Type)
	}
	return nil
}

// Toggle returns the wanted state of a toggle, honouring overrides.
func (f Filter) Toggle(t Toggle) bool {
	if v, ok := f.Toggles[t.Label]; ok {
		return v
	}
	return t.On
}

// ForStore returns a copy scoped to one store.
func (f Filter) ForStore(s Store) Filter {
	out := f
	out.Scope = StoreScope(s)
	return out
}

// EachDay splits the filter into single-day filters, in ascending order.
func (f Filter) EachDay() []Filter {
	out := make([]Filter, 0, max(f.Days(), 0))
	for d := f.Start; FormatDate(d) <= FormatDate(f.End); d = d.AddDate(0, 0, 1) {
		day := f
		day.Start, day.End = d, d
		out = append(out, day)
	}
	return out
}
