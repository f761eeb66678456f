// CLAUDE:SUMMARY Scriptable in-memory Page and Surface fakes used by navigator, crawler and harvest tests.
// Package browsertest provides in-memory fakes of browser.Page and
// browser.Surface. A Surface is built from a report definition so it can map
// each selector back to its role.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Surface simulates one report surface: controls, a query button, a
// loading spinner and a paginated result table.
type Surface struct {
	mu    sync.Mutex
	roles map[report.Selector]report.Role

	// Pages is the table HTML of each result page. Empty means the query
	// returns the empty placeholder.
	Pages []string
	// Endless keeps the next-page control enabled forever, serving the last
	// page with a page marker appended so each page differs.
	Endless bool
	// LoadingPolls is how many loading checks report a spinner after each
	// submit or page turn.
	LoadingPolls int
	// NeverLoads keeps the spinner up.
	NeverLoads bool
	// Missing roles behave as absent from the DOM.
	Missing map[report.Role]bool
	// NextVanishes reports the next-page control enabled but fails every
	// click on it, as when the pager re-renders in between.
	NextVanishes bool
	// Total is the "共 N 条" count, 0 for none.
	Total int

	inputs  map[report.Role]string
	checked map[string]bool
	choices map[string]string

	submitted bool
	page      int
	loading   int

	// Counters.
	Calls     int
	Fills     int
	Toggles   int
	Chosen    int
	Submits   int
	PageTurns int
	FillLog   []string
}

// NewSurface builds a fake surface answering to def's selectors.
func NewSurface(def report.Definition, pages ...string) *Surface {
	s := &Surface{
		roles:   make(map[report.Selector]report.Role, len(def.Selectors)),
		Pages:   pages,
		Missing: make(map[report.Role]bool),
		inputs:  make(map[report.Role]string),
		checked: make(map[string]bool),
		choices: make(map[string]string),
	}
	for role, sel := range def.Selectors {
		s.roles[sel] = role
	}
	return s
}

// Checked reports the state of a toggle.
func (s *Surface) Checked(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checked[label]
}

// Input returns the current value of a date input.
func (s *Surface) Input(role report.Role) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[role]
}

// Choice returns the selected option of a dropdown.
func (s *Surface) Choice(control string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choices[control]
}

func (s *Surface) role(sel report.Selector) (report.Role, bool) {
	s.Calls++
	r, ok := s.roles[sel]
	if !ok || s.Missing[r] {
		return r, false
	}
	return r, true
}

func (s *Surface) hasNext() bool {
	return s.submitted && (s.Endless || s.page < len(s.Pages)-1)
}

func (s *Surface) pageHTML() string {
	if len(s.Pages) == 0 {
		return ""
	}
	if s.page < len(s.Pages) {
		return s.Pages[s.page]
	}
	return s.Pages[len(s.Pages)-1] + fmt.Sprintf("<!-- page %d -->", s.page)
}

func (s *Surface) Exists(_ context.Context, sel report.Selector) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok {
		return false, nil
	}
	switch r {
	case report.RoleLoading:
		if s.NeverLoads {
			return true, nil
		}
		if s.loading > 0 {
			s.loading--
			return true, nil
		}
		return false, nil
	case report.RoleTable:
		return s.submitted && len(s.Pages) > 0, nil
	case report.RoleEmpty:
		return s.submitted && len(s.Pages) == 0, nil
	}
	return true, nil
}

func (s *Surface) Click(_ context.Context, sel report.Selector) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok {
		return false, nil
	}
	switch r {
	case report.RoleSubmit:
		s.submitted = true
		s.page = 0
		s.loading = s.LoadingPolls
		s.Submits++
	case report.RoleNextPage:
		if s.NextVanishes {
			return false, nil
		}
		if !s.hasNext() {
			return true, nil
		}
		s.page++
		s.loading = s.LoadingPolls
		s.PageTurns++
	}
	return true, nil
}

func (s *Surface) Text(_ context.Context, sel report.Selector) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok {
		return "", nil
	}
	if r == report.RoleTotal && s.Total > 0 {
		return fmt.Sprintf("共 %d 条", s.Total), nil
	}
	return "", nil
}

func (s *Surface) HTML(_ context.Context, sel report.Selector) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok || r != report.RoleTable || !s.submitted {
		return "", nil
	}
	return s.pageHTML(), nil
}

func (s *Surface) Fill(_ context.Context, sel report.Selector, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok {
		return false, &browser.NotFoundError{Selector: sel}
	}
	if s.inputs[r] == value {
		return false, nil
	}
	s.inputs[r] = value
	s.Fills++
	s.FillLog = append(s.FillLog, string(r)+"="+value)
	return true, nil
}

func (s *Surface) SetChecked(_ context.Context, sel report.Selector, label string, on bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.role(sel); !ok {
		return false, &browser.NotFoundError{Selector: sel, Label: label}
	}
	if s.checked[label] == on {
		return false, nil
	}
	s.checked[label] = on
	s.Toggles++
	return true, nil
}

func (s *Surface) Choose(_ context.Context, sel report.Selector, control, option string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.role(sel); !ok {
		return false, &browser.NotFoundError{Selector: sel, Label: control}
	}
	if s.choices[control] == option {
		return false, nil
	}
	s.choices[control] = option
	s.Chosen++
	return true, nil
}

func (s *Surface) Enabled(_ context.Context, sel report.Selector) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.role(sel)
	if !ok {
		return false, false, nil
	}
	if r == report.RoleNextPage {
		if !s.submitted {
			return false, false, nil
		}
		return true, s.hasNext(), nil
	}
	return true, true, nil
}

var _ browser.Surface = (*Surface)(nil)
