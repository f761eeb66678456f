// CLAUDE:SUMMARY Browser driver interfaces (Page, Surface) and their go-rod implementation over one working tab.
// Package browser is the only package that touches the DevTools protocol.
// Navigator and crawler see the Page and Surface interfaces; the rod types
// implement them by evaluating small scripts in the page or in a frame.
package browser

import (
	"context"
	"errors"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// ErrNoSurface is returned by Page.Surface while the frame matching the
// pattern is absent or still loading.
var ErrNoSurface = errors.New("browser: surface not present")

// Document is what both the outer page and a report surface can do.
type Document interface {
	// Exists reports whether a visible element matches sel.
	Exists(ctx context.Context, sel report.Selector) (bool, error)
	// Click clicks the element matching sel. It reports false when nothing
	// matched.
	Click(ctx context.Context, sel report.Selector) (bool, error)
	// Text returns the visible text of the matching element, "" if none.
	Text(ctx context.Context, sel report.Selector) (string, error)
	// HTML returns the outer HTML of the matching element, "" if none.
	HTML(ctx context.Context, sel report.Selector) (string, error)
}

// Surface is the document or frame rendering a report. Setters report
// whether they changed anything; setting a control to its current value is
// a no-op.
type Surface interface {
	Document
	Fill(ctx context.Context, sel report.Selector, value string) (bool, error)
	SetChecked(ctx context.Context, sel report.Selector, label string, on bool) (bool, error)
	Choose(ctx context.Context, sel report.Selector, control, option string) (bool, error)
	// Enabled reports whether the control exists and can be used.
	Enabled(ctx context.Context, sel report.Selector) (present, enabled bool, err error)
}

// Page is the session's working tab.
type Page interface {
	Document
	URL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	// ClickIn clicks target inside the innermost block matching block.
	ClickIn(ctx context.Context, block, target report.Selector) (bool, error)
	// Surface resolves the frame whose src or name contains pattern. An empty
	// pattern is the main document.
	Surface(ctx context.Context, pattern string) (Surface, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the state captured for failure dumps.
type Snapshot struct {
	URL  string
	HTML string
	PNG  []byte
}
