package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// DefaultEvalTimeout bounds one script evaluation.
const DefaultEvalTimeout = 15 * time.Second

// rodDoc evaluates the helper scripts against one rod page or frame.
type rodDoc struct {
	p       *rod.Page
	timeout time.Duration
}

func (d rodDoc) eval(ctx context.Context, out any, js string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	res, err := d.p.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("browser: eval: %w", err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return fmt.Errorf("browser: decode eval result: %w", err)
	}
	return nil
}

func selArgs(sel report.Selector, extra ...any) []any {
	return append([]any{sel.CSS, sel.Text, sel.Index}, extra...)
}

func (d rodDoc) Exists(ctx context.Context, sel report.Selector) (bool, error) {
	var ok bool
	err := d.eval(ctx, &ok, jsExists, selArgs(sel)...)
	return ok, err
}

func (d rodDoc) Click(ctx context.Context, sel report.Selector) (bool, error) {
	var ok bool
	err := d.eval(ctx, &ok, jsClick, selArgs(sel)...)
	return ok, err
}

func (d rodDoc) Text(ctx context.Context, sel report.Selector) (string, error) {
	var s string
	err := d.eval(ctx, &s, jsText, selArgs(sel)...)
	return s, err
}

func (d rodDoc) HTML(ctx context.Context, sel report.Selector) (string, error) {
	var s string
	err := d.eval(ctx, &s, jsHTML, selArgs(sel)...)
	return s, err
}

type setResult struct {
	Found   bool `json:"found"`
	Changed bool `json:"changed"`
}

// NotFoundError is returned by setters whose control did not match.
type NotFoundError struct {
	Selector report.Selector
	Label    string
}

func (e *NotFoundError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("browser: control %q not found (%s)", e.Label, e.Selector.CSS)
	}
	return fmt.Sprintf("browser: element not found (%s)", e.Selector.CSS)
}

func (r setResult) result(sel report.Selector, label string) (bool, error) {
	if !r.Found {
		return false, &NotFoundError{Selector: sel, Label: label}
	}
	return r.Changed, nil
}

// RodSurface is a Surface backed by a rod page or frame.
type RodSurface struct{ rodDoc }

func (s *RodSurface) Fill(ctx context.Context, sel report.Selector, value string) (bool, error) {
	var r setResult
	if err := s.eval(ctx, &r, jsFill, selArgs(sel, value)...); err != nil {
		return false, err
	}
	return r.result(sel, "")
}

func (s *RodSurface) SetChecked(ctx context.Context, sel report.Selector, label string, on bool) (bool, error) {
	var r setResult
	if err := s.eval(ctx, &r, jsSetChecked, selArgs(sel, label, on)...); err != nil {
		return false, err
	}
	return r.result(sel, label)
}

func (s *RodSurface) Choose(ctx context.Context, sel report.Selector, control, option string) (bool, error) {
	var r setResult
	if err := s.eval(ctx, &r, jsChoose, selArgs(sel, control, option)...); err != nil {
		return false, err
	}
	return r.result(sel, control+"="+option)
}

func (s *RodSurface) Enabled(ctx context.Context, sel report.Selector) (bool, bool, error) {
	var r struct {
		Present bool `json:"present"`
		Enabled bool `json:"enabled"`
	}
	err := s.eval(ctx, &r, jsEnabled, selArgs(sel)...)
	return r.Present, r.Enabled, err
}

// RodPage is the working tab.
type RodPage struct {
	rodDoc
	navTimeout time.Duration
}

// PageOption configures a RodPage.
type PageOption func(*RodPage)

// WithEvalTimeout bounds each script evaluation.
func WithEvalTimeout(d time.Duration) PageOption {
	return func(p *RodPage) { p.timeout = d }
}

// WithNavigateTimeout bounds Navigate including the load wait.
func WithNavigateTimeout(d time.Duration) PageOption {
	return func(p *RodPage) { p.navTimeout = d }
}

// NewPage wraps a rod page.
func NewPage(p *rod.Page, opts ...PageOption) *RodPage {
	rp := &RodPage{
		rodDoc:     rodDoc{p: p, timeout: DefaultEvalTimeout},
		navTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(rp)
	}
	return rp
}

// Rod exposes the underlying page.
func (p *RodPage) Rod() *rod.Page { return p.p }

func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.p.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

func (p *RodPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	page := p.p.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load %s: %w", url, err)
	}
	return nil
}

func (p *RodPage) ClickIn(ctx context.Context, block, target report.Selector) (bool, error) {
	var ok bool
	err := p.eval(ctx, &ok, jsClickIn, selArgs(block, target.CSS, target.Text)...)
	return ok, err
}

func (p *RodPage) Surface(ctx context.Context, pattern string) (Surface, error) {
	if pattern == "" {
		return &RodSurface{rodDoc: p.rodDoc}, nil
	}
	frames, err := p.p.Context(ctx).Elements("iframe")
	if err != nil {
		return nil, fmt.Errorf("browser: list frames: %w", err)
	}
	for _, el := range frames {
		if !frameMatches(el, pattern) {
			continue
		}
		fr, err := el.Frame()
		if err != nil {
			return nil, fmt.Errorf("browser: enter frame %s: %w", pattern, err)
		}
		doc := rodDoc{p: fr, timeout: p.timeout}
		var state string
		if err := doc.eval(ctx, &state, jsReady); err != nil || state == "loading" {
			return nil, ErrNoSurface
		}
		return &RodSurface{rodDoc: doc}, nil
	}
	return nil, ErrNoSurface
}

func frameMatches(el *rod.Element, pattern string) bool {
	for _, attr := range []string{"src", "name", "id"} {
		v, err := el.Attribute(attr)
		if err == nil && v != nil && strings.Contains(*v, pattern) {
			return true
		}
	}
	return false
}

func (p *RodPage) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	url, err := p.URL(ctx)
	if err != nil {
		return nil, err
	}
	snap.URL = url
	if err := p.eval(ctx, &snap.HTML, jsOuterHTML); err != nil {
		return snap, err
	}
	shotCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	png, err := p.p.Context(shotCtx).Screenshot(true, nil)
	if err != nil {
		return snap, fmt.Errorf("browser: screenshot: %w", err)
	}
	snap.PNG = png
	return snap, nil
}

var (
	_ Page    = (*RodPage)(nil)
	_ Surface = (*RodSurface)(nil)
)
