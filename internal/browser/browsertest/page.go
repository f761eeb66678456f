package browsertest

import (
	"context"
	"errors"
	"sync"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// ErrNavigate is returned by Navigate while NavigateFailures is positive.
var ErrNavigate = errors.New("browsertest: navigation failed")

// Page simulates the working tab: a login wall, visible elements, texts,
// dialogs and report surfaces keyed by frame pattern.
type Page struct {
	mu sync.Mutex

	// Current is the page URL.
	Current string
	// LoggedIn false sends every navigation to LoginURL.
	LoggedIn bool
	LoginURL string
	// LoginAfter completes the login after that many URL polls. 0 never
	// completes.
	LoginAfter int
	// Home is where the page lands once logged in.
	Home string

	Elements map[report.Selector]bool
	Texts    map[report.Selector]string
	HTMLs    map[report.Selector]string
	Surfaces map[string]browser.Surface

	// SurfaceMisses makes the first lookups report ErrNoSurface.
	SurfaceMisses int
	// NavigateFailures makes the first navigations fail.
	NavigateFailures int
	// ClickInURL becomes the URL after a successful ClickIn.
	ClickInURL string
	// OnClick runs after every successful Click or ClickIn, with the page
	// unlocked.
	OnClick func(p *Page, sel report.Selector)

	polls        int
	Navigations  []string
	Clicks       []report.Selector
	ClickIns     int
	SurfaceCalls int
	Snapshots    int
}

// NewPage returns a logged-in page at home.
func NewPage(home string) *Page {
	return &Page{
		Current:  home,
		Home:     home,
		LoggedIn: true,
		Elements: make(map[report.Selector]bool),
		Texts:    make(map[report.Selector]string),
		HTMLs:    make(map[report.Selector]string),
		Surfaces: make(map[string]browser.Surface),
	}
}

// SetElement shows or hides an element.
func (p *Page) SetElement(sel report.Selector, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Elements[sel] = on
}

// SetText sets the text returned for sel and marks it present.
func (p *Page) SetText(sel report.Selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts[sel] = text
	p.Elements[sel] = true
}

// Clicked counts clicks on sel.
func (p *Page) Clicked(sel report.Selector) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Clicks {
		if c == sel {
			n++
		}
	}
	return n
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.LoggedIn && p.LoginAfter > 0 {
		p.polls++
		if p.polls >= p.LoginAfter {
			p.LoggedIn = true
			p.Current = p.Home
		}
	}
	return p.Current, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Navigations = append(p.Navigations, url)
	if p.NavigateFailures > 0 {
		p.NavigateFailures--
		return ErrNavigate
	}
	if !p.LoggedIn && p.LoginURL != "" {
		p.Current = p.LoginURL
		return nil
	}
	p.Current = url
	return nil
}

func (p *Page) Exists(_ context.Context, sel report.Selector) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Elements[sel], nil
}

func (p *Page) Click(_ context.Context, sel report.Selector) (bool, error) {
	p.mu.Lock()
	if !p.Elements[sel] {
		p.mu.Unlock()
		return false, nil
	}
	p.Clicks = append(p.Clicks, sel)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p, sel)
	}
	return true, nil
}

func (p *Page) ClickIn(_ context.Context, block, target report.Selector) (bool, error) {
	p.mu.Lock()
	if !p.Elements[block] || !p.Elements[target] {
		p.mu.Unlock()
		return false, nil
	}
	p.ClickIns++
	if p.ClickInURL != "" {
		p.Current = p.ClickInURL
	}
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p, target)
	}
	return true, nil
}

func (p *Page) Text(_ context.Context, sel report.Selector) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Texts[sel], nil
}

func (p *Page) HTML(_ context.Context, sel report.Selector) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Elements[sel] {
		return "", nil
	}
	return p.HTMLs[sel], nil
}

func (p *Page) Surface(_ context.Context, pattern string) (browser.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SurfaceCalls++
	if p.SurfaceMisses > 0 {
		p.SurfaceMisses--
		return nil, browser.ErrNoSurface
	}
	s, ok := p.Surfaces[pattern]
	if !ok {
		return nil, browser.ErrNoSurface
	}
	return s, nil
}

func (p *Page) Snapshot(context.Context) (*browser.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Snapshots++
	return &browser.Snapshot{
		URL:  p.Current,
		HTML: `<html><body><div class="ant-table"><table><tr><td>snapshot</td></tr></table></div><script>x()</script></body></html>`,
		PNG:  []byte("\x89PNG\r\n\x1a\n"),
	}, nil
}

var _ browser.Page = (*Page)(nil)
