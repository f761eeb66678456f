// CLAUDE:SUMMARY Site state machine over the working page: login wait, group/store selection, report surface resolution, popup dismissal.
// Package navigator drives the dashboard between reports. It owns the
// active account scope so every report open can assert it, and it never
// types credentials: login happens by hand in the live browser.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/extract"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

// State is a navigator lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	AwaitingLogin
	AccountSelected
	ReportReady
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case AwaitingLogin:
		return "awaiting_login"
	case AccountSelected:
		return "account_selected"
	case ReportReady:
		return "report_ready"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrDisconnected is returned when the navigator has no page.
var ErrDisconnected = errors.New("navigator: no page")

var (
	errGroupNotFound  = errors.New("navigator: group block not found")
	errDialogMissing  = errors.New("navigator: store dialog not shown")
	errSurfaceLoading = errors.New("navigator: surface not ready")
)

// Navigator is not safe for concurrent use beyond its state accessors; a
// run drives it sequentially.
type Navigator struct {
	page browser.Page
	site Site

	logger       *slog.Logger
	operator     io.Writer
	loginPoll    time.Duration
	loginTimeout time.Duration
	navRetry     retry.Policy
	surfaceRetry retry.Policy
	waitRetry    retry.Policy
	settle       time.Duration

	mu        sync.Mutex
	state     State
	active    report.Scope
	hasActive bool
	stores    []report.Store
}

// Option configures a Navigator.
type Option func(*Navigator)

func WithLogger(l *slog.Logger) Option { return func(n *Navigator) { n.logger = l } }

// WithOperator sets where the login prompt is printed for the human.
func WithOperator(w io.Writer) Option { return func(n *Navigator) { n.operator = w } }

// WithLogin sets the login poll interval and timeout.
func WithLogin(poll, timeout time.Duration) Option {
	return func(n *Navigator) { n.loginPoll, n.loginTimeout = poll, timeout }
}

// WithNavRetry sets the policy of page navigations and scope selection.
func WithNavRetry(p retry.Policy) Option { return func(n *Navigator) { n.navRetry = p } }

// WithSurfaceRetry sets the policy of surface resolution.
func WithSurfaceRetry(p retry.Policy) Option { return func(n *Navigator) { n.surfaceRetry = p } }

// WithWaitRetry sets the policy of short element waits (dialogs).
func WithWaitRetry(p retry.Policy) Option { return func(n *Navigator) { n.waitRetry = p } }

// WithSettle sets the pause after navigations and clicks that re-render.
func WithSettle(d time.Duration) Option { return func(n *Navigator) { n.settle = d } }

// New returns a navigator over page. A nil page starts Disconnected.
func New(page browser.Page, site Site, opts ...Option) *Navigator {
	n := &Navigator{
		page:         page,
		site:         site,
		logger:       slog.Default(),
		operator:     io.Discard,
		loginPoll:    2 * time.Second,
		loginTimeout: 5 * time.Minute,
		navRetry:     retry.Backoff(3, time.Second),
		surfaceRetry: retry.Fixed(10, time.Second),
		waitRetry:    retry.Fixed(10, 300*time.Millisecond),
		settle:       800 * time.Millisecond,
	}
	for _, o := range opts {
		o(n)
	}
	if page != nil {
		n.state = Connected
	}
	return n
}

// State returns the current state.
func (n *Navigator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// ActiveScope returns the selected account scope, if any.
func (n *Navigator) ActiveScope() (report.Scope, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active, n.hasActive
}

func (n *Navigator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.logger.Debug("navigator: state", "from", prev.String(), "to", s.String())
	}
}

func (n *Navigator) fail(err error) error {
	n.setState(Failed)
	return err
}

func (n *Navigator) pause(ctx context.Context) {
	if n.settle <= 0 {
		return
	}
	t := time.NewTimer(n.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// loggedIn reports whether the page is inside the authenticated app.
func (n *Navigator) loggedIn(ctx context.Context) (bool, string, error) {
	u, err := n.page.URL(ctx)
	if err != nil {
		return false, "", err
	}
	if parsed, err := url.Parse(u); err == nil && slices.Contains(n.site.LoginHosts, parsed.Hostname()) {
		return false, u, nil
	}
	if !strings.Contains(u, n.site.AppHost) {
		return false, u, nil
	}
	for _, m := range n.site.LoginMarkers {
		if strings.Contains(u, m) {
			return false, u, nil
		}
	}
	if n.site.UserIndicator.CSS != "" {
		ok, err := n.page.Exists(ctx, n.site.UserIndicator)
		return ok, u, err
	}
	return true, u, nil
}

func (n *Navigator) onSite(u string) bool {
	parsed, err := url.Parse(u)
	if err == nil && slices.Contains(n.site.LoginHosts, parsed.Hostname()) {
		return true
	}
	return strings.Contains(u, n.site.AppHost)
}

// EnsureLoggedIn returns once the page is inside the app. While it is not,
// the operator is asked to log in by hand and the URL is polled until the
// login timeout, which fails with *report.LoginTimeoutError.
func (n *Navigator) EnsureLoggedIn(ctx context.Context) error {
	if n.page == nil {
		return ErrDisconnected
	}
	ok, u, err := n.loggedIn(ctx)
	if err != nil {
		return n.fail(fmt.Errorf("navigator: read url: %w", err))
	}
	if ok {
		return nil
	}
	if !n.onSite(u) && n.site.Home != "" {
		if err := n.page.Navigate(ctx, n.site.Home); err != nil {
			n.logger.WarnContext(ctx, "navigator: open home", "error", err)
		}
		n.pause(ctx)
		if ok, u, err = n.loggedIn(ctx); err == nil && ok {
			return nil
		}
	}

	n.setState(AwaitingLogin)
	n.logger.WarnContext(ctx, "navigator: not logged in, log in manually in the browser window",
		"url", u, "timeout", n.loginTimeout)
	fmt.Fprintf(n.operator, "Not logged in. Log in to %s in the browser window; waiting up to %s.\n",
		n.site.AppHost, n.loginTimeout)

	deadline := time.Now().Add(n.loginTimeout)
	tick := time.NewTicker(n.loginPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.fail(ctx.Err())
		case <-tick.C:
		}
		ok, u, err = n.loggedIn(ctx)
		if err == nil && ok {
			n.setState(Connected)
			n.logger.InfoContext(ctx, "navigator: login detected", "url", u)
			return nil
		}
		if time.Now().After(deadline) {
			return n.fail(&report.LoginTimeoutError{Waited: n.loginTimeout, URL: u})
		}
	}
}

// SelectScope makes scope the active account. Re-selecting the active scope
// is a no-op.
func (n *Navigator) SelectScope(ctx context.Context, scope report.Scope) error {
	n.mu.Lock()
	same := n.hasActive && n.active.Same(scope) && (n.state == AccountSelected || n.state == ReportReady)
	n.mu.Unlock()
	if same {
		return nil
	}
	if err := n.EnsureLoggedIn(ctx); err != nil {
		return err
	}

	var err error
	switch scope.Kind {
	case report.ScopeGroup:
		err = retry.Do(ctx, n.navRetry, n.logger, "navigator.select_group", n.selectGroup)
	case report.ScopeStore:
		err = retry.Do(ctx, n.navRetry, n.logger, "navigator.select_store", func(ctx context.Context) error {
			return n.selectStore(ctx, scope.Store)
		})
	default:
		err = fmt.Errorf("navigator: scope %s is not selectable, iterate its stores", scope)
	}
	if err != nil {
		n.mu.Lock()
		n.hasActive = false
		n.mu.Unlock()
		return n.fail(fmt.Errorf("navigator: select %s: %w", scope, err))
	}

	n.mu.Lock()
	n.active, n.hasActive = scope, true
	n.mu.Unlock()
	n.setState(AccountSelected)
	n.logger.InfoContext(ctx, "navigator: scope selected", "scope", scope.String(), "name", scope.Name())
	return nil
}

func (n *Navigator) selectGroup(ctx context.Context) error {
	if err := n.page.Navigate(ctx, n.site.SelectOrgURL); err != nil {
		return err
	}
	n.pause(ctx)
	n.dismissPopups(ctx)
	ok, err := n.page.ClickIn(ctx, n.site.GroupBlock, n.site.GroupButton)
	if err != nil {
		return err
	}
	if !ok {
		return errGroupNotFound
	}
	n.pause(ctx)
	return nil
}

func (n *Navigator) headerCode(ctx context.Context) (string, bool) {
	text, err := n.page.Text(ctx, n.site.StoreHeader)
	if err != nil {
		return "", false
	}
	return extract.HeaderStoreCode(text)
}

func (n *Navigator) waitFor(ctx context.Context, sel report.Selector, missing error) error {
	return retry.Do(ctx, n.waitRetry, nil, "navigator.wait", func(ctx context.Context) error {
		ok, err := n.page.Exists(ctx, sel)
		if err != nil {
			return err
		}
		if !ok {
			return missing
		}
		return nil
	})
}

func (n *Navigator) openStoreDialog(ctx context.Context) error {
	ok, err := n.page.Click(ctx, n.site.StoreTrigger)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("navigator: store switcher not found")
	}
	return n.waitFor(ctx, n.site.StoreDialog, errDialogMissing)
}

func (n *Navigator) selectStore(ctx context.Context, s report.Store) error {
	if s.Code == "" {
		return retry.Permanent(fmt.Errorf("navigator: store %q has no code", s.Name))
	}
	if code, ok := n.headerCode(ctx); ok && code == s.Code {
		return nil
	}
	if err := n.openStoreDialog(ctx); err != nil {
		return err
	}
	row := report.Selector{CSS: n.site.StoreRow.CSS, Text: s.Code}
	ok, err := n.page.Click(ctx, row)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("navigator: store %s not listed", s.Code)
	}
	if n.site.StoreConfirm.CSS != "" {
		if _, err := n.page.Click(ctx, n.site.StoreConfirm); err != nil {
			return err
		}
	}
	n.pause(ctx)
	code, ok := n.headerCode(ctx)
	if !ok || code != s.Code {
		return fmt.Errorf("navigator: header shows merchant %q, want %s", code, s.Code)
	}
	return nil
}

// Stores lists the stores of the account from the store dialog. The list
// is read once per navigator.
func (n *Navigator) Stores(ctx context.Context) ([]report.Store, error) {
	n.mu.Lock()
	cached := n.stores
	n.mu.Unlock()
	if cached != nil {
		return slices.Clone(cached), nil
	}
	if err := n.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}
	src, err := retry.Value(ctx, n.navRetry, n.logger, "navigator.stores", func(ctx context.Context) (string, error) {
		if err := n.openStoreDialog(ctx); err != nil {
			return "", err
		}
		html, err := n.page.HTML(ctx, n.site.StoreDialog)
		if err != nil {
			return "", err
		}
		if html == "" {
			return "", errDialogMissing
		}
		return html, nil
	})
	if err != nil {
		return nil, fmt.Errorf("navigator: read store dialog: %w", err)
	}
	if n.site.StoreClose.CSS != "" {
		if _, err := n.page.Click(ctx, n.site.StoreClose); err != nil {
			n.logger.DebugContext(ctx, "navigator: close store dialog", "error", err)
		}
	}
	stores, err := extract.ParseStores(src)
	if err != nil {
		return nil, err
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("navigator: store dialog lists no stores")
	}
	n.mu.Lock()
	n.stores = stores
	n.mu.Unlock()
	n.logger.InfoContext(ctx, "navigator: stores discovered", "count", len(stores))
	return slices.Clone(stores), nil
}

func (n *Navigator) dismissPopups(ctx context.Context) {
	for _, sel := range n.site.Popups {
		if ok, err := n.page.Click(ctx, sel); err == nil && ok {
			n.logger.DebugContext(ctx, "navigator: dismissed popup", "text", sel.Text, "css", sel.CSS)
		}
	}
}

// OpenReport asserts the active scope, navigates to the report and returns
// its surface. A surface that never resolves fails with
// *report.SurfaceNotFoundError.
func (n *Navigator) OpenReport(ctx context.Context, def report.Definition, scope report.Scope) (browser.Surface, error) {
	if n.page == nil {
		return nil, ErrDisconnected
	}
	if err := n.SelectScope(ctx, scope); err != nil {
		return nil, err
	}
	log := n.logger.With("report", string(def.Type), "scope", scope.String())

	err := retry.Do(ctx, n.navRetry, log, "navigator.open_report", func(ctx context.Context) error {
		return n.page.Navigate(ctx, def.URL)
	})
	if err != nil {
		return nil, n.fail(&report.SurfaceNotFoundError{
			Report: def.Type, Pattern: def.URL, Attempts: n.navRetry.Attempts, Err: err,
		})
	}
	n.pause(ctx)
	n.dismissPopups(ctx)
	if n.site.NewVersion.CSS != "" {
		if ok, err := n.page.Click(ctx, n.site.NewVersion); err == nil && ok {
			log.InfoContext(ctx, "navigator: switched to new version")
			n.pause(ctx)
		}
	}

	submit, err := def.Selector(report.RoleSubmit)
	if err != nil {
		return nil, n.fail(err)
	}
	surface, err := retry.Value(ctx, n.surfaceRetry, log, "navigator.surface", func(ctx context.Context) (browser.Surface, error) {
		n.dismissPopups(ctx)
		s, err := n.page.Surface(ctx, def.SurfacePattern)
		if err != nil {
			return nil, err
		}
		ok, err := s.Exists(ctx, submit)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errSurfaceLoading
		}
		return s, nil
	})
	if err != nil {
		return nil, n.fail(&report.SurfaceNotFoundError{
			Report: def.Type, Pattern: def.SurfacePattern, Attempts: n.surfaceRetry.Attempts, Err: err,
		})
	}
	n.setState(ReportReady)
	log.DebugContext(ctx, "navigator: report ready")
	return surface, nil
}
