package navigator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/mtcrawl/internal/browser/browsertest"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const home = "https://pos.meituan.com/web/rms-account#/"

func fastOpts(extra ...Option) []Option {
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLogin(time.Millisecond, 50*time.Millisecond),
		WithNavRetry(retry.Fixed(2, time.Millisecond)),
		WithSurfaceRetry(retry.Fixed(3, time.Millisecond)),
		WithWaitRetry(retry.Fixed(2, time.Millisecond)),
		WithSettle(0),
	}
	return append(opts, extra...)
}

func groupPage() *browsertest.Page {
	site := DefaultSite()
	p := browsertest.NewPage(home)
	p.SetElement(site.GroupBlock, true)
	p.SetElement(site.GroupButton, true)
	p.ClickInURL = home
	return p
}

func TestNew_State(t *testing.T) {
	if got := New(nil, DefaultSite()).State(); got != Disconnected {
		t.Errorf("got %v, want disconnected", got)
	}
	if got := New(groupPage(), DefaultSite()).State(); got != Connected {
		t.Errorf("got %v, want connected", got)
	}
	if err := New(nil, DefaultSite()).EnsureLoggedIn(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
}

func TestEnsureLoggedIn_WaitsForOperator(t *testing.T) {
	p := browsertest.NewPage(home)
	p.LoggedIn = false
	p.Current = "https://eepassport.meituan.com/portal/login"
	p.LoginAfter = 3

	var out bytes.Buffer
	n := New(p, DefaultSite(), fastOpts(WithOperator(&out))...)
	if err := n.EnsureLoggedIn(context.Background()); err != nil {
		t.Fatalf("EnsureLoggedIn: %v", err)
	}
	if n.State() != Connected {
		t.Errorf("state: got %v, want connected", n.State())
	}
	if !strings.Contains(out.String(), "Log in") {
		t.Errorf("operator prompt missing: %q", out.String())
	}
}

func TestEnsureLoggedIn_Timeout(t *testing.T) {
	p := browsertest.NewPage(home)
	p.LoggedIn = false
	p.LoginURL = "https://eepassport.meituan.com/portal/login"
	p.Current = "about:blank"

	n := New(p, DefaultSite(), fastOpts()...)
	err := n.EnsureLoggedIn(context.Background())
	var lt *report.LoginTimeoutError
	if !errors.As(err, &lt) {
		t.Fatalf("got %v, want LoginTimeoutError", err)
	}
	if !report.PassFatal(err) {
		t.Error("login timeout must be pass-fatal")
	}
	if n.State() != Failed {
		t.Errorf("state: got %v, want error", n.State())
	}
	if len(p.Navigations) != 1 || p.Navigations[0] != DefaultSite().Home {
		t.Errorf("blank tab should be sent home once, got %v", p.Navigations)
	}
}

func TestSelectScope_GroupReused(t *testing.T) {
	p := groupPage()
	n := New(p, DefaultSite(), fastOpts()...)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := n.SelectScope(ctx, report.GroupScope()); err != nil {
			t.Fatalf("SelectScope: %v", err)
		}
	}
	if p.ClickIns != 1 {
		t.Errorf("group selected %d times, want 1", p.ClickIns)
	}
	if s, ok := n.ActiveScope(); !ok || !s.IsGroup() {
		t.Errorf("active scope: got %v,%v", s, ok)
	}
	if n.State() != AccountSelected {
		t.Errorf("state: got %v", n.State())
	}
}

func TestSelectScope_GroupMissing(t *testing.T) {
	p := browsertest.NewPage(home)
	n := New(p, DefaultSite(), fastOpts()...)
	err := n.SelectScope(context.Background(), report.GroupScope())
	if !errors.Is(err, errGroupNotFound) {
		t.Fatalf("got %v, want errGroupNotFound", err)
	}
	if n.State() != Failed {
		t.Errorf("state: got %v", n.State())
	}
	if len(p.Navigations) != 2 {
		t.Errorf("navigations: got %d, want one per attempt", len(p.Navigations))
	}
}

func storePage(site Site) *browsertest.Page {
	p := browsertest.NewPage(home)
	p.SetText(site.StoreHeader, "山海店 商户号: 11111111")
	p.SetElement(site.StoreTrigger, true)
	p.SetElement(site.StoreDialog, true)
	p.HTMLs[site.StoreDialog] = `<div><table>
<tr><td>山海店</td><td>11111111</td></tr>
<tr><td>海港店</td><td>22222222</td></tr></table></div>`
	p.SetElement(report.Selector{CSS: site.StoreRow.CSS, Text: "22222222"}, true)
	p.OnClick = func(p *browsertest.Page, sel report.Selector) {
		if sel.Text == "22222222" {
			p.SetText(site.StoreHeader, "海港店 商户号: 22222222")
		}
	}
	return p
}

func TestSelectScope_Store(t *testing.T) {
	site := DefaultSite()
	p := storePage(site)
	n := New(p, site, fastOpts()...)
	ctx := context.Background()

	store := report.Store{Code: "22222222", Name: "海港店"}
	if err := n.SelectScope(ctx, report.StoreScope(store)); err != nil {
		t.Fatalf("SelectScope: %v", err)
	}
	if got := p.Clicked(report.Selector{CSS: site.StoreRow.CSS, Text: "22222222"}); got != 1 {
		t.Errorf("row clicks: got %d, want 1", got)
	}

	// A store whose row is not in the dialog fails after the retries.
	if err := n.SelectScope(ctx, report.StoreScope(report.Store{Code: "11111111"})); err == nil {
		t.Fatal("expected failure: row 11111111 is not clickable")
	}
	if err := n.SelectScope(ctx, report.AllStoresScope()); err == nil {
		t.Error("all-stores scope must not be selectable")
	}
}

func TestStores_Cached(t *testing.T) {
	site := DefaultSite()
	p := storePage(site)
	n := New(p, site, fastOpts()...)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stores, err := n.Stores(ctx)
		if err != nil {
			t.Fatalf("Stores: %v", err)
		}
		if len(stores) != 2 || stores[1].Code != "22222222" || stores[1].Name != "海港店" {
			t.Errorf("got %v", stores)
		}
	}
	if got := p.Clicked(site.StoreTrigger); got != 1 {
		t.Errorf("dialog opened %d times, want 1", got)
	}
}

func TestOpenReport(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	site := DefaultSite()
	p := groupPage()
	p.SurfaceMisses = 2
	surf := browsertest.NewSurface(def)
	p.Surfaces[def.SurfacePattern] = surf
	p.SetElement(site.NewVersion, true)
	p.SetElement(site.Popups[0], true)

	n := New(p, site, fastOpts()...)
	got, err := n.OpenReport(context.Background(), def, report.GroupScope())
	if err != nil {
		t.Fatalf("OpenReport: %v", err)
	}
	if got != surf {
		t.Error("wrong surface")
	}
	if n.State() != ReportReady {
		t.Errorf("state: got %v", n.State())
	}
	if p.Clicked(site.NewVersion) != 1 {
		t.Error("new version switch not clicked")
	}
	if p.Clicked(site.Popups[0]) == 0 {
		t.Error("popup not dismissed")
	}
	if last := p.Navigations[len(p.Navigations)-1]; last != def.URL {
		t.Errorf("last navigation: got %s, want %s", last, def.URL)
	}
}

func TestOpenReport_SurfaceNotFound(t *testing.T) {
	def, _ := report.Lookup(report.BusinessSummary)
	p := groupPage()
	n := New(p, DefaultSite(), fastOpts()...)

	_, err := n.OpenReport(context.Background(), def, report.GroupScope())
	var sn *report.SurfaceNotFoundError
	if !errors.As(err, &sn) {
		t.Fatalf("got %v, want SurfaceNotFoundError", err)
	}
	if sn.Attempts != 3 || sn.Pattern != def.SurfacePattern {
		t.Errorf("got attempts=%d pattern=%q", sn.Attempts, sn.Pattern)
	}
	if p.SurfaceCalls != 3 {
		t.Errorf("surface lookups: got %d, want 3", p.SurfaceCalls)
	}

	// A failed open forces the scope to be re-selected next time.
	p.Surfaces[def.SurfacePattern] = browsertest.NewSurface(def)
	if _, err := n.OpenReport(context.Background(), def, report.GroupScope()); err != nil {
		t.Fatalf("second OpenReport: %v", err)
	}
	if p.ClickIns != 2 {
		t.Errorf("group selections: got %d, want 2", p.ClickIns)
	}
}
