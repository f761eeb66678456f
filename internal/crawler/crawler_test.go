package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/browser/browsertest"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testCrawler(cfg Config) *Crawler {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 100 * time.Millisecond
	}
	cfg.Poll = time.Millisecond
	if cfg.QueryRetry.Attempts == 0 {
		cfg.QueryRetry = retry.Fixed(2, time.Millisecond)
	}
	return New(cfg)
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := report.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// equityPage renders one result page with n rows numbered from first.
func equityPage(first, n int) string {
	var b strings.Builder
	b.WriteString(`<div class="saas-v5-table"><table><thead><tr><th>序号</th><th>机构编码</th><th>门店</th><th>日期</th><th>权益包</th><th>单价</th><th>售卖数量</th><th>售卖金额</th><th>退款数量</th><th>退款金额</th></tr></thead><tbody>`)
	for i := first; i < first+n; i++ {
		fmt.Fprintf(&b, `<tr><td>%d</td><td>MD%05d</td><td>店%d</td><td>2025-12-13</td><td>月卡</td><td>99.00</td><td>%d</td><td>%d.00</td><td>0</td><td>0.00</td></tr>`,
			i, i, i, i, i*99)
	}
	b.WriteString(`</tbody></table></div>`)
	return b.String()
}

func TestCrawl_UnsupportedRangeTouchesNothing(t *testing.T) {
	def, _ := report.Lookup(report.DishSales)
	surf := browsertest.NewSurface(def, equityPage(1, 1))
	c := testCrawler(Config{})

	f := report.NewFilter(day(t, "2025-12-09"), day(t, "2025-12-15"), report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)
	var ur *report.UnsupportedDateRangeError
	if !errors.As(res.Err, &ur) {
		t.Fatalf("got %v, want UnsupportedDateRangeError", res.Err)
	}
	if res.Success || len(res.Records) != 0 {
		t.Errorf("got success=%v records=%d", res.Success, len(res.Records))
	}
	if surf.Calls != 0 {
		t.Errorf("surface calls: got %d, want 0", surf.Calls)
	}
}

func TestCrawl_Paginates(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 10), equityPage(11, 10), equityPage(21, 3))
	surf.LoadingPolls = 2
	surf.Total = 23
	c := testCrawler(Config{})

	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)
	if !res.Success {
		t.Fatalf("crawl failed: %v", res.Err)
	}
	if len(res.Records) != 23 || res.Pages != 3 {
		t.Errorf("got %d records over %d pages, want 23 over 3", len(res.Records), res.Pages)
	}
	if got := surf.Input(report.RoleDateStart); got != "2025-12-13" {
		t.Errorf("start input: got %q", got)
	}
	if !surf.Checked("门店") || !surf.Checked("日期") {
		t.Error("toggles not set")
	}
	if res.TargetID() != report.GroupID {
		t.Errorf("target: got %s", res.TargetID())
	}

	fills, toggles := surf.Fills, surf.Toggles
	res = c.Crawl(context.Background(), def, f, surf)
	if !res.Success || len(res.Records) != 23 {
		t.Fatalf("second crawl: success=%v records=%d err=%v", res.Success, len(res.Records), res.Err)
	}
	if surf.Fills != fills || surf.Toggles != toggles {
		t.Errorf("controls re-applied: fills %d->%d toggles %d->%d", fills, surf.Fills, toggles, surf.Toggles)
	}
}

func TestCrawl_ToggleOverride(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 1))
	c := testCrawler(Config{})

	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	f.Toggles = map[string]bool{"日期": false}
	if res := c.Crawl(context.Background(), def, f, surf); !res.Success {
		t.Fatal(res.Err)
	}
	if !surf.Checked("门店") || surf.Checked("日期") {
		t.Errorf("got 门店=%v 日期=%v", surf.Checked("门店"), surf.Checked("日期"))
	}
}

func TestCrawl_DishChoice(t *testing.T) {
	def, _ := report.Lookup(report.DishSales)
	surf := browsertest.NewSurface(def)
	c := testCrawler(Config{})

	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)
	if !res.Success {
		t.Fatal(res.Err)
	}
	if got := surf.Choice("销售方式"); got != "单品+套餐明细" {
		t.Errorf("choice: got %q", got)
	}
	if got := surf.Input(report.RoleDateEnd); got != "2025/12/13" {
		t.Errorf("end input uses the report layout: got %q", got)
	}
	if res.Pages != 1 || len(res.Records) != 0 {
		t.Errorf("empty result: got pages=%d records=%d", res.Pages, len(res.Records))
	}
}

func TestCrawl_PaginationOverrun(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 2))
	surf.Endless = true

	var dumped []error
	c := testCrawler(Config{
		MaxPages: 3,
		OnFailure: func(_ context.Context, _ report.Definition, _ report.Scope, err error) {
			dumped = append(dumped, err)
		},
	})
	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)

	var po *report.PaginationOverrunError
	if !errors.As(res.Err, &po) {
		t.Fatalf("got %v, want PaginationOverrunError", res.Err)
	}
	if res.Pages != 3 || len(res.Records) != 6 {
		t.Errorf("partial records kept: got pages=%d records=%d, want 3 and 6", res.Pages, len(res.Records))
	}
	if len(dumped) != 1 {
		t.Errorf("failure hook: got %d calls, want 1", len(dumped))
	}
}

func TestCrawl_NextPageClickFailsScope(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 10), equityPage(11, 3))
	surf.NextVanishes = true

	var dumped int
	c := testCrawler(Config{
		OnFailure: func(context.Context, report.Definition, report.Scope, error) { dumped++ },
	})
	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)

	var sn *report.SurfaceNotFoundError
	if !errors.As(res.Err, &sn) || sn.Role != report.RoleNextPage {
		t.Fatalf("got %v, want SurfaceNotFoundError on next page", res.Err)
	}
	if res.Success || len(res.Records) != 10 || res.Pages != 1 {
		t.Errorf("got success=%v records=%d pages=%d, want failure with the first page kept", res.Success, len(res.Records), res.Pages)
	}
	if dumped != 1 {
		t.Errorf("failure hook: got %d calls, want 1", dumped)
	}
}

func TestCrawl_QueryTimeout(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 1))
	surf.NeverLoads = true
	c := testCrawler(Config{QueryTimeout: 10 * time.Millisecond})

	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)
	var qt *report.QueryTimeoutError
	if !errors.As(res.Err, &qt) {
		t.Fatalf("got %v, want QueryTimeoutError", res.Err)
	}
	if qt.Page != 1 {
		t.Errorf("page: got %d", qt.Page)
	}
	if surf.Submits != 2 {
		t.Errorf("submits: got %d, want one per retry attempt", surf.Submits)
	}
}

func TestCrawl_MissingControl(t *testing.T) {
	def, _ := report.Lookup(report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 1))
	surf.Missing[report.RoleToggle] = true
	c := testCrawler(Config{})

	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.GroupScope())
	res := c.Crawl(context.Background(), def, f, surf)
	var sn *report.SurfaceNotFoundError
	if !errors.As(res.Err, &sn) {
		t.Fatalf("got %v, want SurfaceNotFoundError", res.Err)
	}
	if sn.Role != report.RoleToggle {
		t.Errorf("role: got %s", sn.Role)
	}
	if surf.Submits != 0 {
		t.Error("query submitted despite missing control")
	}
}

func membershipPage(store string) string {
	return `<div class="saas-v5-table"><table><tbody>` +
		`<tr><td>1</td><td>` + store + `</td><td></td><td></td><td></td><td></td><td></td><td>100.00</td><td>20.00</td><td>120.00</td></tr>` +
		`</tbody></table></div>`
}

func TestCrawlStores_IsolatesFailures(t *testing.T) {
	def, _ := report.Lookup(report.MembershipPayment)
	stores := []report.Store{
		{Code: "11111111", Name: "山海店"},
		{Code: "22222222", Name: "海港店"},
		{Code: "33333333", Name: "滨江店"},
	}
	open := func(_ context.Context, scope report.Scope) (browser.Surface, error) {
		if scope.Store.Code == "22222222" {
			return nil, &report.SurfaceNotFoundError{Report: def.Type, Pattern: def.SurfacePattern}
		}
		return browsertest.NewSurface(def, membershipPage(scope.Store.Name)), nil
	}
	c := testCrawler(Config{})
	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.AllStoresScope())
	b := c.CrawlStores(context.Background(), def, f, stores, open, nil)

	if b.Succeeded != 2 || b.Failed != 1 {
		t.Fatalf("got %d succeeded %d failed, want 2 and 1", b.Succeeded, b.Failed)
	}
	if b.Results[1].Success || b.Results[1].TargetID() != "22222222" {
		t.Errorf("second result: %+v", b.Results[1])
	}
	recs := b.Records()
	if len(recs) != 2 || recs[0].Text("org_code") != "11111111" || recs[1].Text("org_code") != "33333333" {
		t.Errorf("records: got %v", recs)
	}
}

func TestCrawlStores_SkipsStoredScopes(t *testing.T) {
	def, _ := report.Lookup(report.MembershipPayment)
	stores := []report.Store{
		{Code: "11111111", Name: "山海店"},
		{Code: "22222222", Name: "海港店"},
	}
	var opened []string
	open := func(_ context.Context, scope report.Scope) (browser.Surface, error) {
		opened = append(opened, scope.Store.Code)
		return browsertest.NewSurface(def, membershipPage(scope.Store.Name)), nil
	}
	skip := func(_ context.Context, f report.Filter) bool { return f.Scope.Store.Code == "11111111" }
	c := testCrawler(Config{})
	f := report.NewFilter(day(t, "2025-12-13"), time.Time{}, report.AllStoresScope())
	b := c.CrawlStores(context.Background(), def, f, stores, open, skip)

	if b.Skipped != 1 || b.Succeeded != 1 || b.Failed != 0 {
		t.Fatalf("got skipped=%d succeeded=%d failed=%d, want 1/1/0", b.Skipped, b.Succeeded, b.Failed)
	}
	if len(opened) != 1 || opened[0] != "22222222" {
		t.Errorf("opened: got %v, want only 22222222", opened)
	}
	if !b.Results[0].Skipped || len(b.Results[0].Records) != 0 {
		t.Errorf("first result: got %+v", b.Results[0])
	}
}

func TestCrawlStores_UnsupportedRange(t *testing.T) {
	def, _ := report.Lookup(report.MembershipPayment)
	opened := 0
	open := func(context.Context, report.Scope) (browser.Surface, error) {
		opened++
		return nil, errors.New("unreachable")
	}
	c := testCrawler(Config{})
	f := report.NewFilter(day(t, "2025-12-09"), day(t, "2025-12-10"), report.AllStoresScope())
	b := c.CrawlStores(context.Background(), def, f, []report.Store{{Code: "11111111"}}, open, nil)
	if b.Failed != 1 || opened != 0 || !report.IsConfig(b.Results[0].Err) {
		t.Errorf("got failed=%d opened=%d err=%v", b.Failed, opened, b.Results[0].Err)
	}
}
