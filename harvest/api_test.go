package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/mtcrawl/internal/browser/browsertest"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/runlog"
	"github.com/hazyhaar/mtcrawl/shield"
)

func crawledFixture(t *testing.T) *fixture {
	t.Helper()
	def := lookup(t, report.EquityPackageSales)
	p := groupPage()
	p.Surfaces[def.SurfacePattern] = browsertest.NewSurface(def, equityPage(1, 3))
	fx := newFixture(t, p)
	if _, err := fx.runner.Run(context.Background(), Request{Reports: "equity_package_sales"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return fx
}

func TestAPI(t *testing.T) {
	fx := crawledFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(fx.runner, fx.local, fx.runs, quiet())
	srv := httptest.NewServer(svc.Handler(APIConfig{User: "ops", PasswordHash: string(hash)}))
	defer srv.Close()

	do := func(method, path, body string, auth bool) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if auth {
			req.SetBasicAuth("ops", "secret")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		auth   bool
		want   int
	}{
		{"health is public", "GET", "/healthz", "", false, http.StatusOK},
		{"reports need auth", "GET", "/api/reports", "", false, http.StatusUnauthorized},
		{"reports", "GET", "/api/reports", "", true, http.StatusOK},
		{"runs", "GET", "/api/runs?limit=5", "", true, http.StatusOK},
		{"known run", "GET", "/api/runs/run-1", "", true, http.StatusOK},
		{"unknown run", "GET", "/api/runs/run-99", "", true, http.StatusNotFound},
		{"unknown report", "GET", "/api/records/nope", "", true, http.StatusBadRequest},
		{"bad date", "GET", "/api/records/equity_package_sales?from=2025-13-01", "", true, http.StatusBadRequest},
		{"records", "GET", "/api/records/equity_package_sales", "", true, http.StatusOK},
		{"bad crawl body", "POST", "/api/crawl", "{", true, http.StatusBadRequest},
		{"dish range rejected", "POST", "/api/crawl", `{"reports":"dish_sales","from":"2025-12-01","to":"2025-12-05"}`, true, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, _ := do(c.method, c.path, c.body, c.auth)
			if resp.StatusCode != c.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, c.want)
			}
		})
	}

	resp, body := do("GET", "/api/records/equity_package_sales?limit=2", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records status: got %d", resp.StatusCode)
	}
	if got := body["count"]; got != float64(2) {
		t.Errorf("records count: got %v, want 2", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q, want nosniff", got)
	}
}

func TestAPI_RateLimits(t *testing.T) {
	fx := crawledFixture(t)
	ctx := context.Background()
	db := fx.local.DB()
	if err := shield.InitRateLimits(ctx, db); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE rate_limits SET max_requests = 2 WHERE endpoint = ?`, shield.AuthFailureRule); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE rate_limits SET max_requests = 1 WHERE endpoint = 'POST /api/crawl'`); err != nil {
		t.Fatal(err)
	}
	limiter := shield.NewRateLimiter(ctx, db, shield.WithExclude("/healthz"), shield.WithRateLogger(quiet()))
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(fx.runner, fx.local, fx.runs, quiet())
	h := svc.Handler(APIConfig{User: "ops", PasswordHash: string(hash), Limiter: limiter})

	do := func(method, path, body, password string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.RemoteAddr = "192.0.2.10:40000"
		if password != "" {
			req.SetBasicAuth("ops", password)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	// One crawl per window: the second is refused before it reaches the runner.
	if got := do("POST", "/api/crawl", `{"reports":"nope"}`, "secret"); got != http.StatusBadRequest {
		t.Fatalf("first crawl: got %d, want 400", got)
	}
	if got := do("POST", "/api/crawl", `{"reports":"equity_package_sales"}`, "secret"); got != http.StatusTooManyRequests {
		t.Errorf("second crawl: got %d, want 429", got)
	}

	// Guessing passwords locks the client out, right password included.
	for i := range 2 {
		if got := do("GET", "/api/reports", "", "guess"); got != http.StatusUnauthorized {
			t.Fatalf("guess %d: got %d, want 401", i+1, got)
		}
	}
	if got := do("GET", "/api/reports", "", "secret"); got != http.StatusTooManyRequests {
		t.Errorf("after failed logins: got %d, want 429", got)
	}
	if got := do("GET", "/healthz", "", ""); got != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", got)
	}
}

func TestAPI_CrawlInProgress(t *testing.T) {
	fx := newFixture(t, groupPage())
	svc := NewService(fx.runner, fx.local, fx.runs, quiet())
	h := svc.Handler(APIConfig{})

	fx.runner.mu.Lock()
	defer fx.runner.mu.Unlock()

	req := httptest.NewRequest("POST", "/api/crawl", strings.NewReader(`{"reports":"equity_package_sales"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAPI_CrawlRunsInBackground(t *testing.T) {
	fx := crawledFixture(t)
	def := lookup(t, report.EquityPackageSales)
	fx.page.Surfaces[def.SurfacePattern] = browsertest.NewSurface(def, equityPage(1, 3))
	svc := NewService(fx.runner, fx.local, fx.runs, quiet())
	h := svc.Handler(APIConfig{})

	// The client hangs up as soon as the run is accepted.
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/api/crawl", strings.NewReader(`{"reports":"equity_package_sales","from":"2025-12-13"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	cancel()
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d: %s", w.Code, http.StatusAccepted, w.Body)
	}
	var started CrawlStarted
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}
	if started.RunID != "run-2" || started.Status != runlog.StatusRunning {
		t.Errorf("started: got %+v", started)
	}

	svc.Wait()
	run, scopes, err := fx.runs.Get(context.Background(), "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runlog.StatusSucceeded || len(scopes) != 1 || !scopes[0].Success {
		t.Errorf("run: got %+v %+v", run, scopes)
	}
}

func TestService_LifetimeStopsBackgroundRun(t *testing.T) {
	fx := newFixture(t, groupPage())
	def := lookup(t, report.EquityPackageSales)
	surf := browsertest.NewSurface(def, equityPage(1, 1))
	surf.NeverLoads = true
	fx.page.Surfaces[def.SurfacePattern] = surf

	lifetime, stop := context.WithCancel(context.Background())
	svc := NewService(fx.runner, fx.local, fx.runs, quiet(), WithLifetime(lifetime))
	started, err := svc.StartCrawl(context.Background(), Request{Reports: "equity_package_sales"})
	if err != nil {
		t.Fatal(err)
	}
	stop()
	svc.Wait()

	run, _, err := fx.runs.Get(context.Background(), started.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runlog.StatusFailed {
		t.Errorf("status: got %s, want %s", run.Status, runlog.StatusFailed)
	}
	if _, err := fx.runner.Run(context.Background(), Request{Reports: "equity_package_sales"}); errors.Is(err, ErrRunInProgress) {
		t.Error("runner still locked after the background run")
	}
}

func TestMCPTools(t *testing.T) {
	fx := crawledFixture(t)
	svc := NewService(fx.runner, fx.local, fx.runs, quiet())

	srv := mcp.NewServer(&mcp.Implementation{Name: "mtcrawl-test", Version: "1.0"}, nil)
	svc.RegisterMCP(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverT, clientT := mcp.NewInMemoryTransports()
	go srv.Run(ctx, serverT)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "1.0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	call := func(name string, args map[string]any) (string, bool) {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(res.Content) == 0 {
			t.Fatalf("%s: empty content", name)
		}
		return res.Content[0].(*mcp.TextContent).Text, res.IsError
	}

	text, isErr := call("mtcrawl_reports", map[string]any{})
	if isErr {
		t.Fatalf("mtcrawl_reports: %s", text)
	}
	var reports []ReportInfo
	if err := json.Unmarshal([]byte(text), &reports); err != nil {
		t.Fatal(err)
	}
	if len(reports) != len(report.All()) {
		t.Errorf("reports: got %d, want %d", len(reports), len(report.All()))
	}
	for _, r := range reports {
		if r.Type == string(report.EquityPackageSales) && r.Stored != 3 {
			t.Errorf("equity stored: got %d, want 3", r.Stored)
		}
	}

	text, isErr = call("mtcrawl_records", map[string]any{"report": "equity_package_sales", "org": "MD00002"})
	if isErr {
		t.Fatalf("mtcrawl_records: %s", text)
	}
	var recs RecordsResponse
	if err := json.Unmarshal([]byte(text), &recs); err != nil {
		t.Fatal(err)
	}
	if recs.Count != 1 {
		t.Errorf("records for MD00002: got %d, want 1", recs.Count)
	}

	text, isErr = call("mtcrawl_runs", map[string]any{"id": "run-1"})
	if isErr {
		t.Fatalf("mtcrawl_runs: %s", text)
	}
	var detail RunDetail
	if err := json.Unmarshal([]byte(text), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Run.ID != "run-1" || len(detail.Scopes) != 1 {
		t.Errorf("run detail: got %+v", detail)
	}

	if _, isErr = call("mtcrawl_records", map[string]any{"report": "nope"}); !isErr {
		t.Error("unknown report: want tool error")
	}
}
