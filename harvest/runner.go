// CLAUDE:SUMMARY Run orchestration: plan units, open the browser session, navigate, crawl, persist to every sink, record the run log.
// Package harvest drives a crawl run end to end and exposes it, with the
// stored data and the run history, over HTTP and MCP.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/crawler"
	"github.com/hazyhaar/mtcrawl/internal/debugdump"
	"github.com/hazyhaar/mtcrawl/internal/localstore"
	"github.com/hazyhaar/mtcrawl/internal/navigator"
	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/runlog"
	"github.com/hazyhaar/mtcrawl/internal/session"
)

// ErrRunInProgress is returned when a run is started while another holds
// the browser.
var ErrRunInProgress = errors.New("harvest: a run is already in progress")

// SessionFunc opens the browser page of a run. release is called once the
// run is over.
type SessionFunc func(ctx context.Context) (page browser.Page, release func(), err error)

// EnsureSession opens pages through session.Ensure.
func EnsureSession(cfg session.Config, opts ...session.Option) SessionFunc {
	return func(ctx context.Context) (browser.Page, func(), error) {
		s, err := session.Ensure(ctx, cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s.Page, s.Close, nil
	}
}

// MappingLoader returns organization to remote id entries.
type MappingLoader func(ctx context.Context) (map[string]string, error)

// Runner runs one crawl at a time.
type Runner struct {
	mu sync.Mutex

	open     SessionFunc
	local    *localstore.Store
	remotes  []persist.Sink
	mapping  *persist.Mapping
	loaders  []MappingLoader
	static   map[string]string
	runs     *runlog.Log
	dumper   *debugdump.Dumper
	crawl    crawler.Config
	site     navigator.Site
	navOpts  []navigator.Option
	operator io.Writer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithRemotes adds remote sinks, written after the local one in order.
func WithRemotes(sinks ...persist.Sink) Option {
	return func(r *Runner) { r.remotes = append(r.remotes, sinks...) }
}

// WithMapping sets the mapping shared with the remote sinks. It is rebuilt
// at the start of each run from loaders, earlier loaders winning, then
// gap-filled with static.
func WithMapping(m *persist.Mapping, static map[string]string, loaders ...MappingLoader) Option {
	return func(r *Runner) {
		r.mapping = m
		r.static = static
		r.loaders = loaders
	}
}

func WithRunLog(l *runlog.Log) Option { return func(r *Runner) { r.runs = l } }

// WithDumper writes failure evidence for every failed scope.
func WithDumper(d *debugdump.Dumper) Option { return func(r *Runner) { r.dumper = d } }

func WithCrawler(cfg crawler.Config) Option { return func(r *Runner) { r.crawl = cfg } }

// WithNavigator sets the site anchors and navigator options.
func WithNavigator(site navigator.Site, opts ...navigator.Option) Option {
	return func(r *Runner) {
		r.site = site
		r.navOpts = opts
	}
}

// WithOperator sets where login prompts are written. Default stderr.
func WithOperator(w io.Writer) Option { return func(r *Runner) { r.operator = w } }

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// NewRunner returns a runner writing to local and opening pages with open.
func NewRunner(local *localstore.Store, open SessionFunc, opts ...Option) *Runner {
	r := &Runner{
		open:     open,
		local:    local,
		site:     navigator.DefaultSite(),
		operator: os.Stderr,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.crawl.Logger == nil {
		r.crawl.Logger = r.logger
	}
	return r
}

// Sinks returns the sink names of a run in write order.
func (r *Runner) Sinks(skipRemote bool) []string {
	return persist.NewCoordinator(r.local, r.remotes).Sinks(skipRemote)
}

// Run plans req and crawls every unit. The summary is always returned; the
// error is the one that ended the run early: a caller error, a fatal
// endpoint error or ErrRunInProgress.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()
	st, err := r.begin(ctx, req)
	if err != nil {
		return st.sum, err
	}
	return r.execute(ctx, st)
}

// Start plans req and records the run like Run, then crawls in the
// background. Planning errors and ErrRunInProgress are returned at once.
// done receives the summary when the run is over; ctx bounds the whole run.
func (r *Runner) Start(ctx context.Context, req Request) (runID string, done <-chan *Summary, err error) {
	if !r.mu.TryLock() {
		return "", nil, ErrRunInProgress
	}
	st, err := r.begin(ctx, req)
	if err != nil {
		r.mu.Unlock()
		return "", nil, err
	}
	ch := make(chan *Summary, 1)
	go func() {
		defer r.mu.Unlock()
		sum, _ := r.execute(ctx, st)
		ch <- sum
		close(ch)
	}()
	return st.sum.RunID, ch, nil
}

// started is a planned run.
type started struct {
	req   Request
	units []Unit
	sum   *Summary
}

func (r *Runner) begin(ctx context.Context, req Request) (*started, error) {
	sum := newSummary(r.now())
	units, err := Plan(req, r.now())
	if err != nil {
		r.logger.ErrorContext(ctx, "harvest: invalid request", "error", err)
		sum.fail(err)
		sum.FinishedAt = r.now()
		return &started{sum: sum}, err
	}
	if r.runs != nil {
		id, err := r.runs.Start(ctx, runInfo(req, units))
		if err != nil {
			r.logger.WarnContext(ctx, "harvest: run log unavailable", "error", err)
		} else {
			sum.RunID = id
		}
	}
	return &started{req: req, units: units, sum: sum}, nil
}

func (r *Runner) execute(ctx context.Context, st *started) (*Summary, error) {
	req, units, sum := st.req, st.units, st.sum
	defer func() {
		sum.FinishedAt = r.now()
		if r.runs != nil && sum.RunID != "" {
			r.runs.Finish(context.WithoutCancel(ctx), sum.RunID, sum.err)
		}
	}()
	log := r.logger.With("run", sum.RunID)
	log.InfoContext(ctx, "harvest: run started", "units", len(units), "sinks", strings.Join(r.Sinks(req.SkipRemote), ","))

	if !req.SkipRemote {
		r.refreshMapping(ctx)
	}

	page, release, err := r.open(ctx)
	if err != nil {
		log.ErrorContext(ctx, "harvest: browser session unavailable", "error", err)
		sum.fail(err)
		return sum, err
	}
	if release != nil {
		defer release()
	}

	navOpts := append([]navigator.Option{navigator.WithLogger(r.logger), navigator.WithOperator(r.operator)}, r.navOpts...)
	nav := navigator.New(page, r.site, navOpts...)
	cfg := r.crawl
	cfg.OnFailure = r.onFailure(page)
	cr := crawler.New(cfg)
	p := pass{nav: nav, crawler: cr, onFailure: cfg.OnFailure, force: req.Force}
	coord := persist.NewCoordinator(r.local, r.remotes, persist.WithLogger(r.logger))
	popts := persist.Options{Force: req.Force, SkipRemote: req.SkipRemote}

	aborted := make(map[report.Type]error)
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			sum.fail(err)
			break
		}
		var results []report.CrawlResult
		if cause, ok := aborted[u.Def.Type]; ok {
			results = []report.CrawlResult{report.Failed(u.Def, u.Filter, nil, 0,
				fmt.Errorf("harvest: %s pass aborted: %w", u.Def.Type, cause), r.now())}
		} else {
			results = r.runUnit(ctx, p, u)
		}

		for _, res := range results {
			// Records of a failed scope are still persisted.
			var persisted persist.Result
			if !res.Skipped {
				persisted = coord.Persist(ctx, u.Def, res.Records, popts)
			}
			sum.add(res, persisted)
			if r.runs != nil && sum.RunID != "" {
				r.runs.RecordScope(context.WithoutCancel(ctx), sum.RunID, res, persisted.Sinks)
			}
			if res.Err == nil {
				continue
			}
			if report.Fatal(res.Err) {
				sum.fail(res.Err)
			} else if passFatal(res) {
				if _, done := aborted[u.Def.Type]; !done {
					log.WarnContext(ctx, "harvest: report pass aborted", "report", string(u.Def.Type), "error", res.Err)
				}
				aborted[u.Def.Type] = res.Err
			}
		}
		if sum.err != nil {
			break
		}
	}

	log.InfoContext(ctx, "harvest: run finished", "failed_scopes", sum.Failed(), "error", sum.Error)
	return sum, sum.err
}

// passFatal reports whether res ends its report pass: a login timeout
// anywhere, or a missing surface outside a per-store scope.
func passFatal(res report.CrawlResult) bool {
	var lt *report.LoginTimeoutError
	if errors.As(res.Err, &lt) {
		return true
	}
	return report.PassFatal(res.Err) && !res.Scope.PerStore()
}

// pass is the browsing state shared by the units of one run.
type pass struct {
	nav       *navigator.Navigator
	crawler   *crawler.Crawler
	onFailure func(context.Context, report.Definition, report.Scope, error)
	// force re-crawls stores whose data is already stored.
	force bool
}

func (r *Runner) runUnit(ctx context.Context, p pass, u Unit) []report.CrawlResult {
	def, f := u.Def, u.Filter
	nav, cr := p.nav, p.crawler
	started := r.now()
	if err := nav.EnsureLoggedIn(ctx); err != nil {
		return []report.CrawlResult{report.Failed(def, f, nil, 0, err, started)}
	}

	if f.Scope.Kind == report.ScopeAllStores {
		stores, err := r.stores(ctx, nav)
		if err != nil {
			return []report.CrawlResult{report.Failed(def, f, nil, 0, err, started)}
		}
		open := func(ctx context.Context, scope report.Scope) (browser.Surface, error) {
			return nav.OpenReport(ctx, def, scope)
		}
		var skip crawler.SkipFunc
		if !p.force {
			skip = r.stored(def)
		}
		return cr.CrawlStores(ctx, def, f, stores, open, skip).Results
	}

	if f.Scope.Kind == report.ScopeStore && f.Scope.Store.Name == "" {
		f.Scope.Store.Name = r.storeName(ctx, f.Scope.Store.Code)
	}
	surf, err := nav.OpenReport(ctx, def, f.Scope)
	if err != nil {
		p.onFailure(ctx, def, f.Scope, err)
		return []report.CrawlResult{report.Failed(def, f, nil, 0, err, started)}
	}
	return []report.CrawlResult{cr.Crawl(ctx, def, f, surf)}
}

// stores lists the stores from the dialog and records them, or falls back
// to the local directory when the dialog cannot be read.
func (r *Runner) stores(ctx context.Context, nav *navigator.Navigator) ([]report.Store, error) {
	stores, err := nav.Stores(ctx)
	if err == nil {
		if n, uerr := r.local.UpsertStores(ctx, stores); uerr != nil {
			r.logger.WarnContext(ctx, "harvest: store directory update failed", "error", uerr)
		} else if n > 0 {
			r.logger.InfoContext(ctx, "harvest: store directory updated", "changed", n)
		}
		return stores, nil
	}
	known, lerr := r.local.Stores(ctx)
	if lerr != nil || len(known) == 0 {
		return nil, fmt.Errorf("harvest: no stores known: %w", err)
	}
	r.logger.WarnContext(ctx, "harvest: store discovery failed, using local directory",
		"stores", len(known), "error", err)
	return known, nil
}

// stored reports whether the local database already holds the single-day
// store scope f. A failed lookup crawls the store.
func (r *Runner) stored(def report.Definition) crawler.SkipFunc {
	return func(ctx context.Context, f report.Filter) bool {
		if f.MultiDay() {
			return false
		}
		org := f.Scope.Store.Code
		if def.OrgField == "store_name" {
			org = f.Scope.Store.Name
		}
		ok, err := r.local.Exists(ctx, def, org, report.FormatDate(f.Start))
		if err != nil {
			r.logger.WarnContext(ctx, "harvest: stored data lookup failed", "report", string(def.Type), "store", f.Scope.Store.Code, "error", err)
			return false
		}
		return ok
	}
}

func (r *Runner) storeName(ctx context.Context, code string) string {
	known, err := r.local.Stores(ctx)
	if err != nil {
		return ""
	}
	for _, s := range known {
		if s.Code == code {
			return s.Name
		}
	}
	return ""
}

// refreshMapping rebuilds the shared mapping. A failing loader is logged
// and skipped; the other sources still apply.
func (r *Runner) refreshMapping(ctx context.Context) {
	if r.mapping == nil {
		return
	}
	fresh := persist.NewMapping(nil)
	for i, load := range r.loaders {
		entries, err := load(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "harvest: mapping source failed", "source", i, "error", err)
			continue
		}
		fresh.Fill(entries)
	}
	fresh.Fill(r.static)
	r.mapping.Replace(fresh.Entries())
	r.logger.InfoContext(ctx, "harvest: mapping loaded", "entries", fresh.Len())
}

func (r *Runner) onFailure(page browser.Page) func(context.Context, report.Definition, report.Scope, error) {
	next := r.crawl.OnFailure
	return func(ctx context.Context, def report.Definition, scope report.Scope, err error) {
		if next != nil {
			next(ctx, def, scope, err)
		}
		r.dump(ctx, page, def, scope, err)
	}
}

func (r *Runner) dump(ctx context.Context, src debugdump.Snapshotter, def report.Definition, scope report.Scope, cause error) {
	if r.dumper == nil || src == nil {
		return
	}
	dir, err := r.dumper.Dump(ctx, src, def, scope, cause)
	if err != nil {
		r.logger.WarnContext(ctx, "harvest: failure dump incomplete", "report", string(def.Type), "dir", dir, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "harvest: failure dumped", "report", string(def.Type), "scope", scope.String(), "dir", dir)
}

func runInfo(req Request, units []Unit) runlog.RunInfo {
	info := runlog.RunInfo{Force: req.Force, SkipRemote: req.SkipRemote, PerDay: req.PerDay}
	seen := make(map[report.Type]bool)
	for i, u := range units {
		if !seen[u.Def.Type] {
			seen[u.Def.Type] = true
			info.Reports = append(info.Reports, u.Def.Type)
		}
		from, to := report.FormatDate(u.Filter.Start), report.FormatDate(u.Filter.End)
		if i == 0 || from < info.From {
			info.From = from
		}
		if to > info.To {
			info.To = to
		}
		info.Scope = u.Filter.Scope.Kind.String()
	}
	if req.Store != "" {
		info.Scope += ":" + req.Store
	}
	return info
}
