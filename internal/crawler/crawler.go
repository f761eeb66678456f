// CLAUDE:SUMMARY Shared report protocol: validate, set controls idempotently, query, wait for results, extract, paginate, iterate stores.
// Package crawler runs the extraction protocol common to every report on
// a resolved surface. It knows nothing of navigation: callers hand it a
// surface, or an open function per store.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/extract"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

// Config tunes the crawler.
type Config struct {
	// MaxPages caps pagination. Default 200.
	MaxPages int
	// QueryTimeout bounds one wait for results. Default 30s.
	QueryTimeout time.Duration
	// Poll is the interval between load checks. Default 500ms.
	Poll time.Duration
	// Settle is the pause between submit and the first load check.
	Settle time.Duration
	// QueryRetry re-submits a query whose results never loaded.
	QueryRetry retry.Policy
	// OnFailure observes every failed scope, e.g. to dump the page.
	OnFailure func(ctx context.Context, def report.Definition, scope report.Scope, err error)
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.Poll <= 0 {
		c.Poll = 500 * time.Millisecond
	}
	if c.QueryRetry.Attempts <= 0 {
		c.QueryRetry = retry.Fixed(2, time.Second)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Crawler is stateless between crawls.
type Crawler struct {
	cfg Config
}

// New returns a crawler.
func New(cfg Config) *Crawler {
	cfg.defaults()
	return &Crawler{cfg: cfg}
}

// OpenFunc resolves the surface of one scope.
type OpenFunc func(ctx context.Context, scope report.Scope) (browser.Surface, error)

// SkipFunc reports whether a per-store filter needs no crawl.
type SkipFunc func(ctx context.Context, f report.Filter) bool

var errNotLoaded = errors.New("crawler: results not loaded")

// roles resolved once per crawl; optional ones may be zero.
type roles struct {
	table, submit, start, end report.Selector
	next, loading, empty      report.Selector
	toggle, choice            report.Selector
	hasNext                   bool
}

func resolve(def report.Definition) (roles, error) {
	var r roles
	var err error
	for _, req := range []struct {
		role report.Role
		dst  *report.Selector
	}{
		{report.RoleTable, &r.table},
		{report.RoleSubmit, &r.submit},
		{report.RoleDateStart, &r.start},
		{report.RoleDateEnd, &r.end},
	} {
		if *req.dst, err = def.Selector(req.role); err != nil {
			return r, err
		}
	}
	if len(def.Toggles) > 0 {
		if r.toggle, err = def.Selector(report.RoleToggle); err != nil {
			return r, err
		}
	}
	if len(def.Choices) > 0 {
		if r.choice, err = def.Selector(report.RoleChoice); err != nil {
			return r, err
		}
	}
	r.next, r.hasNext = def.Selectors[report.RoleNextPage]
	r.loading = def.Selectors[report.RoleLoading]
	r.empty = def.Selectors[report.RoleEmpty]
	return r, nil
}

func missing(def report.Definition, role report.Role, err error) error {
	var nf *browser.NotFoundError
	if errors.As(err, &nf) {
		return &report.SurfaceNotFoundError{Report: def.Type, Pattern: def.SurfacePattern, Role: role, Err: err}
	}
	return fmt.Errorf("crawler: %s %s: %w", def.Type, role, err)
}

// Crawl runs the protocol for one scope on surf. The filter is validated
// before the surface is touched.
func (c *Crawler) Crawl(ctx context.Context, def report.Definition, f report.Filter, surf browser.Surface) report.CrawlResult {
	started := time.Now()
	if err := f.Validate(def); err != nil {
		return report.Failed(def, f, nil, 0, err, started)
	}
	log := c.cfg.Logger.With("report", string(def.Type), "date", report.FormatDate(f.Start), "scope", f.Scope.String())

	r, err := resolve(def)
	if err != nil {
		return c.failed(ctx, def, f, nil, 0, err, started)
	}
	if err := c.apply(ctx, def, f, surf, r); err != nil {
		return c.failed(ctx, def, f, nil, 0, err, started)
	}
	records, pages, err := c.collect(ctx, def, f, surf, r)
	if err != nil {
		log.WarnContext(ctx, "crawler: scope failed", "pages", pages, "records", len(records), "error", err)
		return c.failed(ctx, def, f, records, pages, err, started)
	}
	log.InfoContext(ctx, "crawler: scope done", "pages", pages, "records", len(records),
		"elapsed_ms", time.Since(started).Milliseconds())
	return report.Succeeded(def, f, records, pages, started)
}

func (c *Crawler) failed(ctx context.Context, def report.Definition, f report.Filter, records []report.Record, pages int, err error, started time.Time) report.CrawlResult {
	if c.cfg.OnFailure != nil && !report.IsConfig(err) {
		c.cfg.OnFailure(ctx, def, f.Scope, err)
	}
	return report.Failed(def, f, records, pages, err, started)
}

// apply sets the filter controls. Every setter is a no-op when the control
// already holds the wanted value.
func (c *Crawler) apply(ctx context.Context, def report.Definition, f report.Filter, surf browser.Surface, r roles) error {
	log := c.cfg.Logger
	if def.Expand != "" {
		expand := report.Selector{CSS: "button, a, span", Text: def.Expand}
		if ok, err := surf.Click(ctx, expand); err != nil {
			return missing(def, "expand", err)
		} else if ok {
			log.DebugContext(ctx, "crawler: expanded filters", "report", string(def.Type))
		}
	}

	layout := def.DateLayout
	if layout == "" {
		layout = report.DateLayout
	}
	if _, err := surf.Fill(ctx, r.start, f.Start.Format(layout)); err != nil {
		return missing(def, report.RoleDateStart, err)
	}
	if _, err := surf.Fill(ctx, r.end, f.End.Format(layout)); err != nil {
		return missing(def, report.RoleDateEnd, err)
	}
	for _, t := range def.Toggles {
		changed, err := surf.SetChecked(ctx, r.toggle, t.Label, f.Toggle(t))
		if err != nil {
			return missing(def, report.RoleToggle, err)
		}
		if changed {
			log.DebugContext(ctx, "crawler: toggle set", "report", string(def.Type), "label", t.Label, "on", f.Toggle(t))
		}
	}
	for _, ch := range def.Choices {
		if _, err := surf.Choose(ctx, r.choice, ch.Control, ch.Option); err != nil {
			return missing(def, report.RoleChoice, err)
		}
	}
	return nil
}

// waitLoaded polls until the spinner is gone and either the empty
// placeholder shows or the table holds HTML different from prev. It returns
// "" for an empty result.
func (c *Crawler) waitLoaded(ctx context.Context, def report.Definition, surf browser.Surface, r roles, prev string, page int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	polls := int(c.cfg.QueryTimeout/c.cfg.Poll) + 1
	html, err := retry.Value(ctx, retry.Fixed(polls, c.cfg.Poll), nil, "crawler.wait", func(ctx context.Context) (string, error) {
		if r.loading.CSS != "" {
			busy, err := surf.Exists(ctx, r.loading)
			if err != nil {
				return "", err
			}
			if busy {
				return "", errNotLoaded
			}
		}
		if r.empty.CSS != "" {
			empty, err := surf.Exists(ctx, r.empty)
			if err != nil {
				return "", err
			}
			if empty {
				return "", nil
			}
		}
		ok, err := surf.Exists(ctx, r.table)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errNotLoaded
		}
		html, err := surf.HTML(ctx, r.table)
		if err != nil {
			return "", err
		}
		if html == "" || html == prev {
			return "", errNotLoaded
		}
		return html, nil
	})
	if err != nil {
		return "", &report.QueryTimeoutError{Report: def.Type, Page: page, Timeout: c.cfg.QueryTimeout, Err: err}
	}
	return html, nil
}

func (c *Crawler) pause(ctx context.Context) {
	if c.cfg.Settle <= 0 {
		return
	}
	t := time.NewTimer(c.cfg.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// submit clicks the query button and waits for the first page, re-submitting
// per QueryRetry.
func (c *Crawler) submit(ctx context.Context, def report.Definition, surf browser.Surface, r roles) (string, error) {
	return retry.Value(ctx, c.cfg.QueryRetry, c.cfg.Logger, "crawler.query", func(ctx context.Context) (string, error) {
		ok, err := surf.Click(ctx, r.submit)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", retry.Permanent(&report.SurfaceNotFoundError{
				Report: def.Type, Pattern: def.SurfacePattern, Role: report.RoleSubmit,
			})
		}
		c.pause(ctx)
		return c.waitLoaded(ctx, def, surf, r, "", 1)
	})
}

func (c *Crawler) collect(ctx context.Context, def report.Definition, f report.Filter, surf browser.Surface, r roles) ([]report.Record, int, error) {
	html, err := c.submit(ctx, def, surf, r)
	if err != nil {
		var qt *report.QueryTimeoutError
		if errors.As(err, &qt) {
			return nil, 0, qt
		}
		return nil, 0, err
	}
	if total, err := surf.Text(ctx, def.Selectors[report.RoleTotal]); err == nil {
		if n, ok := extract.ParseTotal(total); ok {
			c.cfg.Logger.DebugContext(ctx, "crawler: result total", "report", string(def.Type), "total", n)
		}
	}

	ectx := extract.ContextFor(f)
	var records []report.Record
	pages := 0
	for {
		if html != "" {
			recs, err := extract.Parse(def, html, ectx)
			if err != nil {
				return records, pages, fmt.Errorf("crawler: %s page %d: %w", def.Type, pages+1, err)
			}
			records = append(records, recs...)
		}
		pages++
		if html == "" || !r.hasNext {
			return records, pages, nil
		}
		present, enabled, err := surf.Enabled(ctx, r.next)
		if err != nil {
			return records, pages, fmt.Errorf("crawler: %s next page: %w", def.Type, err)
		}
		if !present || !enabled {
			return records, pages, nil
		}
		if pages >= c.cfg.MaxPages {
			return records, pages, &report.PaginationOverrunError{Report: def.Type, MaxPages: c.cfg.MaxPages}
		}
		clicked, err := surf.Click(ctx, r.next)
		if err != nil {
			return records, pages, fmt.Errorf("crawler: %s next page: %w", def.Type, err)
		}
		if !clicked {
			// Reported enabled but gone: stopping here would truncate the result.
			return records, pages, &report.SurfaceNotFoundError{
				Report: def.Type, Pattern: def.SurfacePattern, Role: report.RoleNextPage,
			}
		}
		if html, err = c.waitLoaded(ctx, def, surf, r, html, pages+1); err != nil {
			return records, pages, err
		}
	}
}

// CrawlStores runs the protocol once per store. A failing store becomes a
// failed result and the next store proceeds. A store for which skip returns
// true is neither opened nor crawled; skip may be nil.
func (c *Crawler) CrawlStores(ctx context.Context, def report.Definition, f report.Filter, stores []report.Store, open OpenFunc, skip SkipFunc) report.Batch {
	if err := f.Validate(def); err != nil {
		return report.NewBatch(def.Type, []report.CrawlResult{report.Failed(def, f, nil, 0, err, time.Now())})
	}
	results := make([]report.CrawlResult, 0, len(stores))
	for _, s := range stores {
		sf := f.ForStore(s)
		started := time.Now()
		if err := ctx.Err(); err != nil {
			results = append(results, report.Failed(def, sf, nil, 0, err, started))
			continue
		}
		if skip != nil && skip(ctx, sf) {
			c.cfg.Logger.InfoContext(ctx, "crawler: store already stored, skipped",
				"report", string(def.Type), "store", s.Code, "date", report.FormatDate(sf.Start))
			results = append(results, report.Skip(def, sf))
			continue
		}
		surf, err := open(ctx, sf.Scope)
		if err != nil {
			c.cfg.Logger.WarnContext(ctx, "crawler: store unavailable",
				"report", string(def.Type), "store", s.Code, "error", err)
			results = append(results, c.failed(ctx, def, sf, nil, 0, err, started))
			continue
		}
		results = append(results, c.Crawl(ctx, def, sf, surf))
	}
	return report.NewBatch(def.Type, results)
}
