package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/mtcrawl/harvest"
	"github.com/hazyhaar/mtcrawl/internal/config"
	"github.com/hazyhaar/mtcrawl/internal/crawler"
	"github.com/hazyhaar/mtcrawl/internal/debugdump"
	"github.com/hazyhaar/mtcrawl/internal/navigator"
	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/remotestore"
	"github.com/hazyhaar/mtcrawl/internal/retry"
	"github.com/hazyhaar/mtcrawl/internal/session"
)

func newCrawlCmd(a *app) *cobra.Command {
	var req harvest.Request
	cmd := &cobra.Command{
		Use:   "crawl --report <type|all> [--date YYYY-MM-DD] [--end YYYY-MM-DD] [--store CODE | --all-stores]",
		Short: "Crawl reports through the attached browser and persist them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			runner, release, err := a.runner(ctx)
			if err != nil {
				return err
			}
			defer release()

			a.logger.Info("mtcrawl: crawl starting", "reports", req.Reports, "db", a.cfg.Storage.Path, "sinks", runner.Sinks(req.SkipRemote))
			sum, err := runner.Run(ctx, req)
			if sum == nil {
				return err
			}
			sum.Render(cmd.OutOrStdout())
			if code := sum.ExitCode(); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Reports, "report", "", "report type, comma separated types, or all")
	f.StringVar(&req.From, "date", "", "first date, YYYY-MM-DD (default yesterday)")
	f.StringVar(&req.To, "end", "", "last date, YYYY-MM-DD (default --date)")
	f.StringVar(&req.Store, "store", "", "merchant code to crawl")
	f.BoolVar(&req.AllStores, "all-stores", false, "iterate every store")
	f.BoolVar(&req.Force, "force", false, "overwrite stored values even when lower")
	f.BoolVar(&req.SkipRemote, "skip-remote", false, "write the local database only")
	f.BoolVar(&req.PerDay, "per-day", false, "crawl a range one day at a time")
	cmd.MarkFlagRequired("report")
	return cmd
}

// runner wires the configured sinks, mapping sources, dumper and browser
// session into a harvest.Runner. release closes the remote connections.
func (a *app) runner(ctx context.Context) (*harvest.Runner, func(), error) {
	cfg := a.cfg
	mapping := persist.NewMapping(nil)
	var (
		remotes []persist.Sink
		loaders []harvest.MappingLoader
		closers []func()
	)
	release := func() {
		for _, c := range closers {
			c()
		}
	}

	breaker := func(name string) *retry.Breaker {
		return retry.NewBreaker(name,
			retry.WithThreshold(cfg.Remote.Breaker.Threshold),
			retry.WithCooldown(cfg.Remote.Breaker.Cooldown))
	}

	if pc := cfg.Remote.PostgREST; pc.Enabled {
		pg := remotestore.NewPostgREST(remotestore.PostgRESTConfig{
			URL:     pc.URL,
			Key:     pc.Key,
			Token:   pc.Token,
			Schema:  pc.Schema,
			Timeout: pc.Timeout,
		}, mapping, remotestore.WithLogger(a.logger), remotestore.WithBreaker(breaker("postgrest")))
		remotes = append(remotes, pg)
		loaders = append(loaders, pg.LoadMapping)
	}

	if lc := cfg.Remote.LibSQL; lc.Enabled {
		db, err := remotestore.OpenLibSQL(lc.DSN, lc.Token)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })
		ls := remotestore.NewLibSQL(db, mapping, remotestore.WithLogger(a.logger), remotestore.WithBreaker(breaker("libsql")))
		if lc.Migrate {
			if err := ls.Migrate(ctx); err != nil {
				release()
				return nil, nil, err
			}
		}
		remotes = append(remotes, ls)
		loaders = append(loaders, ls.LoadMapping)
	}
	loaders = append(loaders, a.local.MappingEntries)

	opts := []harvest.Option{
		harvest.WithLogger(a.logger),
		harvest.WithOperator(os.Stderr),
		harvest.WithRunLog(a.runs),
		harvest.WithRemotes(remotes...),
		harvest.WithMapping(mapping, cfg.Mapping, loaders...),
		harvest.WithCrawler(crawlerConfig(cfg)),
		harvest.WithNavigator(navigator.DefaultSite(), navigatorOptions(cfg)...),
	}
	if cfg.Debug.DumpOnFailure {
		opts = append(opts, harvest.WithDumper(debugdump.New(cfg.Debug.Dir, debugdump.WithLogger(a.logger))))
	}
	return harvest.NewRunner(a.local, harvest.EnsureSession(sessionConfig(cfg, a)), opts...), release, nil
}

func crawlerConfig(cfg *config.Config) crawler.Config {
	c := cfg.Crawl
	return crawler.Config{
		MaxPages:     c.MaxPages,
		QueryTimeout: c.QueryTimeout,
		Poll:         c.Poll,
		Settle:       c.Settle,
		QueryRetry:   retry.Backoff(c.QueryRetries, c.Poll),
	}
}

func navigatorOptions(cfg *config.Config) []navigator.Option {
	c := cfg.Crawl
	return []navigator.Option{
		navigator.WithLogin(c.LoginPoll, c.LoginTimeout),
		navigator.WithNavRetry(retry.Backoff(c.NavAttempts, c.Settle)),
		navigator.WithSurfaceRetry(retry.Fixed(c.SurfaceAttempts, c.Poll)),
		navigator.WithSettle(c.Settle),
	}
}

func sessionConfig(cfg *config.Config, a *app) session.Config {
	b := cfg.Browser
	site := navigator.DefaultSite()
	start := b.StartURL
	if start == "" {
		start = site.Home
	}
	return session.Config{
		Endpoint:        b.Endpoint,
		ChromePath:      b.ChromePath,
		ProfileDir:      b.ProfileDir,
		StartURL:        start,
		SiteHost:        site.AppHost,
		Headless:        b.Headless,
		LaunchAttempts:  b.LaunchAttempts,
		LaunchBackoff:   b.LaunchBackoff,
		CheckTimeout:    b.CheckTimeout,
		EvalTimeout:     b.EvalTimeout,
		NavigateTimeout: b.NavigateTimeout,
		CloseLaunched:   b.CloseLaunched,
		Logger:          a.logger,
	}
}
