// CLAUDE:SUMMARY Entry point for mtcrawl: cobra root, config and logging setup, local store wiring, exit codes.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/mtcrawl/harvest"
	"github.com/hazyhaar/mtcrawl/internal/config"
	"github.com/hazyhaar/mtcrawl/internal/localstore"
	"github.com/hazyhaar/mtcrawl/internal/runlog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string) int {
	a := &app{}
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "mtcrawl:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "mtcrawl:", err)
	var ce *config.Error
	if errors.As(err, &ce) || harvest.IsConfigError(err) {
		return 2
	}
	return 1
}

// app is the state shared by the subcommands.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	local  *localstore.Store
	runs   *runlog.Log
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mtcrawl",
		Version:       version,
		Short:         "mtcrawl crawls Meituan merchant dashboard reports into SQLite and remote stores.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")

	root.AddCommand(
		newCrawlCmd(a),
		newReportsCmd(a),
		newRunsCmd(a),
		newSyncCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
	)
	return root
}

// setup loads the config and configures logging. A missing config file
// falls back to the defaults.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	// stdout belongs to tables and the MCP stdio transport.
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(a.logger)
	a.cfg = cfg
	return nil
}

// openStore opens the local database and the run log, and prunes old runs
// when a retention is configured.
func (a *app) openStore(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	st := a.cfg.Storage
	db, err := localstore.Open(st.Path, localstore.WithBusyTimeout(st.BusyTimeout), localstore.WithSynchronous(st.Synchronous))
	if err != nil {
		return err
	}
	runs := runlog.New(db, runlog.WithLogger(a.logger))
	if err := runs.Migrate(ctx); err != nil {
		db.Close()
		return err
	}
	if days := a.cfg.Storage.RetentionDays; days > 0 {
		if n, err := runs.Cleanup(ctx, days); err != nil {
			a.logger.Warn("run log cleanup", "error", err)
		} else if n > 0 {
			a.logger.Info("run log cleanup", "removed", n, "days", days)
		}
	}
	a.db = db
	a.local = localstore.New(db, localstore.WithLogger(a.logger))
	a.runs = runs
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
