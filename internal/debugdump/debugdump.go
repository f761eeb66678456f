// CLAUDE:SUMMARY Writes failure evidence (screenshot, sanitized HTML, markdown, error text) for a failed crawl scope.
package debugdump

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Snapshotter captures the current page.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*browser.Snapshot, error)
}

// Dumper writes one directory per failure under Dir.
type Dumper struct {
	dir    string
	policy *bluemonday.Policy
	md     *converter.Converter
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Dumper.
type Option func(*Dumper)

func WithLogger(l *slog.Logger) Option       { return func(d *Dumper) { d.logger = l } }
func WithClock(now func() time.Time) Option { return func(d *Dumper) { d.now = now } }

// New returns a Dumper writing under dir.
func New(dir string, opts ...Option) *Dumper {
	d := &Dumper{
		dir:    dir,
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Dump captures src and writes the evidence for a failed (report, scope).
// It returns the directory written. A failed capture still leaves the
// error text behind.
func (d *Dumper) Dump(ctx context.Context, src Snapshotter, def report.Definition, scope report.Scope, cause error) (string, error) {
	name := fmt.Sprintf("%s_%s_%s", d.now().Format("20060102T150405"), def.Type, scope.ID())
	dir := filepath.Join(d.dir, unsafeName.ReplaceAllString(name, "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("debugdump: mkdir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "report: %s\nscope: %s\n", def.Type, scope)
	if cause != nil {
		fmt.Fprintf(&b, "error: %v\n", cause)
	}

	snap, snapErr := src.Snapshot(ctx)
	if snap != nil {
		fmt.Fprintf(&b, "url: %s\n", snap.URL)
	}
	if snapErr != nil {
		fmt.Fprintf(&b, "snapshot error: %v\n", snapErr)
	}
	if err := os.WriteFile(filepath.Join(dir, "error.txt"), []byte(b.String()), 0o644); err != nil {
		return dir, fmt.Errorf("debugdump: write error.txt: %w", err)
	}
	if snap == nil {
		return dir, snapErr
	}

	if len(snap.PNG) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), snap.PNG, 0o644); err != nil {
			return dir, fmt.Errorf("debugdump: write screenshot: %w", err)
		}
	}
	if snap.HTML != "" {
		clean := d.policy.Sanitize(snap.HTML)
		if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(clean), 0o644); err != nil {
			return dir, fmt.Errorf("debugdump: write html: %w", err)
		}
		md, err := d.md.ConvertString(clean)
		if err != nil {
			d.logger.Warn("debugdump: markdown conversion failed", "dir", dir, "error", err)
		} else if err := os.WriteFile(filepath.Join(dir, "page.md"), []byte(strings.TrimSpace(md)+"\n"), 0o644); err != nil {
			return dir, fmt.Errorf("debugdump: write markdown: %w", err)
		}
	}
	d.logger.Info("debugdump: failure captured", "report", string(def.Type), "scope", scope.ID(), "dir", dir)
	return dir, snapErr
}
