package debugdump

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/browser"
	"github.com/hazyhaar/mtcrawl/internal/browser/browsertest"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newDumper(t *testing.T) (*Dumper, string) {
	t.Helper()
	root := t.TempDir()
	d := New(root,
		WithClock(func() time.Time { return time.Date(2025, 12, 14, 9, 30, 0, 0, time.UTC) }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return d, root
}

func TestDump(t *testing.T) {
	d, root := newDumper(t)
	def, _ := report.Lookup(report.DishSales)
	page := browsertest.NewPage(def.URL)

	dir, err := d.Dump(context.Background(), page, def, report.StoreScope(report.Store{Code: "15672301"}), errors.New("query timed out"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, "20251214T093000_dish_sales_15672301"); dir != want {
		t.Errorf("dir: got %s, want %s", dir, want)
	}
	if got := read(t, filepath.Join(dir, "error.txt")); !strings.Contains(got, "query timed out") || !strings.Contains(got, def.URL) {
		t.Errorf("error.txt: got %q", got)
	}
	if got := read(t, filepath.Join(dir, "page.html")); strings.Contains(got, "<script") || !strings.Contains(got, "snapshot") {
		t.Errorf("page.html not sanitized: %q", got)
	}
	if got := read(t, filepath.Join(dir, "page.md")); !strings.Contains(got, "snapshot") {
		t.Errorf("page.md: got %q", got)
	}
	if got := read(t, filepath.Join(dir, "screenshot.png")); !strings.HasPrefix(got, "\x89PNG") {
		t.Errorf("screenshot.png: got %q", got)
	}
}

type brokenPage struct{}

func (brokenPage) Snapshot(context.Context) (*browser.Snapshot, error) {
	return nil, errors.New("target closed")
}

func TestDump_SnapshotFailureKeepsErrorText(t *testing.T) {
	d, _ := newDumper(t)
	def, _ := report.Lookup(report.EquityPackageSales)
	dir, err := d.Dump(context.Background(), brokenPage{}, def, report.GroupScope(), errors.New("surface missing"))
	if err == nil {
		t.Fatal("want snapshot error")
	}
	got := read(t, filepath.Join(dir, "error.txt"))
	if !strings.Contains(got, "surface missing") || !strings.Contains(got, "target closed") {
		t.Errorf("error.txt: got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "page.html")); !os.IsNotExist(err) {
		t.Errorf("page.html should not exist: %v", err)
	}
}
