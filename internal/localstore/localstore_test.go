package localstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1765584000, 0)}
	s := New(OpenMemory(t), WithClock(c.now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return s, c
}

func lookup(t *testing.T, typ report.Type) report.Definition {
	t.Helper()
	def, err := report.Lookup(typ)
	if err != nil {
		t.Fatal(err)
	}
	return def
}

func equity(pkg string, qty int64, total float64) report.Record {
	return report.Record{
		"org_code": "15672301", "store_name": "山海店", "date": "2025-12-13", "package_name": pkg,
		"unit_price": 99.0, "quantity_sold": qty, "total_sales": total,
		"refund_quantity": int64(0), "refund_amount": 0.0,
	}
}

func updatedAt(t *testing.T, s *Store, pkg string) int64 {
	t.Helper()
	var ts int64
	err := s.DB().QueryRow(`SELECT updated_at FROM mt_equity_package_sales WHERE package_name = ?`, pkg).Scan(&ts)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestOpen_Pragmas(t *testing.T) {
	db := OpenMemory(t)
	var fk, busy int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if fk != 1 || busy != 10000 {
		t.Errorf("got foreign_keys=%d busy_timeout=%d, want 1 and 10000", fk, busy)
	}
}

func TestOpen_TunedPragmas(t *testing.T) {
	db := OpenMemory(t, WithBusyTimeout(2500*time.Millisecond), WithSynchronous("full"))
	var busy, sync int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	// synchronous reports FULL as 2.
	if busy != 2500 || sync != 2 {
		t.Errorf("got busy_timeout=%d synchronous=%d, want 2500 and 2", busy, sync)
	}
}

func TestOpen_CreatesDirAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mtcrawl.db")
	for range 2 {
		db, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		db.Close()
	}
}

func TestTableDDL(t *testing.T) {
	ddl := TableDDL(lookup(t, report.DishSales))
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS mt_dish_sales",
		"sales_quantity INTEGER",
		"sales_amount REAL",
		"dish_name TEXT NOT NULL",
		"UNIQUE (store_name, business_date, dish_name)",
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("ddl missing %q:\n%s", want, ddl)
		}
	}
}

func TestWrite_InsertThenUnchanged(t *testing.T) {
	s, c := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	ctx := context.Background()
	recs := []report.Record{equity("月卡", 3, 297), equity("季卡", 1, 298), equity("年卡", 2, 1998)}

	for _, r := range recs {
		out, err := s.Write(ctx, def, r, false)
		if err != nil || out != persist.Inserted {
			t.Fatalf("first write: got %v, %v, want inserted", out, err)
		}
	}
	if n, _ := s.Count(ctx, def); n != 3 {
		t.Fatalf("rows: got %d, want 3", n)
	}
	before := updatedAt(t, s, "月卡")

	c.t = c.t.Add(time.Hour)
	for _, r := range recs {
		out, err := s.Write(ctx, def, r, false)
		if err != nil || out != persist.Unchanged {
			t.Fatalf("second write: got %v, %v, want unchanged", out, err)
		}
	}
	if n, _ := s.Count(ctx, def); n != 3 {
		t.Errorf("rows after re-persist: got %d, want 3", n)
	}
	if after := updatedAt(t, s, "月卡"); after != before {
		t.Errorf("updated_at moved on a no-op write: got %d, want %d", after, before)
	}
}

func TestWrite_LowerKeptForceOverwrites(t *testing.T) {
	s, c := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	ctx := context.Background()

	if _, err := s.Write(ctx, def, equity("月卡", 5, 495), false); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Minute)
	out, err := s.Write(ctx, def, equity("月卡", 3, 297), false)
	if err != nil || out != persist.Unchanged {
		t.Fatalf("lower write: got %v, %v, want unchanged", out, err)
	}
	recs, err := s.Records(ctx, def, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if got := recs[0]["quantity_sold"]; got != int64(5) {
		t.Errorf("quantity_sold: got %v, want 5", got)
	}

	c.t = c.t.Add(time.Minute)
	out, err = s.Write(ctx, def, equity("月卡", 3, 297), true)
	if err != nil || out != persist.Updated {
		t.Fatalf("forced write: got %v, %v, want updated", out, err)
	}
	recs, _ = s.Records(ctx, def, Query{})
	if got := recs[0]["total_sales"]; got != 297.0 {
		t.Errorf("total_sales: got %v, want 297", got)
	}
	if got := updatedAt(t, s, "月卡"); got != c.t.Unix() {
		t.Errorf("updated_at: got %d, want %d", got, c.t.Unix())
	}
}

func TestWrite_BlobRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	def := lookup(t, report.BusinessSummary)
	ctx := context.Background()
	rec := report.Record{
		"store_name": "山海店", "business_date": "2025-12-13", "revenue": 12000.5,
		"order_count": int64(120), "composition_data": json.RawMessage(`{"堂食":{"revenue":9000}}`),
	}
	if out, err := s.Write(ctx, def, rec, false); err != nil || out != persist.Inserted {
		t.Fatalf("got %v, %v", out, err)
	}
	if out, err := s.Write(ctx, def, rec, false); err != nil || out != persist.Unchanged {
		t.Fatalf("re-write: got %v, %v, want unchanged", out, err)
	}
	recs, err := s.Records(ctx, def, Query{From: "2025-12-13", To: "2025-12-13"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("records: got %d, %v", len(recs), err)
	}
	blob, ok := recs[0]["composition_data"].(json.RawMessage)
	if !ok || !strings.Contains(string(blob), "堂食") {
		t.Errorf("composition_data: got %#v", recs[0]["composition_data"])
	}
}

func TestWrite_RejectsKeylessRecord(t *testing.T) {
	s, _ := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	rec := equity("", 1, 99)
	if out, err := s.Write(context.Background(), def, rec, false); err == nil || out != persist.Failed {
		t.Errorf("got %v, %v, want failed", out, err)
	}
}

func TestStores_DirectoryFromDiscoveryAndRecords(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	n, err := s.UpsertStores(ctx, []report.Store{
		{Code: "15672301", Name: "山海店(旧)"},
		{Code: "15672302", Name: "江南店"},
		{Code: " ", Name: "ignored"},
	})
	if err != nil || n != 2 {
		t.Fatalf("UpsertStores: got %d, %v, want 2", n, err)
	}
	if n, _ := s.UpsertStores(ctx, []report.Store{{Code: "15672302", Name: "江南店"}}); n != 0 {
		t.Errorf("unchanged upsert: got %d, want 0", n)
	}

	// An equity record renames the store it carries.
	if _, err := s.Write(ctx, lookup(t, report.EquityPackageSales), equity("月卡", 1, 99), false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Stores(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []report.Store{{Code: "15672301", Name: "山海店"}, {Code: "15672302", Name: "江南店"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stores (-want +got):\n%s", diff)
	}
}

func TestMappingEntries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if err := s.SetMapping(ctx, "15672301", "r-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMapping(ctx, "山海店", "r-1", "business summary"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMapping(ctx, "15672301", "r-9", "moved"); err != nil {
		t.Fatal(err)
	}
	got, err := s.MappingEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"15672301": "r-9", "山海店": "r-1"}, got); diff != "" {
		t.Errorf("mapping (-want +got):\n%s", diff)
	}
}

func TestRecords_Filters(t *testing.T) {
	s, _ := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	ctx := context.Background()
	for i, d := range []string{"2025-12-11", "2025-12-12", "2025-12-13"} {
		r := equity("月卡", int64(i+1), 99*float64(i+1))
		r["date"] = d
		if _, err := s.Write(ctx, def, r, false); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.Records(ctx, def, Query{From: "2025-12-12", Org: "15672301", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	var dates []string
	for _, r := range recs {
		dates = append(dates, r.Text("date"))
	}
	if diff := cmp.Diff([]string{"2025-12-13", "2025-12-12"}, dates); diff != "" {
		t.Errorf("dates (-want +got):\n%s", diff)
	}
	if recs, _ := s.Records(ctx, def, Query{Limit: 1}); len(recs) != 1 {
		t.Errorf("limit: got %d rows, want 1", len(recs))
	}
}

func TestExists(t *testing.T) {
	s, _ := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	ctx := context.Background()
	if _, err := s.Write(ctx, def, equity("月卡", 1, 99), false); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		org, date string
		want      bool
	}{
		{"15672301", "2025-12-13", true},
		{"15672301", "2025-12-12", false},
		{"99999999", "2025-12-13", false},
		{"", "2025-12-13", false},
	}
	for _, c := range cases {
		got, err := s.Exists(ctx, def, c.org, c.date)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("Exists(%q, %q): got %v, want %v", c.org, c.date, got, c.want)
		}
	}
}

func TestCoordinatorOverLocalStore(t *testing.T) {
	s, _ := newStore(t)
	def := lookup(t, report.EquityPackageSales)
	c := persist.NewCoordinator(s, nil, persist.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	recs := []report.Record{equity("月卡", 3, 297), equity("季卡", 1, 298)}

	res := c.Persist(context.Background(), def, recs, persist.Options{})
	if got := res.Stats(SinkName); got.Inserted != 2 {
		t.Errorf("first persist: got %+v, want 2 inserted", got)
	}
	res = c.Persist(context.Background(), def, recs, persist.Options{})
	if got := res.Stats(SinkName); got.Unchanged != 2 || got.Written() != 0 {
		t.Errorf("second persist: got %+v, want 2 unchanged", got)
	}
}
