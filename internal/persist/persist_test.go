package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

type memSink struct {
	name  string
	rows  map[string]report.Record
	fail  func(report.Record) error
	order *[]string
}

func newMemSink(name string, order *[]string) *memSink {
	return &memSink{name: name, rows: make(map[string]report.Record), order: order}
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, def report.Definition, rec report.Record, force bool) (Outcome, error) {
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	if s.fail != nil {
		if err := s.fail(rec); err != nil {
			return Failed, err
		}
	}
	key := rec.KeyString(def)
	stored, ok := s.rows[key]
	if !ok {
		s.rows[key] = rec
		return Inserted, nil
	}
	merged, changed := Merge(def, stored, rec, force)
	if !changed {
		return Unchanged, nil
	}
	s.rows[key] = merged
	return Updated, nil
}

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestPersist_OrderAndStats(t *testing.T) {
	def := equityDef(t)
	var order []string
	local := newMemSink("local", &order)
	remote := newMemSink("remote", &order)
	c := NewCoordinator(local, []Sink{remote, nil}, quiet())

	recs := []report.Record{equityRecord(1, 99, "山海店"), equityRecord(2, 198, "山海店")}
	recs[1]["package_name"] = "季卡"
	res := c.Persist(context.Background(), def, recs, Options{})

	want := []string{"local", "remote", "local", "remote"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
	if got := res.Stats("local").Inserted; got != 2 {
		t.Errorf("local inserted: got %d, want 2", got)
	}

	res = c.Persist(context.Background(), def, recs, Options{})
	if got := res.Stats("local"); got.Unchanged != 2 || got.Written() != 0 {
		t.Errorf("re-persist: got %+v, want 2 unchanged", got)
	}
}

func TestPersist_RemoteFailureIsolated(t *testing.T) {
	def := equityDef(t)
	local := newMemSink("local", nil)
	remote := newMemSink("remote", nil)
	remote.fail = func(r report.Record) error {
		if r.Text("package_name") == "月卡" {
			return errors.New("remote down")
		}
		return nil
	}
	c := NewCoordinator(local, []Sink{remote}, quiet())

	recs := []report.Record{equityRecord(1, 99, "山海店"), equityRecord(2, 198, "山海店")}
	recs[1]["package_name"] = "季卡"
	res := c.Persist(context.Background(), def, recs, Options{})

	if got := res.Stats("local"); got.Inserted != 2 || got.Failed != 0 {
		t.Errorf("local: got %+v", got)
	}
	if got := res.Stats("remote"); got.Inserted != 1 || got.Failed != 1 {
		t.Errorf("remote: got %+v", got)
	}
}

func TestPersist_DoesNotMutateInput(t *testing.T) {
	def := equityDef(t)
	mutating := newMemSink("local", nil)
	mutating.fail = func(r report.Record) error {
		r["store_name"] = "changed"
		return nil
	}
	c := NewCoordinator(mutating, nil, quiet())
	recs := []report.Record{equityRecord(1, 99, "山海店")}
	c.Persist(context.Background(), def, recs, Options{})
	if recs[0]["store_name"] != "山海店" {
		t.Errorf("input mutated: %v", recs[0])
	}
}

func TestPersist_SkipRemote(t *testing.T) {
	def := equityDef(t)
	local := newMemSink("local", nil)
	remote := newMemSink("remote", nil)
	c := NewCoordinator(local, []Sink{remote}, quiet())
	res := c.Persist(context.Background(), def, []report.Record{equityRecord(1, 99, "山海店")}, Options{SkipRemote: true})
	if len(res.Sinks) != 1 || len(remote.rows) != 0 {
		t.Errorf("got sinks=%v remote rows=%d", res.Sinks, len(remote.rows))
	}
	if names := c.Sinks(false); len(names) != 2 || names[0] != "local" {
		t.Errorf("Sinks: got %v", names)
	}
}

func TestOutcomeString(t *testing.T) {
	if Skipped.String() != "skipped" || Outcome(42).String() != "outcome(42)" {
		t.Errorf("got %s %s", Skipped, Outcome(42))
	}
	var s Stats
	for _, o := range []Outcome{Inserted, Updated, Unchanged, Skipped, Failed, Failed} {
		s.Add(o)
	}
	if s.Total() != 6 || s.Failed != 2 || s.Written() != 2 {
		t.Errorf("got %+v", s)
	}
}
