// CLAUDE:SUMMARY Persistence coordinator: fans each record out to the local sink then every remote sink, isolating failures per sink.
// Package persist writes crawl records to every configured sink. Sinks are
// adapters behind the Sink interface; a failing sink never affects the
// others, and the local write always happens first.
package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/mtcrawl/internal/report"
)

// Outcome is what a sink did with one record.
type Outcome int

const (
	Inserted Outcome = iota
	Updated
	Unchanged
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sink stores records of any report type. Write receives its own copy of
// the record.
type Sink interface {
	Name() string
	Write(ctx context.Context, def report.Definition, rec report.Record, force bool) (Outcome, error)
}

// Stats counts outcomes.
type Stats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Add counts one outcome.
func (s *Stats) Add(o Outcome) {
	switch o {
	case Inserted:
		s.Inserted++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	case Skipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Merge adds other into s.
func (s *Stats) Merge(other Stats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}

// Written is inserted plus updated.
func (s Stats) Written() int { return s.Inserted + s.Updated }

// Total is the number of outcomes counted.
func (s Stats) Total() int { return s.Inserted + s.Updated + s.Unchanged + s.Skipped + s.Failed }

// SinkStats is the tally of one sink.
type SinkStats struct {
	Sink  string `json:"sink"`
	Stats Stats  `json:"stats"`
}

// Result is the outcome of one Persist call.
type Result struct {
	Report  report.Type `json:"report"`
	Records int         `json:"records"`
	Sinks   []SinkStats `json:"sinks"`
}

// Stats returns the tally of the named sink.
func (r Result) Stats(sink string) Stats {
	for _, s := range r.Sinks {
		if s.Sink == sink {
			return s.Stats
		}
	}
	return Stats{}
}

// Options tune one Persist call.
type Options struct {
	// Force overwrites stored values regardless of the merge rule.
	Force bool
	// SkipRemote writes the local sink only.
	SkipRemote bool
}

// Coordinator fans records out to the sinks in a fixed order.
type Coordinator struct {
	local   Sink
	remotes []Sink
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// NewCoordinator returns a coordinator writing local first, then each
// remote in order. Nil sinks are ignored.
func NewCoordinator(local Sink, remotes []Sink, opts ...Option) *Coordinator {
	c := &Coordinator{local: local, logger: slog.Default()}
	for _, r := range remotes {
		if r != nil {
			c.remotes = append(c.remotes, r)
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sinks returns the sink names in write order.
func (c *Coordinator) Sinks(skipRemote bool) []string {
	var out []string
	for _, s := range c.sinks(skipRemote) {
		out = append(out, s.Name())
	}
	return out
}

func (c *Coordinator) sinks(skipRemote bool) []Sink {
	var out []Sink
	if c.local != nil {
		out = append(out, c.local)
	}
	if !skipRemote {
		out = append(out, c.remotes...)
	}
	return out
}

// Persist writes every record to every sink. Records are cloned per sink
// so the caller's slice is never modified.
func (c *Coordinator) Persist(ctx context.Context, def report.Definition, records []report.Record, opts Options) Result {
	sinks := c.sinks(opts.SkipRemote)
	res := Result{Report: def.Type, Records: len(records), Sinks: make([]SinkStats, len(sinks))}
	for i, s := range sinks {
		res.Sinks[i].Sink = s.Name()
	}

	for _, rec := range records {
		for i, s := range sinks {
			if err := ctx.Err(); err != nil {
				res.Sinks[i].Stats.Add(Failed)
				continue
			}
			o, err := s.Write(ctx, def, rec.Clone(), opts.Force)
			if err != nil {
				o = Failed
				c.logger.WarnContext(ctx, "persist: write failed",
					"sink", s.Name(),
					"report", string(def.Type),
					"date", recordDate(def, rec),
					"org", rec.Org(def),
					"key", rec.KeyString(def),
					"error", err)
			}
			res.Sinks[i].Stats.Add(o)
		}
	}

	for _, s := range res.Sinks {
		c.logger.InfoContext(ctx, "persist: done",
			"sink", s.Sink,
			"report", string(def.Type),
			"inserted", s.Stats.Inserted,
			"updated", s.Stats.Updated,
			"unchanged", s.Stats.Unchanged,
			"skipped", s.Stats.Skipped,
			"failed", s.Stats.Failed)
	}
	return res
}

func recordDate(def report.Definition, rec report.Record) string {
	for _, k := range def.Key {
		if f, ok := def.Field(k); ok && f.Kind == report.Date {
			return rec.Text(k)
		}
	}
	return ""
}
