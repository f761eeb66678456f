// CLAUDE:SUMMARY Remote persistence sinks keyed by the mapped restaurant id: PostgREST over resty and libSQL over database/sql.
// Package remotestore holds the adapters writing records to the shared
// remote backend. Every adapter resolves the record's organization through
// a persist.Mapping first; unmapped records are skipped, never failed.
package remotestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/retry"
)

// MasterTable is the remote table mapping Meituan org codes to restaurant
// ids.
const MasterTable = "master_restaurant"

type base struct {
	name    string
	mapping *persist.Mapping
	breaker *retry.Breaker
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	unmapped []string
	seen     map[string]bool
}

// Option configures a remote sink.
type Option func(*base)

// WithName overrides the sink name reported in results.
func WithName(name string) Option { return func(b *base) { b.name = name } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *base) { b.logger = l } }

// WithBreaker replaces the default circuit breaker.
func WithBreaker(br *retry.Breaker) Option { return func(b *base) { b.breaker = br } }

// WithClock overrides the clock stamping remote rows.
func WithClock(now func() time.Time) Option { return func(b *base) { b.now = now } }

func (b *base) init(name string, mapping *persist.Mapping, opts []Option) {
	b.name = name
	b.mapping = mapping
	b.logger = slog.Default()
	b.now = time.Now
	b.seen = make(map[string]bool)
	for _, o := range opts {
		o(b)
	}
	if b.breaker == nil {
		b.breaker = retry.NewBreaker(b.name)
	}
}

func (b *base) Name() string { return b.name }

// Unmapped lists the organizations that had no remote id, in first-seen
// order.
func (b *base) Unmapped() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.unmapped)
}

// resolve maps rec onto the remote table of def. ok is false when the
// organization has no remote id.
func (b *base) resolve(def report.Definition, rec report.Record) (persist.Table, report.Record, bool) {
	org := rec.Org(def)
	id, ok := b.mapping.Lookup(org)
	if !ok {
		b.mu.Lock()
		if !b.seen[org] {
			b.seen[org] = true
			b.unmapped = append(b.unmapped, org)
			b.logger.Warn("remotestore: unmapped organization, records skipped",
				"sink", b.name, "report", string(def.Type), "org", org, "store", rec.Text("store_name"))
		}
		b.mu.Unlock()
		return persist.Table{}, nil, false
	}
	r := rec.Clone()
	r[persist.RemoteIDColumn] = id
	t := persist.RemoteTable(def)
	return t, t.Row(r), true
}

// textOf renders a key value the way filters and maps expect it.
func textOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return report.Record{"v": v}.Text("v")
}

// masterRow is one master_restaurant entry.
type masterRow struct {
	ID      any    `json:"id"`
	OrgCode string `json:"meituan_org_code"`
	Name    string `json:"restaurant_name"`
}

// mappingEntries indexes rows by org code, then by restaurant name where
// that name is not already a key.
func mappingEntries(rows []masterRow) map[string]string {
	out := make(map[string]string, len(rows)*2)
	for _, r := range rows {
		id := textOf(r.ID)
		if r.OrgCode != "" && id != "" {
			out[r.OrgCode] = id
		}
	}
	for _, r := range rows {
		id := textOf(r.ID)
		if r.Name == "" || id == "" {
			continue
		}
		if _, taken := out[r.Name]; !taken {
			out[r.Name] = id
		}
	}
	return out
}

// HTTPError is a non-2xx answer from the remote API.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remotestore: %s: status %d: %s", e.Op, e.Status, e.Body)
}
