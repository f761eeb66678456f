package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/mtcrawl/internal/persist"
	"github.com/hazyhaar/mtcrawl/internal/report"
)

// PostgRESTConfig addresses a PostgREST (Supabase compatible) backend.
type PostgRESTConfig struct {
	// URL is the project base URL; requests go to URL + "/rest/v1".
	URL string
	// Key is sent as the apikey header.
	Key string
	// Token is the bearer token. Empty means Key.
	Token string
	// Schema selects a non-default schema through Accept-Profile and
	// Content-Profile.
	Schema  string
	Timeout time.Duration
}

// PostgREST writes records with select, merge, then insert or patch. Each
// write goes through the circuit breaker.
type PostgREST struct {
	base
	client *resty.Client
}

// NewPostgREST returns a PostgREST sink named "postgrest".
func NewPostgREST(cfg PostgRESTConfig, mapping *persist.Mapping, opts ...Option) *PostgREST {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	token := cfg.Token
	if token == "" {
		token = cfg.Key
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/") + "/rest/v1").
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Key != "" {
		c.SetHeader("apikey", cfg.Key)
	}
	if token != "" {
		c.SetAuthToken(token)
	}
	if cfg.Schema != "" {
		c.SetHeader("Accept-Profile", cfg.Schema).SetHeader("Content-Profile", cfg.Schema)
	}
	p := &PostgREST{client: c}
	p.init("postgrest", mapping, opts)
	return p
}

// Write implements persist.Sink.
func (p *PostgREST) Write(ctx context.Context, def report.Definition, rec report.Record, force bool) (persist.Outcome, error) {
	t, row, ok := p.resolve(def, rec)
	if !ok {
		return persist.Skipped, nil
	}
	var out persist.Outcome
	err := p.breaker.Call(func() error {
		var err error
		out, err = p.upsert(ctx, t, row, force)
		return err
	})
	if err != nil {
		return persist.Failed, fmt.Errorf("remotestore: %s %s: %w", p.name, t.Name, err)
	}
	return out, nil
}

func (p *PostgREST) upsert(ctx context.Context, t persist.Table, row report.Record, force bool) (persist.Outcome, error) {
	filter := keyFilter(t, row)
	q := cloneValues(filter)
	q.Set("select", strings.Join(t.Names(), ","))
	q.Set("limit", "1")

	var found []map[string]json.RawMessage
	res, err := p.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetResult(&found).
		Get("/" + t.Name)
	if err != nil {
		return persist.Failed, fmt.Errorf("select: %w", err)
	}
	if res.IsError() {
		return persist.Failed, &HTTPError{Op: "select " + t.Name, Status: res.StatusCode(), Body: res.String()}
	}

	stamp := p.now().UTC().Format(time.RFC3339)
	if len(found) == 0 {
		body := row.Clone()
		body["created_at"] = stamp
		body["updated_at"] = stamp
		res, err := p.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=minimal").
			SetBody(body).
			Post("/" + t.Name)
		if err != nil {
			return persist.Failed, fmt.Errorf("insert: %w", err)
		}
		if res.IsError() {
			return persist.Failed, &HTTPError{Op: "insert " + t.Name, Status: res.StatusCode(), Body: res.String()}
		}
		return persist.Inserted, nil
	}

	merged, changed := t.Merge(decodeRow(t, found[0]), row, force)
	if !changed {
		return persist.Unchanged, nil
	}
	patch := make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		if t.IsKey(c.Name) {
			continue
		}
		if v, ok := merged[c.Name]; ok {
			patch[c.Name] = v
		}
	}
	patch["updated_at"] = stamp
	res, err = p.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetQueryParamsFromValues(filter).
		SetBody(patch).
		Patch("/" + t.Name)
	if err != nil {
		return persist.Failed, fmt.Errorf("update: %w", err)
	}
	if res.IsError() {
		return persist.Failed, &HTTPError{Op: "update " + t.Name, Status: res.StatusCode(), Body: res.String()}
	}
	return persist.Updated, nil
}

// LoadMapping reads master_restaurant into org code and restaurant name
// entries.
func (p *PostgREST) LoadMapping(ctx context.Context) (map[string]string, error) {
	var rows []masterRow
	res, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"select":           "id,meituan_org_code,restaurant_name",
			"meituan_org_code": "not.is.null",
		}).
		SetResult(&rows).
		Get("/" + MasterTable)
	if err != nil {
		return nil, fmt.Errorf("remotestore: load mapping: %w", err)
	}
	if res.IsError() {
		return nil, &HTTPError{Op: "load mapping", Status: res.StatusCode(), Body: res.String()}
	}
	return mappingEntries(rows), nil
}

// keyFilter is the PostgREST horizontal filter selecting row by key.
func keyFilter(t persist.Table, row report.Record) url.Values {
	v := make(url.Values, len(t.Key))
	for _, k := range t.Key {
		v.Set(k, "eq."+textOf(report.Normalize(t.Kind(k), row[k])))
	}
	return v
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// decodeRow converts a JSON row into record values per column kind. Blob
// columns stay raw so they compare as JSON documents.
func decodeRow(t persist.Table, raw map[string]json.RawMessage) report.Record {
	out := make(report.Record, len(t.Columns))
	for _, c := range t.Columns {
		b, ok := raw[c.Name]
		if !ok || string(b) == "null" {
			out[c.Name] = nil
			continue
		}
		if c.Kind == report.Blob {
			out[c.Name] = json.RawMessage(append([]byte(nil), b...))
			continue
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			out[c.Name] = nil
			continue
		}
		out[c.Name] = report.Normalize(c.Kind, v)
	}
	return out
}
