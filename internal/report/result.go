package report

import "time"

// CrawlResult is the outcome of one crawl for one (report, scope). Build it
// with Succeeded or Failed and treat it as read-only afterwards.
type CrawlResult struct {
	Report     Type
	Scope      Scope
	Start      time.Time
	End        time.Time
	Success    bool
	// Skipped marks a scope left alone because its data was already stored.
	Skipped    bool
	Records    []Record
	Pages      int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded builds a successful result.
func Succeeded(def Definition, f Filter, records []Record, pages int, started time.Time) CrawlResult {
	return CrawlResult{
		Report: def.Type, Scope: f.Scope, Start: f.Start, End: f.End,
		Success: true, Records: records, Pages: pages,
		StartedAt: started, FinishedAt: time.Now(),
	}
}

// Failed builds a failed result. Records read before the failure are kept so
// they can still be persisted.
func Failed(def Definition, f Filter, records []Record, pages int, err error, started time.Time) CrawlResult {
	return CrawlResult{
		Report: def.Type, Scope: f.Scope, Start: f.Start, End: f.End,
		Records: records, Pages: pages, Err: err,
		StartedAt: started, FinishedAt: time.Now(),
	}
}

// Skip builds the result of a scope whose data is already stored. It counts
// as done but was never crawled.
func Skip(def Definition, f Filter) CrawlResult {
	now := time.Now()
	return CrawlResult{
		Report: def.Type, Scope: f.Scope, Start: f.Start, End: f.End,
		Success: true, Skipped: true,
		StartedAt: now, FinishedAt: now,
	}
}

func (r CrawlResult) TargetID() string   { return r.Scope.ID() }
func (r CrawlResult) TargetName() string { return r.Scope.Name() }

// ErrorText returns the error message or "".
func (r CrawlResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Batch groups the results of one report pass.
type Batch struct {
	Report    Type
	Results   []CrawlResult
	Succeeded int
	Skipped   int
	Failed    int
}

// NewBatch counts results.
func NewBatch(t Type, results []CrawlResult) Batch {
	b := Batch{Report: t, Results: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			b.Skipped++
		case r.Success:
			b.Succeeded++
		default:
			b.Failed++
		}
	}
	return b
}

// Records returns every record of the batch, failed scopes included.
func (b Batch) Records() []Record {
	var out []Record
	for _, r := range b.Results {
		out = append(out, r.Records...)
	}
	return out
}
