package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/mtcrawl/internal/localstore"
	"github.com/hazyhaar/mtcrawl/internal/report"
	"github.com/hazyhaar/mtcrawl/internal/runlog"
	"github.com/hazyhaar/mtcrawl/kit"
)

// ReportInfo describes one catalogue entry.
type ReportInfo struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Table          string   `json:"table"`
	Scope          string   `json:"scope"`
	RangeSupported bool     `json:"range_supported"`
	Key            []string `json:"key"`
	Fields         []string `json:"fields"`
	Stored         int      `json:"stored"`
}

// RunDetail is one run with its scopes.
type RunDetail struct {
	Run    runlog.Run     `json:"run"`
	Scopes []runlog.Scope `json:"scopes"`
}

// RecordsRequest selects stored rows of one report.
type RecordsRequest struct {
	Report string `json:"report"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Org    string `json:"org,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// RecordsResponse carries stored rows.
type RecordsResponse struct {
	Report  string          `json:"report"`
	Count   int             `json:"count"`
	Records []report.Record `json:"records"`
}

// RunsRequest lists recent runs.
type RunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// RunRequest names one run.
type RunRequest struct {
	ID string `json:"id"`
}

// ErrNoRunLog is returned by run history queries when no run log is set.
var ErrNoRunLog = errors.New("harvest: run log not configured")

// Service is the read and trigger surface shared by the HTTP API and the
// MCP tools.
type Service struct {
	runner *Runner
	local  *localstore.Store
	runs   *runlog.Log
	logger *slog.Logger

	// lifetime cancels background runs; see WithLifetime.
	lifetime context.Context
	bg       sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLifetime bounds the runs started by StartCrawl. They outlive the
// request that started them but stop when ctx is done. Default: never.
func WithLifetime(ctx context.Context) ServiceOption {
	return func(s *Service) { s.lifetime = ctx }
}

// NewService returns a service. runner may be nil for a read-only service.
func NewService(runner *Runner, local *localstore.Store, runs *runlog.Log, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{runner: runner, local: local, runs: runs, logger: logger, lifetime: context.Background()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reports lists the catalogue with the stored row count of each table.
func (s *Service) Reports(ctx context.Context) ([]ReportInfo, error) {
	var out []ReportInfo
	for _, def := range report.All() {
		ri := ReportInfo{
			Type:           string(def.Type),
			Name:           def.Name,
			Table:          def.Table,
			Scope:          def.DefaultScope.String(),
			RangeSupported: def.RangeSupported,
			Key:            def.Key,
			Fields:         def.Columns(),
		}
		if s.local != nil {
			n, err := s.local.Count(ctx, def)
			if err != nil {
				return nil, err
			}
			ri.Stored = n
		}
		out = append(out, ri)
	}
	return out, nil
}

// Runs lists recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]runlog.Run, error) {
	if s.runs == nil {
		return nil, ErrNoRunLog
	}
	runs, err := s.runs.Runs(ctx, limit)
	if runs == nil {
		runs = []runlog.Run{}
	}
	return runs, err
}

// Run returns one run and its scopes.
func (s *Service) Run(ctx context.Context, id string) (*RunDetail, error) {
	if s.runs == nil {
		return nil, ErrNoRunLog
	}
	run, scopes, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if scopes == nil {
		scopes = []runlog.Scope{}
	}
	return &RunDetail{Run: run, Scopes: scopes}, nil
}

// Records reads stored rows of one report from the local store.
func (s *Service) Records(ctx context.Context, req RecordsRequest) (*RecordsResponse, error) {
	def, err := report.Lookup(report.Type(req.Report))
	if err != nil {
		return nil, &RequestError{Field: "report", Err: err}
	}
	for field, v := range map[string]string{"from": req.From, "to": req.To} {
		if v == "" {
			continue
		}
		if _, err := report.ParseDate(v); err != nil {
			return nil, &RequestError{Field: field, Err: err}
		}
	}
	// A negative limit would read the whole table.
	limit := max(req.Limit, 0)
	recs, err := s.local.Records(ctx, def, localstore.Query{From: req.From, To: req.To, Org: req.Org, Limit: limit})
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []report.Record{}
	}
	return &RecordsResponse{Report: string(def.Type), Count: len(recs), Records: recs}, nil
}

// Crawl runs req through the runner. A run that crawled but had failures
// still returns its summary without error.
func (s *Service) Crawl(ctx context.Context, req Request) (*Summary, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("harvest: crawling is not enabled on this service")
	}
	sum, err := s.runner.Run(ctx, req)
	if err != nil && (sum == nil || IsConfigError(err) || errors.Is(err, ErrRunInProgress)) {
		return nil, err
	}
	return sum, nil
}

// CrawlStarted acknowledges a background run.
type CrawlStarted struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status"`
}

// StartCrawl validates req and crawls it in the background. The run keeps
// the values of ctx (request id, transport) but not its cancellation: a
// client hanging up does not abort a crawl half way. Follow it through the
// run history.
func (s *Service) StartCrawl(ctx context.Context, req Request) (*CrawlStarted, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("harvest: crawling is not enabled on this service")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.lifetime, cancel)
	id, done, err := s.runner.Start(runCtx, req)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		defer stop()
		sum := <-done
		s.logger.Info("harvest: background run finished", "run", id, "failed_scopes", sum.Failed(), "error", sum.Error)
	}()
	return &CrawlStarted{RunID: id, Status: runlog.StatusRunning}, nil
}

// Wait blocks until every background run is over.
func (s *Service) Wait() { s.bg.Wait() }

// Endpoints returns the service operations as kit endpoints keyed by name,
// each wrapped with call logging.
func (s *Service) Endpoints() map[string]kit.Endpoint {
	eps := map[string]kit.Endpoint{
		"reports": func(ctx context.Context, _ any) (any, error) {
			return s.Reports(ctx)
		},
		"runs": func(ctx context.Context, req any) (any, error) {
			return s.Runs(ctx, req.(*RunsRequest).Limit)
		},
		"run": func(ctx context.Context, req any) (any, error) {
			return s.Run(ctx, req.(*RunRequest).ID)
		},
		"records": func(ctx context.Context, req any) (any, error) {
			return s.Records(ctx, *req.(*RecordsRequest))
		},
		"crawl": func(ctx context.Context, req any) (any, error) {
			return s.Crawl(ctx, *req.(*Request))
		},
		"start": func(ctx context.Context, req any) (any, error) {
			return s.StartCrawl(ctx, *req.(*Request))
		},
	}
	for name, ep := range eps {
		eps[name] = kit.Logging(s.logger, name)(ep)
	}
	return eps
}
