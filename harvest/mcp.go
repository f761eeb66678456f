// CLAUDE:SUMMARY Registers the mtcrawl MCP tools: catalogue, run history, stored records and crawl trigger.
package harvest

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mtcrawl/kit"
)

// RegisterMCP registers the mtcrawl tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	eps := s.Endpoints()
	s.registerReportsTool(srv, eps["reports"])
	s.registerRunsTool(srv, eps["runs"], eps["run"])
	s.registerRecordsTool(srv, eps["records"])
	s.registerCrawlTool(srv, eps["crawl"])
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// decodeInto unmarshals the tool arguments into a fresh T. Missing
// arguments decode as the zero request.
func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

var reportTypes = []any{"equity_package_sales", "business_summary", "dish_sales", "membership_payment"}

func (s *Service) registerReportsTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "mtcrawl_reports",
		Description: "List the crawlable Meituan reports with their tables, natural keys and stored row counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, ep, decodeInto[struct{}])
}

// --- runs ---

type runsArgs struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Service) registerRunsTool(srv *mcp.Server, list, one kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "mtcrawl_runs",
		Description: "Show crawl run history. Without id, lists recent runs; with id, returns that run and its per-scope results.",
		InputSchema: inputSchema(map[string]any{
			"id":    map[string]any{"type": "string", "description": "Run id"},
			"limit": map[string]any{"type": "integer", "description": "Max runs listed (default 20)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		a := req.(*runsArgs)
		if a.ID != "" {
			return one(ctx, &RunRequest{ID: a.ID})
		}
		return list(ctx, &RunsRequest{Limit: a.Limit})
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[runsArgs])
}

// --- records ---

func (s *Service) registerRecordsTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "mtcrawl_records",
		Description: "Read stored rows of one report from the local database, newest date first.",
		InputSchema: inputSchema(map[string]any{
			"report": map[string]any{"type": "string", "enum": reportTypes, "description": "Report type"},
			"from":   map[string]any{"type": "string", "description": "First date, YYYY-MM-DD"},
			"to":     map[string]any{"type": "string", "description": "Last date, YYYY-MM-DD"},
			"org":    map[string]any{"type": "string", "description": "Org code or store name, per the report's org field"},
			"limit":  map[string]any{"type": "integer", "description": "Max rows (default 100)"},
		}, []string{"report"}),
	}
	kit.RegisterMCPTool(srv, tool, ep, decodeInto[RecordsRequest])
}

// --- crawl ---

func (s *Service) registerCrawlTool(srv *mcp.Server, ep kit.Endpoint) {
	tool := &mcp.Tool{
		Name:        "mtcrawl_crawl",
		Description: "Crawl reports through the attached browser and persist them. One run at a time; the operator may need to log in.",
		InputSchema: inputSchema(map[string]any{
			"reports":     map[string]any{"type": "string", "description": "Comma separated report types, or \"all\""},
			"from":        map[string]any{"type": "string", "description": "First date, YYYY-MM-DD (default yesterday)"},
			"to":          map[string]any{"type": "string", "description": "Last date, YYYY-MM-DD (default from)"},
			"store":       map[string]any{"type": "string", "description": "Merchant code to restrict the crawl to"},
			"all_stores":  map[string]any{"type": "boolean", "description": "Iterate every store"},
			"force":       map[string]any{"type": "boolean", "description": "Overwrite stored values"},
			"skip_remote": map[string]any{"type": "boolean", "description": "Write the local database only"},
			"per_day":     map[string]any{"type": "boolean", "description": "One unit per day of the range"},
		}, []string{"reports"}),
	}
	kit.RegisterMCPTool(srv, tool, ep, decodeInto[Request])
}
