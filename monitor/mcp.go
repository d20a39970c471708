package monitor

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagewatch/kit"
)

// RegisterMCP registers the pagewatch tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerProgressTool(srv)
	s.registerResetProgressTool(srv)
	s.registerRunBatchTool(srv)
	s.registerReconcileTool(srv)
	s.registerListChangesTool(srv)
	s.registerListTargetsTool(srv)
	s.registerDetectTool(srv)
}

// NewMCPServer returns an MCP server carrying the pagewatch tools.
func (s *Service) NewMCPServer(version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "pagewatch", Version: version}, nil)
	s.RegisterMCP(srv)
	return srv
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

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger, tool.Name)(endpoint), decode)
}

type emptyRequest struct{}

func (s *Service) registerProgressTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_progress",
		Description: "Batch job progress: last processed index, total targets, percent complete and run state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return s.Progress(ctx)
	}, kit.DecodeJSON[emptyRequest]())
}

func (s *Service) registerResetProgressTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_reset_progress",
		Description: "Delete the batch checkpoint so the next run starts from the first target.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		if err := s.ResetProgress(ctx); err != nil {
			return nil, err
		}
		return s.Progress(ctx)
	}, kit.DecodeJSON[emptyRequest]())
}

func (s *Service) registerRunBatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_run_batch",
		Description: "Run the batch job from its checkpoint. Returns the run report (state, processed, changes, errors).",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return s.RunBatch(ctx)
	}, kit.DecodeJSON[emptyRequest]())
}

type reconcileRequest struct {
	TargetID string `json:"target_id,omitempty"`
	Since    string `json:"since,omitempty"`
	Until    string `json:"until,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (r *reconcileRequest) scope() (Scope, error) {
	sc := Scope{TargetID: r.TargetID, Limit: r.Limit}
	var err error
	if r.Since != "" {
		if sc.Since, err = time.Parse(time.RFC3339, r.Since); err != nil {
			return sc, err
		}
	}
	if r.Until != "" {
		if sc.Until, err = time.Parse(time.RFC3339, r.Until); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

func (s *Service) registerReconcileTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_reconcile",
		Description: "Audit change records and extractions for broken snapshot references and repair them. Idempotent.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Restrict to one target"},
			"since":     map[string]any{"type": "string", "description": "RFC 3339 lower bound"},
			"until":     map[string]any{"type": "string", "description": "RFC 3339 upper bound"},
			"limit":     map[string]any{"type": "integer", "description": "Max items examined per store"},
		}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, req any) (any, error) {
		sc, err := req.(*reconcileRequest).scope()
		if err != nil {
			return nil, err
		}
		return s.Reconcile(ctx, sc)
	}, kit.DecodeJSON[reconcileRequest]())
}

type listChangesRequest struct {
	TargetID   string `json:"target_id,omitempty"`
	AlertOnly  bool   `json:"alert_only,omitempty"`
	ReviewOnly bool   `json:"review_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Service) registerListChangesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_list_changes",
		Description: "List detected changes, newest first, with magnitude, relevance and diff summary.",
		InputSchema: inputSchema(map[string]any{
			"target_id":   map[string]any{"type": "string", "description": "Filter by target"},
			"alert_only":  map[string]any{"type": "boolean", "description": "Only changes above the alert threshold"},
			"review_only": map[string]any{"type": "boolean", "description": "Only records flagged for review by the reconciler"},
			"limit":       map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*listChangesRequest)
		return s.ListChanges(ctx, ChangeFilter{
			TargetID:   r.TargetID,
			AlertOnly:  r.AlertOnly,
			ReviewOnly: r.ReviewOnly,
			Limit:      r.Limit,
		})
	}, kit.DecodeJSON[listChangesRequest]())
}

type listTargetsRequest struct {
	All bool `json:"all,omitempty"`
}

func (s *Service) registerListTargetsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_list_targets",
		Description: "List monitored targets in run order.",
		InputSchema: inputSchema(map[string]any{
			"all": map[string]any{"type": "boolean", "description": "Include targets removed from the configuration"},
		}, nil),
	}
	s.tool(srv, tool, func(ctx context.Context, req any) (any, error) {
		return s.ListTargets(ctx, !req.(*listTargetsRequest).All)
	}, kit.DecodeJSON[listTargetsRequest]())
}

type detectRequest struct {
	TargetID string `json:"target_id"`
}

type detectResponse struct {
	Changed bool    `json:"changed"`
	Record  *Record `json:"record,omitempty"`
}

func (s *Service) registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagewatch_detect",
		Description: "Compare the two latest snapshots of a target and record the change, if any.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Target ID"},
		}, []string{"target_id"}),
	}
	s.tool(srv, tool, func(ctx context.Context, req any) (any, error) {
		rec, err := s.Detect(ctx, req.(*detectRequest).TargetID)
		if err != nil {
			return nil, err
		}
		return detectResponse{Changed: rec != nil, Record: rec}, nil
	}, kit.DecodeJSON[detectRequest]())
}
