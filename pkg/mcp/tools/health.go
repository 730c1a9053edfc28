package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
)

// PendingCounter reports the open review queue length.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type healthResult struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	PendingReviews *int   `json:"pending_reviews,omitempty"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server status and version, plus the review backlog
// when pending is non-nil.
func RegisterHealthTool(s *server.MCPServer, version string, pending PendingCounter, scopes database.ScopeProvider) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := healthResult{Status: "ok", Version: version}
		if pending != nil {
			scopedCtx, cleanup, err := scopes.WithScope(ctx)
			if err != nil {
				res.Status = "degraded"
			} else {
				n, err := pending.CountPending(scopedCtx)
				cleanup()
				if err != nil {
					res.Status = "degraded"
				} else {
					res.PendingReviews = &n
				}
			}
		}

		result, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
