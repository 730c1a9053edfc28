// Package tools provides the read-only MCP tools over the knowledge base.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

// KnowledgeToolDeps contains dependencies for the knowledge tools.
type KnowledgeToolDeps struct {
	Query  services.QueryService
	Scopes database.ScopeProvider
	Logger *zap.Logger
}

// RegisterKnowledgeTools registers get_entity, get_assertions, get_state_at,
// get_timeline and get_edges.
func RegisterKnowledgeTools(s *server.MCPServer, deps *KnowledgeToolDeps) {
	registerGetEntityTool(s, deps)
	registerGetAssertionsTool(s, deps)
	registerGetStateAtTool(s, deps)
	registerGetTimelineTool(s, deps)
	registerGetEdgesTool(s, deps)
}

// readOnly are the annotations shared by every knowledge tool.
func readOnly() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	}
}

// scoped runs fn with a database scope installed on ctx.
func scoped(ctx context.Context, deps *KnowledgeToolDeps, fn func(ctx context.Context) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	scopedCtx, cleanup, err := deps.Scopes.WithScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer cleanup()
	return fn(scopedCtx)
}

func entityIDOption() mcp.ToolOption {
	return mcp.WithString(
		"entity_id",
		mcp.Required(),
		mcp.Description("Entity UUID. Ids of merged entities resolve to the surviving entity."),
	)
}

func registerGetEntityTool(s *server.MCPServer, deps *KnowledgeToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Retrieve an entity: canonical name, type, external id, aliases and merge lineage. " +
				"Example: get_entity(entity_id='…') for a CVE returns its canonical record.",
		),
		entityIDOption(),
	}, readOnly()...)

	s.AddTool(mcp.NewTool("get_entity", opts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, bad := uuidParam(req, "entity_id")
		if bad != nil {
			return bad, nil
		}
		return scoped(ctx, deps, func(ctx context.Context) (*mcp.CallToolResult, error) {
			entity, err := deps.Query.GetEntity(ctx, id)
			if err != nil {
				return serviceErrorResult(err)
			}
			return jsonResult(entity)
		})
	})
}

type getAssertionsResponse struct {
	EntityID   uuid.UUID           `json:"entity_id"`
	Assertions []*models.Assertion `json:"assertions"`
	Total      int                 `json:"total"`
}

func registerGetAssertionsTool(s *server.MCPServer, deps *KnowledgeToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"List every assertion about an entity with its source, confidence and validation status " +
				"(pending, auto_accepted, human_validated, rejected). Rejected assertions are included.",
		),
		entityIDOption(),
		mcp.WithString("predicate", mcp.Description("Only return assertions with this predicate (e.g. 'uses')")),
	}, readOnly()...)

	s.AddTool(mcp.NewTool("get_assertions", opts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, bad := uuidParam(req, "entity_id")
		if bad != nil {
			return bad, nil
		}
		predicate := trimString(req.GetString("predicate", ""))
		return scoped(ctx, deps, func(ctx context.Context) (*mcp.CallToolResult, error) {
			assertions, err := deps.Query.GetAssertions(ctx, id, predicate)
			if err != nil {
				return serviceErrorResult(err)
			}
			if assertions == nil {
				assertions = []*models.Assertion{}
			}
			return jsonResult(getAssertionsResponse{EntityID: id, Assertions: assertions, Total: len(assertions)})
		})
	})
}

func registerGetStateAtTool(s *server.MCPServer, deps *KnowledgeToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"Reconstruct the lifecycle state of an entity (e.g. undiscovered, disclosed, exploited, patched) " +
				"at a point in time from its recorded events.",
		),
		entityIDOption(),
		mcp.WithString("at", mcp.Description("RFC3339 timestamp or YYYY-MM-DD date. Defaults to now.")),
	}, readOnly()...)

	s.AddTool(mcp.NewTool("get_state_at", opts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, bad := uuidParam(req, "entity_id")
		if bad != nil {
			return bad, nil
		}
		at, bad := timeParam(req, "at", time.Now().UTC())
		if bad != nil {
			return bad, nil
		}
		return scoped(ctx, deps, func(ctx context.Context) (*mcp.CallToolResult, error) {
			state, err := deps.Query.GetStateAt(ctx, id, at)
			if err != nil {
				return serviceErrorResult(err)
			}
			return jsonResult(state)
		})
	})
}

type getTimelineResponse struct {
	EntityID uuid.UUID       `json:"entity_id"`
	Events   []*models.Event `json:"events"`
}

func registerGetTimelineTool(s *server.MCPServer, deps *KnowledgeToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("List the state-defining events of an entity, oldest first."),
		entityIDOption(),
	}, readOnly()...)

	s.AddTool(mcp.NewTool("get_timeline", opts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, bad := uuidParam(req, "entity_id")
		if bad != nil {
			return bad, nil
		}
		return scoped(ctx, deps, func(ctx context.Context) (*mcp.CallToolResult, error) {
			events, err := deps.Query.GetTimeline(ctx, id)
			if err != nil {
				return serviceErrorResult(err)
			}
			if events == nil {
				events = []*models.Event{}
			}
			return jsonResult(getTimelineResponse{EntityID: id, Events: events})
		})
	})
}

type getEdgesResponse struct {
	EntityID uuid.UUID      `json:"entity_id"`
	Edges    []*models.Edge `json:"edges"`
	Total    int            `json:"total"`
}

func registerGetEdgesTool(s *server.MCPServer, deps *KnowledgeToolDeps) {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription(
			"List graph edges touching an entity. Edges are projected from accepted assertions and carry " +
				"a support count and the highest supporting confidence.",
		),
		entityIDOption(),
		mcp.WithString("edge_type", mcp.Description("Only return edges with this predicate (e.g. 'mitigates')")),
	}, readOnly()...)

	s.AddTool(mcp.NewTool("get_edges", opts...), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, bad := uuidParam(req, "entity_id")
		if bad != nil {
			return bad, nil
		}
		edgeType := trimString(req.GetString("edge_type", ""))
		return scoped(ctx, deps, func(ctx context.Context) (*mcp.CallToolResult, error) {
			edges, err := deps.Query.GetEdges(ctx, id, edgeType)
			if err != nil {
				return serviceErrorResult(err)
			}
			if edges == nil {
				edges = []*models.Edge{}
			}
			return jsonResult(getEdgesResponse{EntityID: id, Edges: edges, Total: len(edges)})
		})
	})
}
