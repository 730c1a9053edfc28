// Package mcp exposes the knowledge base to agents over the Model Context
// Protocol.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
)

const serverName = "ekaya-threatgraph"

// ServerDeps are the services the MCP tools read from.
type ServerDeps struct {
	Query   services.QueryService
	Pending tools.PendingCounter
	Scopes  database.ScopeProvider
}

// Server wraps the mcp-go MCPServer with the knowledge tools registered.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates an MCP server and registers every tool.
func NewServer(version string, deps ServerDeps, logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	named := logger.Named("mcp")
	tools.RegisterKnowledgeTools(mcpServer, &tools.KnowledgeToolDeps{
		Query:  deps.Query,
		Scopes: deps.Scopes,
		Logger: named,
	})
	tools.RegisterHealthTool(mcpServer, version, deps.Pending, deps.Scopes)

	return &Server{
		mcp:    mcpServer,
		logger: named,
	}
}

// MCP returns the underlying MCPServer.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// NewStreamableHTTPServer creates a stateless HTTP transport for this server.
// The HTTP mux handles routing to /mcp, so no endpoint path is configured here.
func (s *Server) NewStreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithStateLess(true),
	)
}
