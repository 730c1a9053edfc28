package handlers

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/mcp"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/middleware"
)

// MCPHandler exposes the read-only knowledge tools to agents at POST /mcp.
type MCPHandler struct {
	transport *server.StreamableHTTPServer
	logger    *zap.Logger
}

func NewMCPHandler(mcpServer *mcp.Server, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{
		transport: mcpServer.NewStreamableHTTPServer(),
		logger:    logger.Named("mcp"),
	}
}

// RegisterRoutes mounts the endpoint. Any authenticated caller may use it;
// other methods get 405 from the mux before auth runs.
func (h *MCPHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	logged := middleware.MCPRequestLogger(h.logger)(h.transport)
	mux.HandleFunc("POST /mcp", authMiddleware.RequireAuth(logged.ServeHTTP))
}
