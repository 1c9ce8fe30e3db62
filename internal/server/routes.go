package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Tool surface: same envelope contract as the MCP endpoint
	mux.HandleFunc("/api/tools", s.app.ToolsHandler.ListToolsHandler)
	mux.HandleFunc("/api/tools/", s.app.ToolsHandler.CallToolHandler)

	// Schema introspection
	mux.HandleFunc("/api/schemas", s.app.SchemasHandler.ListSchemasHandler)
	mux.HandleFunc("/api/schemas/", s.app.SchemasHandler.GetSchemaHandler)

	// Stored page bodies
	mux.HandleFunc("/api/pages/", s.app.PageHandler.GetContentHandler)

	// Maintenance scheduler
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.ListJobsHandler)
	mux.HandleFunc("/api/scheduler/jobs/", s.handleSchedulerJobRoutes)

	// MCP (Model Context Protocol) endpoints
	mux.HandleFunc("/mcp", s.app.MCPHandler.HandleRPC)
	mux.HandleFunc("/mcp/info", s.app.MCPHandler.InfoHandler)

	// System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSchedulerJobRoutes routes /api/scheduler/jobs/{name}/{action}
func (s *Server) handleSchedulerJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/trigger"):
		s.app.SchedulerHandler.TriggerJobHandler(w, r)
	case strings.HasSuffix(path, "/enable"):
		s.app.SchedulerHandler.EnableJobHandler(w, r)
	case strings.HasSuffix(path, "/disable"):
		s.app.SchedulerHandler.DisableJobHandler(w, r)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
