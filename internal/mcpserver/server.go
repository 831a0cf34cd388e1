package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all aurawatch tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("aurawatch", version)
	client := NewAPIClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolSimulateDetection, h.HandleSimulateDetection)
	s.AddTool(ToolDetectionStatus, h.HandleDetectionStatus)
	s.AddTool(ToolStartDetection, h.HandleStartDetection)
	s.AddTool(ToolStopDetection, h.HandleStopDetection)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolRiskRegistry, h.HandleRiskRegistry)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
