package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
var Version = "dev"

// NewMCPServer creates a configured MCP server with all firewall tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("qff", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeTransaction, h.HandleAnalyzeTransaction)
	s.AddTool(ToolExecuteTransaction, h.HandleExecuteTransaction)
	s.AddTool(ToolEstablishSession, h.HandleEstablishSession)
	s.AddTool(ToolQuantumStatus, h.HandleQuantumStatus)
	s.AddTool(ToolListLedgerEntries, h.HandleListLedgerEntries)
	s.AddTool(ToolVerifyLedger, h.HandleVerifyLedger)
	s.AddTool(ToolGetAuditTrail, h.HandleGetAuditTrail)
	s.AddTool(ToolSecurityStatus, h.HandleSecurityStatus)

	return s
}
