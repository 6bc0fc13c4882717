// QFF MCP Server - Exposes the firewall's scoring, sessions and ledger as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/qff/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("QFF_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("QFF_ADMIN_SECRET"),
	}
	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "QFF_ADMIN_SECRET not set; ledger audit and security tools will be unavailable")
	}

	mcpserver.Version = Version
	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
