// aurawatch MCP server - exposes detection tooling to LLM clients over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/aurawatch/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("AURAWATCH_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("AURAWATCH_API_KEY"),
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
