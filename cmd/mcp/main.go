// escrowd MCP server - exposes escrow wallet actions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/mcpserver"
	"github.com/mbd888/escrowd/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		CallerAddress: os.Getenv("ESCROWD_CALLER_ADDRESS"),
	}

	if cfg.CallerAddress == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_CALLER_ADDRESS is required")
		os.Exit(1)
	}
	if !validation.IsValidEthAddress(cfg.CallerAddress) {
		fmt.Fprintln(os.Stderr, "ESCROWD_CALLER_ADDRESS must be a 0x-prefixed 20-byte address")
		os.Exit(1)
	}

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
