package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateWallet, h.HandleCreateWallet)
	s.AddTool(ToolDeposit, h.walletAction("deposit"))
	s.AddTool(ToolConfirm, h.walletAction("confirm"))
	s.AddTool(ToolRefund, h.walletAction("refund"))
	s.AddTool(ToolCancelWallet, h.walletAction("cancel"))
	s.AddTool(ToolContinueTransaction, h.HandleContinueTransaction)
	s.AddTool(ToolWalletInfo, h.HandleWalletInfo)
	s.AddTool(ToolListWallets, h.HandleListWallets)

	return s
}
