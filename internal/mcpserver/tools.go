package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateWallet = mcp.NewTool("create_wallet",
	mcp.WithDescription(
		"Open an escrow wallet between a buyer and a seller for a fixed amount. "+
			"You must be the buyer or the seller. The wallet starts awaiting the buyer's deposit."),
	mcp.WithString("buyer",
		mcp.Required(),
		mcp.Description("Buyer's ledger address (e.g. '0x1234...')")),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller's ledger address (e.g. '0xabcd...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units as a decimal integer (e.g. '1000')")),
)

var ToolDeposit = mcp.NewTool("deposit",
	mcp.WithDescription(
		"Move the agreed amount from the buyer into escrow. Buyer only. "+
			"Fails if the buyer's ledger balance is too low."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("Wallet ID returned by create_wallet")),
)

var ToolConfirm = mcp.NewTool("confirm",
	mcp.WithDescription(
		"Release the escrowed amount to the seller and close the wallet. Buyer only."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("Wallet ID of a funded wallet")),
)

var ToolRefund = mcp.NewTool("refund",
	mcp.WithDescription(
		"Return the escrowed amount to the buyer. Seller only. "+
			"The wallet goes back to awaiting a deposit and can be funded again."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("Wallet ID of a funded wallet")),
)

var ToolCancelWallet = mcp.NewTool("cancel_wallet",
	mcp.WithDescription(
		"Cancel a wallet that has not been funded yet. Buyer or seller."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("Wallet ID awaiting a deposit")),
)

var ToolContinueTransaction = mcp.NewTool("continue_transaction",
	mcp.WithDescription(
		"Resume a transaction whose ledger call was interrupted. "+
			"Safe to repeat: the ledger applies a transaction at most once."),
	mcp.WithNumber("tx_id",
		mcp.Required(),
		mcp.Description("Transaction ID reported by the interrupted action")),
)

var ToolWalletInfo = mcp.NewTool("wallet_info",
	mcp.WithDescription("Show a wallet's parties, amount and state."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("Wallet ID")),
)

var ToolListWallets = mcp.NewTool("list_wallets",
	mcp.WithDescription("List every escrow wallet with its state, in creation order."),
)
