package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateWallet opens a wallet.
func (h *Handlers) HandleCreateWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buyer := req.GetString("buyer", "")
	seller := req.GetString("seller", "")
	amount := req.GetString("amount", "")
	switch {
	case buyer == "":
		return mcp.NewToolResultError("buyer is required"), nil
	case seller == "":
		return mcp.NewToolResultError("seller is required"), nil
	case amount == "":
		return mcp.NewToolResultError("amount is required"), nil
	}

	ev, err := h.client.CreateWallet(ctx, buyer, seller, amount)
	if err != nil {
		return actionError("Wallet creation failed", err), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Wallet created.\n"+
			"Wallet ID: %s\n"+
			"Amount: %s\n"+
			"Status: Awaiting deposit from %s",
		ev.WalletID, amount, buyer)), nil
}

// walletAction returns the handler for a single-wallet action tool.
func (h *Handlers) walletAction(action string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		walletID := req.GetString("wallet_id", "")
		if walletID == "" {
			return mcp.NewToolResultError("wallet_id is required"), nil
		}

		ev, err := h.client.WalletAction(ctx, walletID, action)
		if err != nil {
			return actionError(fmt.Sprintf("Failed to %s wallet %s", action, walletID), err), nil
		}
		return mcp.NewToolResultText(formatEvent(ev)), nil
	}
}

// HandleContinueTransaction resumes an interrupted transaction.
func (h *Handlers) HandleContinueTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tx := req.GetInt("tx_id", -1)
	if tx < 0 {
		return mcp.NewToolResultError("tx_id is required"), nil
	}

	ev, err := h.client.ContinueTransaction(ctx, uint64(tx))
	if err != nil {
		return actionError(fmt.Sprintf("Failed to continue transaction %d", tx), err), nil
	}
	return mcp.NewToolResultText(formatEvent(ev)), nil
}

// HandleWalletInfo shows one wallet.
func (h *Handlers) HandleWalletInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}

	w, err := h.client.GetWallet(ctx, walletID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s:\n", walletID)
	writeWallet(&sb, "  ", *w)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListWallets lists all wallets.
func (h *Handlers) HandleListWallets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallets, err := h.client.ListWallets(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list wallets: %v", err)), nil
	}
	if len(wallets) == 0 {
		return mcp.NewToolResultText("No wallets found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d wallet(s):\n\n", len(wallets))
	for i, e := range wallets {
		fmt.Fprintf(&sb, "%d. Wallet %s\n", i+1, e.ID)
		writeWallet(&sb, "   ", e.Wallet)
		if i < len(wallets)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// actionError renders a failed action. An interrupted transfer is not a
// failure from the caller's point of view, so it is reported as text with the
// id to resume.
func actionError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Interrupted() {
		return mcp.NewToolResultText(fmt.Sprintf(
			"The ledger did not answer in time. The transfer may or may not have been applied.\n"+
				"Transaction ID: %d\n\n"+
				"Use continue_transaction with this tx_id to finish it.",
			*apiErr.TxID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func formatEvent(ev *Event) string {
	var sb strings.Builder
	switch ev.Event {
	case "deposited":
		sb.WriteString("Deposit settled. Funds are held in escrow.\n")
	case "confirmed":
		sb.WriteString("Confirmed. Funds released to the seller; the wallet is closed.\n")
	case "refunded":
		sb.WriteString("Refunded. Funds returned to the buyer; the wallet awaits a new deposit.\n")
	case "cancelled":
		sb.WriteString("Wallet cancelled.\n")
	case "transaction_failed":
		sb.WriteString("The ledger refused the transfer. No funds moved.\n")
	case "transaction_processed":
		sb.WriteString("Transaction already processed. Nothing left to do.\n")
	default:
		fmt.Fprintf(&sb, "Event: %s\n", ev.Event)
	}
	if ev.WalletID != "" {
		fmt.Fprintf(&sb, "Wallet ID: %s\n", ev.WalletID)
	}
	if ev.TxID != nil {
		fmt.Fprintf(&sb, "Transaction ID: %d\n", *ev.TxID)
	}
	return sb.String()
}

func writeWallet(sb *strings.Builder, indent string, w Wallet) {
	fmt.Fprintf(sb, "%sBuyer:  %s\n", indent, w.Buyer)
	fmt.Fprintf(sb, "%sSeller: %s\n", indent, w.Seller)
	fmt.Fprintf(sb, "%sAmount: %s\n", indent, w.Amount)
	fmt.Fprintf(sb, "%sState:  %s\n", indent, w.State)
}
