package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// Reply statuses of POST /v1/transfers.
const (
	StatusOK  = "ok"
	StatusErr = "err"
)

// TransferReply is the body of a POST /v1/transfers response. Business
// outcomes are always 200; only malformed requests get 4xx.
type TransferReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Replay bool   `json:"replay,omitempty"`
	Entry  *Entry `json:"entry,omitempty"`
}

// MintRequest is the body of POST /v1/accounts/:address/mint.
type MintRequest struct {
	Amount string `json:"amount"`
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.Transfer)
	r.GET("/accounts/:address", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// RegisterFaucetRoutes sets up the mint route. Development only.
func (h *Handler) RegisterFaucetRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/mint", h.Mint)
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid transfer body: " + err.Error(),
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	entry, replay, err := h.ledger.Transfer(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrBalanceOverflow) || errors.Is(err, ErrTxIDConflict) {
			h.logger.Info("transfer refused", "origin", req.Origin, "txId", req.TxID, "reason", err)
			c.JSON(http.StatusOK, TransferReply{Status: StatusErr, Reason: err.Error()})
			return
		}
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	h.logger.Info("transfer applied",
		"origin", req.Origin, "txId", req.TxID, "replay", replay,
		"sender", req.Sender, "recipient", req.Recipient, "amount", entry.Amount)
	c.JSON(http.StatusOK, TransferReply{Status: StatusOK, Replay: replay, Entry: entry})
}

// GetBalance handles GET /v1/accounts/:address
func (h *Handler) GetBalance(c *gin.Context) {
	addr, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		invalidAddress(c)
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	addr, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		invalidAddress(c)
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Mint handles POST /v1/accounts/:address/mint
func (h *Handler) Mint(c *gin.Context) {
	addr, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		invalidAddress(c)
		return
	}
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	bal, err := h.ledger.Mint(c.Request.Context(), addr, req.Amount)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrBalanceOverflow) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "mint_failed", "message": err.Error()})
		return
	}

	h.logger.Info("minted", "address", addr, "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func invalidAddress(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_address",
		"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
	})
}
