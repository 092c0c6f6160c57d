package escrow

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
)

// CallerKey is the gin context key holding the authenticated caller address.
const CallerKey = "callerAddr"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read-only projection routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:id", validation.WalletIDParamMiddleware(), h.GetWallet)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/interrupts", h.ListInterrupts)
}

// RegisterProtectedRoutes sets up the routes that act on behalf of a caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/actions", h.HandleAction)
	r.POST("/wallets", h.CreateWallet)

	w := r.Group("/wallets/:id", validation.WalletIDParamMiddleware())
	w.POST("/deposit", h.walletAction(ActionDeposit))
	w.POST("/confirm", h.walletAction(ActionConfirm))
	w.POST("/refund", h.walletAction(ActionRefund))
	w.POST("/cancel", h.walletAction(ActionCancel))

	r.POST("/transactions/:txId/continue", h.ContinueTransaction)
}

// CreateRequest is the body of POST /v1/wallets.
type CreateRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

// HandleAction handles POST /v1/actions with a tagged action body.
func (h *Handler) HandleAction(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var a Action
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid action body: " + err.Error(),
		})
		return
	}

	ev, err := h.service.Handle(c.Request.Context(), caller, a)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if a.Kind == ActionCreate {
		status = http.StatusCreated
	}
	c.JSON(status, ev)
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyer", req.Buyer),
		validation.Required("seller", req.Seller),
		validation.Required("amount", req.Amount),
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	buyer, _ := validation.ParseAddress(req.Buyer)
	seller, _ := validation.ParseAddress(req.Seller)
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}

	ev, err := h.service.Create(c.Request.Context(), caller, buyer, seller, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// walletAction handles POST /v1/wallets/:id/{deposit,confirm,refund,cancel}
func (h *Handler) walletAction(kind ActionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerAddress(c)
		if !ok {
			return
		}
		id, err := ParseWalletID(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}

		ev, err := h.service.Handle(c.Request.Context(), caller, Action{Kind: kind, WalletID: id})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

// ContinueTransaction handles POST /v1/transactions/:txId/continue
func (h *Handler) ContinueTransaction(c *gin.Context) {
	caller, ok := callerAddress(c)
	if !ok {
		return
	}
	tx, err := ParseTxID(c.Param("txId"))
	if err != nil {
		writeError(c, err)
		return
	}

	ev, err := h.service.Continue(c.Request.Context(), caller, tx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	id, err := ParseWalletID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	w, err := h.service.Info(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": id, "wallet": w})
}

// ListWallets handles GET /v1/wallets. Without ?limit or ?cursor it returns
// every created wallet; otherwise it pages through them in id order.
func (h *Handler) ListWallets(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	wallets, err := h.service.CreatedWallets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if wallets == nil {
		wallets = []WalletEntry{}
	}

	if cursor == nil && c.Query("limit") == "" {
		c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets)})
		return
	}

	if cursor != nil {
		after, err := ParseWalletID(cursor.After)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
			return
		}
		start := sort.Search(len(wallets), func(i int) bool {
			return wallets[i].ID.Cmp(after) > 0
		})
		wallets = wallets[start:]
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	page, next, hasMore := pagination.ComputePage(wallets, pagination.ClampLimit(limit), func(e WalletEntry) string {
		return e.ID.String()
	})
	c.JSON(http.StatusOK, gin.H{
		"wallets":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.PendingTransactions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []PendingTx{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListInterrupts handles GET /v1/interrupts
func (h *Handler) ListInterrupts(c *gin.Context) {
	recs, err := h.service.Interrupts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []InterruptRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"interrupts": recs, "count": len(recs)})
}

// callerAddress reads the caller set by the identity middleware and writes a
// 401 when it is missing.
func callerAddress(c *gin.Context) (common.Address, bool) {
	addr, ok := validation.ParseAddress(c.GetString(CallerKey))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_caller",
			"message": "A valid caller address is required",
		})
		return common.Address{}, false
	}
	return addr, true
}

func writeError(c *gin.Context, err error) {
	var interrupted *InterruptedError
	if errors.As(err, &interrupted) {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "interrupted",
			"message": err.Error(),
			"txId":    interrupted.TxID,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrInsufficientBudget):
		status = http.StatusServiceUnavailable
		code = "insufficient_budget"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
		code = "timeout"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
