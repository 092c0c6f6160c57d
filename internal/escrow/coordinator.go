package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultHookReserve is the slice of a request's execution budget set aside
// for interrupt bookkeeping once the ledger call is abandoned.
const DefaultHookReserve = 5 * time.Second

// TransferRequest is the outbound call to the ledger service.
type TransferRequest struct {
	TxID      TxID           `json:"txId"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    Amount         `json:"amount"`
}

// ReplyStatus is the ledger's verdict on a transfer.
type ReplyStatus string

const (
	ReplyOK  ReplyStatus = "ok"
	ReplyErr ReplyStatus = "err"
)

// Reply is the ledger's answer to a TransferRequest.
type Reply struct {
	Status ReplyStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Ledger is the external service holding balances. Implementations must treat
// a repeated TxID as idempotent: once applied, a replay replies ReplyOK without
// moving funds again.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) (*Reply, error)
}

// InterruptHook is invoked after a ledger call was abandoned, with the tracked
// state of that call. It runs on the reserved allowance, not the request's.
type InterruptHook interface {
	OnInterrupt(ctx context.Context, rec InterruptRecord)
}

// InterruptHookFunc adapts a function to InterruptHook.
type InterruptHookFunc func(ctx context.Context, rec InterruptRecord)

func (f InterruptHookFunc) OnInterrupt(ctx context.Context, rec InterruptRecord) { f(ctx, rec) }

// LogHook reports interrupted calls and leaves recovery to Continue.
func LogHook(logger *slog.Logger) InterruptHook {
	return InterruptHookFunc(func(ctx context.Context, rec InterruptRecord) {
		logger.Warn("ledger call interrupted, transaction awaits continue",
			"callId", rec.CallID,
			"txId", rec.TxID,
			"state", rec.State,
		)
	})
}

// Coordinator performs transfers against the ledger and keeps the interrupt
// bookkeeping for every call it dispatches.
type Coordinator struct {
	ledger  Ledger
	tracker InterruptTracker
	hook    InterruptHook
	reserve time.Duration
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator with the default hook reserve and a
// logging interrupt hook.
func NewCoordinator(ledger Ledger, tracker InterruptTracker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ledger:  ledger,
		tracker: tracker,
		hook:    LogHook(logger),
		reserve: DefaultHookReserve,
		logger:  logger,
	}
}

// WithHook replaces the interrupt hook.
func (c *Coordinator) WithHook(h InterruptHook) *Coordinator {
	if h != nil {
		c.hook = h
	}
	return c
}

// WithHookReserve sets the allowance kept back for the interrupt hook.
func (c *Coordinator) WithHookReserve(d time.Duration) *Coordinator {
	if d > 0 {
		c.reserve = d
	}
	return c
}

// Reserve carves the hook allowance out of ctx's remaining budget. The
// returned context is the one to suspend on: it ends a reserve's length before
// ctx does. A ctx without a deadline is unmetered.
func (c *Coordinator) Reserve(ctx context.Context) (context.Context, context.CancelFunc, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		callCtx, cancel := context.WithCancel(ctx)
		return callCtx, cancel, nil
	}
	if time.Until(deadline) <= c.reserve {
		return nil, nil, ErrInsufficientBudget
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline.Add(-c.reserve))
	return callCtx, cancel, nil
}

// Transfer asks the ledger to move amount from one account to another under
// tx and waits for the reply. It returns the call id on success,
// ErrTransferFailed when the ledger says no, and an *InterruptedError when ctx
// ends before any reply.
func (c *Coordinator) Transfer(ctx context.Context, tx TxID, from, to common.Address, amount Amount) (string, error) {
	callID := idgen.WithPrefix("call_")
	if err := c.tracker.Track(ctx, callID, tx); err != nil {
		return "", fmt.Errorf("failed to track ledger call: %w", err)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Transfer",
		traces.TxID(uint64(tx)),
		traces.CallID(callID),
		traces.Amount(amount.String()),
	)
	defer span.End()

	start := time.Now()
	reply, err := c.ledger.Transfer(ctx, TransferRequest{
		TxID:      tx,
		Sender:    from,
		Recipient: to,
		Amount:    amount,
	})
	transferDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		transfersTotal.WithLabelValues("interrupted").Inc()
		span.SetAttributes(traces.Outcome("interrupted"))
		c.interrupt(ctx, callID, tx)
		return callID, &InterruptedError{TxID: tx, CallID: callID}
	}

	if err != nil || reply == nil || reply.Status != ReplyOK {
		transfersTotal.WithLabelValues("failed").Inc()
		span.SetAttributes(traces.Outcome("failed"))
		if markErr := c.tracker.Mark(ctx, callID, ReconcilePanicked); markErr != nil {
			c.logger.Error("failed to mark ledger call panicked", "callId", callID, "error", markErr)
		}
		reason := "non-ok reply"
		switch {
		case err != nil:
			reason = err.Error()
		case reply != nil && reply.Reason != "":
			reason = reply.Reason
		}
		c.logger.Info("ledger rejected transfer", "txId", tx, "callId", callID, "reason", reason)
		return callID, fmt.Errorf("%w: %s", ErrTransferFailed, reason)
	}

	transfersTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(traces.Outcome("ok"))
	if err := c.tracker.Mark(ctx, callID, ReconcileNormal); err != nil {
		c.logger.Error("failed to mark ledger call normal", "callId", callID, "error", err)
	}
	return callID, nil
}

// interrupt runs the bookkeeping for an abandoned call on a detached context
// bounded by the reserve, then hands the record to the hook.
func (c *Coordinator) interrupt(ctx context.Context, callID string, tx TxID) {
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.reserve)
	defer cancel()

	if err := c.tracker.Mark(hookCtx, callID, ReconcileNeedsRerun); err != nil {
		c.logger.Error("failed to mark ledger call for rerun", "callId", callID, "error", err)
	}

	rec, err := c.tracker.Get(hookCtx, callID)
	if err != nil {
		now := time.Now()
		rec = &InterruptRecord{CallID: callID, TxID: tx, State: ReconcileNeedsRerun, CreatedAt: now, UpdatedAt: now}
	}
	c.hook.OnInterrupt(hookCtx, *rec)
}
