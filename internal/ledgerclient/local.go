package ledgerclient

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
)

// Local implements escrow.Ledger against an in-process ledger. It backs
// LEDGER_URL=memory:// in development.
type Local struct {
	ledger *ledger.Ledger
	origin common.Address
}

// NewLocal wraps l, submitting transfers as origin.
func NewLocal(l *ledger.Ledger, origin common.Address) *Local {
	return &Local{ledger: l, origin: origin}
}

func (a *Local) Transfer(ctx context.Context, req escrow.TransferRequest) (*escrow.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, _, err := a.ledger.Transfer(ctx, ledger.TransferRequest{
		Origin:    a.origin,
		TxID:      uint64(req.TxID),
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    req.Amount.String(),
	})
	switch {
	case err == nil:
		return &escrow.Reply{Status: escrow.ReplyOK}, nil
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrBalanceOverflow),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrTxIDConflict):
		return &escrow.Reply{Status: escrow.ReplyErr, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

// Ping always succeeds; the ledger lives in this process.
func (a *Local) Ping(ctx context.Context) error {
	return nil
}

var _ escrow.Ledger = (*Local)(nil)
