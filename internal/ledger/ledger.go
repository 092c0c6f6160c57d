// Package ledger is a development account ledger that speaks the transfer
// protocol escrowd expects from its external balance service.
//
// Flow:
//  1. Accounts are funded with Mint (a faucet; development only)
//  2. A caller (origin) asks for Transfer under a transaction id
//  3. The first request for (origin, txId) moves funds and is recorded
//  4. Any later identical request for the same (origin, txId) replies ok
//     without moving funds again; a different transfer under that key is
//     refused with ErrTxIDConflict
//
// A transfer refused for lack of funds is not recorded, so the same
// transaction id may succeed once the sender is funded.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrBalanceOverflow     = errors.New("balance overflow")
	// ErrTxIDConflict is returned when (origin, txId) was already applied
	// with a different sender, recipient or amount.
	ErrTxIDConflict = errors.New("transaction id already applied with a different transfer")
)

// MaxAmountBits bounds a single transfer to an unsigned 128-bit value.
const MaxAmountBits = 128

// TransferRequest asks the ledger to move Amount from Sender to Recipient.
// Origin is the account that submitted the request; (Origin, TxID) is the
// idempotency key.
type TransferRequest struct {
	Origin    common.Address `json:"origin"`
	TxID      uint64         `json:"txId"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
}

// Entry is one applied transfer.
type Entry struct {
	ID        string         `json:"id"`
	Origin    common.Address `json:"origin"`
	TxID      uint64         `json:"txId"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Balance is an account's current balance.
type Balance struct {
	Address common.Address `json:"address"`
	Amount  string         `json:"amount"`
}

// Store persists balances and applied transfers.
type Store interface {
	// Apply moves funds for e unless (e.Origin, e.TxID) was applied before,
	// in which case it returns the earlier entry and replay=true.
	Apply(ctx context.Context, e Entry, amount *uint256.Int) (applied *Entry, replay bool, err error)
	Mint(ctx context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error)
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	History(ctx context.Context, addr common.Address, limit int) ([]*Entry, error)
	Supply(ctx context.Context) (*uint256.Int, error)
}

// Ledger validates requests and applies them to a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Transfer applies req once per (origin, txId). replay reports whether the
// request had already been applied.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (entry *Entry, replay bool, err error) {
	done := observeOp("transfer")
	defer done()

	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, false, err
	}

	entry, replay, err = l.store.Apply(ctx, Entry{
		Origin:    req.Origin,
		TxID:      req.TxID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Amount:    amount.Dec(),
	}, amount)
	if err != nil {
		return nil, false, err
	}
	if replay {
		transfersReplayed.Inc()
	}
	l.updateSupply(ctx)
	return entry, replay, nil
}

// Mint credits addr out of thin air.
func (l *Ledger) Mint(ctx context.Context, addr common.Address, amountStr string) (*Balance, error) {
	done := observeOp("mint")
	defer done()

	amount, err := ParseAmount(amountStr)
	if err != nil {
		return nil, err
	}
	bal, err := l.store.Mint(ctx, addr, amount)
	if err != nil {
		return nil, err
	}
	l.updateSupply(ctx)
	return &Balance{Address: addr, Amount: bal.Dec()}, nil
}

// GetBalance returns addr's balance. Unknown accounts hold zero.
func (l *Ledger) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	done := observeOp("balance")
	defer done()

	bal, err := l.store.Balance(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Balance{Address: addr, Amount: bal.Dec()}, nil
}

// GetHistory returns the transfers addr took part in, newest first.
func (l *Ledger) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	return l.store.History(ctx, addr, limit)
}

func (l *Ledger) updateSupply(ctx context.Context) {
	supply, err := l.store.Supply(ctx)
	if err != nil {
		return
	}
	LedgerSupply.Set(supply.Float64())
}

// ParseAmount parses a decimal amount of at most 128 bits.
func ParseAmount(s string) (*uint256.Int, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if u.BitLen() > MaxAmountBits {
		return nil, fmt.Errorf("%w: %q exceeds 128 bits", ErrInvalidAmount, s)
	}
	return u, nil
}
