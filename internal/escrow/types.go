// Package escrow holds funds between a buyer and a seller in named wallets.
//
// Funds never live here: they sit in an external ledger and move only through
// transfer requests to it.
//
// Flow:
//  1. Buyer or seller creates a wallet → awaiting_deposit
//  2. Buyer deposits → ledger moves buyer → escrow account → awaiting_confirmation
//  3. Buyer confirms → ledger moves escrow account → seller → closed
//  4. Seller refunds → ledger moves escrow account → buyer → awaiting_deposit (reusable)
//  5. Either party cancels before a deposit → closed
//
// A transfer whose reply never arrives (the request ran out of execution budget
// while waiting) leaves its pending record in place. Continue replays it under
// the same transaction id; the ledger's per-id idempotency keeps the replay from
// moving funds twice.
package escrow

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnauthorized = errors.New("caller not authorized for this wallet operation")
	ErrInvalidState = errors.New("invalid wallet state for this operation")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransferFailed is returned by the coordinator when the ledger rejects
	// a transfer. The state machine turns it into a transaction_failed event.
	ErrTransferFailed = errors.New("ledger transfer failed")

	// ErrInterrupted means the request's execution budget ran out while the
	// ledger call was outstanding. No reply is produced for such a request.
	ErrInterrupted = errors.New("transfer interrupted before the ledger replied")

	// ErrInsufficientBudget means the interrupt hook allowance could not be
	// reserved from what is left of the request's execution budget.
	ErrInsufficientBudget = errors.New("execution budget too small to reserve interrupt hook allowance")
)

// maxAmountBits bounds Amount to an unsigned 128-bit value.
const maxAmountBits = 128

// WalletID identifies a wallet. Ids are allocated sequentially and never reused.
type WalletID uint256.Int

// WalletIDFromUint64 returns the id n.
func WalletIDFromUint64(n uint64) WalletID {
	return WalletID(*uint256.NewInt(n))
}

// ParseWalletID parses a decimal wallet id.
func ParseWalletID(s string) (WalletID, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return WalletID{}, fmt.Errorf("%w: wallet id %q", ErrInvalidInput, s)
	}
	return WalletID(*u), nil
}

func (id WalletID) String() string {
	u := uint256.Int(id)
	return u.Dec()
}

// Cmp compares id and other as unsigned integers.
func (id WalletID) Cmp(other WalletID) int {
	a, b := uint256.Int(id), uint256.Int(other)
	return a.Cmp(&b)
}

// Next returns id+1. ok is false when the id space is exhausted.
func (id WalletID) Next() (next WalletID, ok bool) {
	u := uint256.Int(id)
	var out uint256.Int
	if _, overflow := out.AddOverflow(&u, uint256.NewInt(1)); overflow {
		return id, false
	}
	return WalletID(out), true
}

func (id WalletID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *WalletID) UnmarshalText(b []byte) error {
	parsed, err := ParseWalletID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Amount is the contractually agreed transfer size of a wallet. It is an
// unsigned integer of at most 128 bits and never a live balance.
type Amount uint256.Int

// NewAmount returns the amount n.
func NewAmount(n uint64) Amount {
	return Amount(*uint256.NewInt(n))
}

// ParseAmount parses a decimal amount, rejecting values above 128 bits.
func ParseAmount(s string) (Amount, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: amount %q", ErrInvalidInput, s)
	}
	if u.BitLen() > maxAmountBits {
		return Amount{}, fmt.Errorf("%w: amount %q exceeds 128 bits", ErrInvalidInput, s)
	}
	return Amount(*u), nil
}

// Int returns a copy of a as a uint256.
func (a Amount) Int() *uint256.Int {
	u := uint256.Int(a)
	return &u
}

func (a Amount) String() string {
	return a.Int().Dec()
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// TxID identifies one attempt to move funds. Continue reuses it.
type TxID uint64

func (id TxID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTxID parses a decimal transaction id.
func ParseTxID(s string) (TxID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction id %q", ErrInvalidInput, s)
	}
	return TxID(n), nil
}

// WalletState is the lifecycle state of a wallet.
type WalletState string

const (
	StateAwaitingDeposit      WalletState = "awaiting_deposit"
	StateAwaitingConfirmation WalletState = "awaiting_confirmation"
	StateClosed               WalletState = "closed" // terminal
)

// Wallet pairs a buyer and a seller with an agreed amount.
type Wallet struct {
	Buyer  common.Address `json:"buyer"`
	Seller common.Address `json:"seller"`
	Amount Amount         `json:"amount"`
	State  WalletState    `json:"state"`
}

// IsParty reports whether addr is the buyer or the seller.
func (w *Wallet) IsParty(addr common.Address) bool {
	return addr == w.Buyer || addr == w.Seller
}

// validate rejects a wallet whose parties are both the null account.
func (w *Wallet) validate() error {
	if w.Buyer == (common.Address{}) && w.Seller == (common.Address{}) {
		return fmt.Errorf("%w: buyer and seller can't both be the zero address", ErrInvalidInput)
	}
	return nil
}

// WalletEntry is a wallet together with its id.
type WalletEntry struct {
	ID     WalletID `json:"id"`
	Wallet Wallet   `json:"wallet"`
}

// ActionKind tags an inbound action.
type ActionKind string

const (
	ActionCreate   ActionKind = "create"
	ActionDeposit  ActionKind = "deposit"
	ActionConfirm  ActionKind = "confirm"
	ActionRefund   ActionKind = "refund"
	ActionCancel   ActionKind = "cancel"
	ActionContinue ActionKind = "continue"
)

// Action is the inbound request union. Which fields are read depends on Kind:
// create uses Buyer, Seller and Amount; deposit, confirm, refund and cancel use
// WalletID; continue uses TxID.
type Action struct {
	Kind     ActionKind     `json:"kind"`
	WalletID WalletID       `json:"walletId"`
	TxID     TxID           `json:"txId"`
	Buyer    common.Address `json:"buyer"`
	Seller   common.Address `json:"seller"`
	Amount   Amount         `json:"amount"`
}

// PendingAction is the fund-moving action a pending transaction stands for.
type PendingAction struct {
	Kind     ActionKind `json:"kind"`
	WalletID WalletID   `json:"walletId"`
}

// requiredState is the wallet state the action must find before dispatching.
func (p PendingAction) requiredState() WalletState {
	if p.Kind == ActionDeposit {
		return StateAwaitingDeposit
	}
	return StateAwaitingConfirmation
}

// nextState is the wallet state after the action's transfer succeeds.
func (p PendingAction) nextState() WalletState {
	switch p.Kind {
	case ActionDeposit:
		return StateAwaitingConfirmation
	case ActionConfirm:
		return StateClosed
	default:
		return StateAwaitingDeposit
	}
}

// PendingTx is a pending transaction record.
type PendingTx struct {
	ID     TxID          `json:"txId"`
	Action PendingAction `json:"action"`
}

// EventKind tags an outbound reply.
type EventKind string

const (
	EventCreated              EventKind = "created"
	EventDeposited            EventKind = "deposited"
	EventConfirmed            EventKind = "confirmed"
	EventRefunded             EventKind = "refunded"
	EventCancelled            EventKind = "cancelled"
	EventTransactionFailed    EventKind = "transaction_failed"
	EventTransactionProcessed EventKind = "transaction_processed"
)

// Event is the reply to an action.
type Event struct {
	Kind     EventKind `json:"event"`
	WalletID *WalletID `json:"walletId,omitempty"`
	TxID     *TxID     `json:"txId,omitempty"`
}

func walletEvent(kind EventKind, id WalletID) *Event {
	return &Event{Kind: kind, WalletID: &id}
}

func txEvent(kind EventKind, tx TxID, id WalletID) *Event {
	return &Event{Kind: kind, WalletID: &id, TxID: &tx}
}

// settledEvent maps a fund-moving action to its success event.
func settledEvent(kind ActionKind, tx TxID, id WalletID) *Event {
	switch kind {
	case ActionDeposit:
		return txEvent(EventDeposited, tx, id)
	case ActionConfirm:
		return txEvent(EventConfirmed, tx, id)
	default:
		return txEvent(EventRefunded, tx, id)
	}
}

// InterruptedError is returned when a transfer was abandoned before its reply.
// The pending record for TxID survives, so Continue(TxID) can finish the job.
type InterruptedError struct {
	TxID   TxID
	CallID string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("transaction %s: %v (call %s)", e.TxID, ErrInterrupted, e.CallID)
}

func (e *InterruptedError) Is(target error) bool { return target == ErrInterrupted }
