package escrow

import (
	"context"
	"time"
)

// WalletStore owns the table of wallets.
type WalletStore interface {
	// Create allocates the next wallet id and stores w in awaiting_deposit.
	Create(ctx context.Context, w Wallet) (WalletID, error)
	Get(ctx context.Context, id WalletID) (*Wallet, error)
	// SetState is the only mutation a wallet ever sees.
	SetState(ctx context.Context, id WalletID, state WalletState) error
	// List returns every wallet ordered by id.
	List(ctx context.Context) ([]WalletEntry, error)
}

// TransactionLog owns the pending transaction records.
type TransactionLog interface {
	// Begin stores action under explicit when given, otherwise under the next
	// sequential id.
	Begin(ctx context.Context, explicit *TxID, action PendingAction) (TxID, error)
	// Complete removes the record; the transaction is settled.
	Complete(ctx context.Context, id TxID) error
	Lookup(ctx context.Context, id TxID) (PendingAction, bool, error)
	List(ctx context.Context) ([]PendingTx, error)
}

// ReconciliationState tracks what is known about an outbound ledger call.
type ReconciliationState string

const (
	ReconcileNormal     ReconciliationState = "normal"
	ReconcilePanicked   ReconciliationState = "panicked"
	ReconcileNeedsRerun ReconciliationState = "needs_rerun"
)

// InterruptRecord is the bookkeeping entry for one outbound ledger call.
type InterruptRecord struct {
	CallID    string              `json:"callId"`
	TxID      TxID                `json:"txId"`
	State     ReconciliationState `json:"state"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// InterruptTracker maps outbound call ids to reconciliation state. Records are
// never removed automatically.
type InterruptTracker interface {
	Track(ctx context.Context, callID string, tx TxID) error
	Mark(ctx context.Context, callID string, state ReconciliationState) error
	Get(ctx context.Context, callID string) (*InterruptRecord, error)
	List(ctx context.Context) ([]InterruptRecord, error)
}
