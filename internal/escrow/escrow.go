package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/syncutil"
)

// DefaultExecutionBudget bounds how long one request may run, suspended
// ledger call included.
const DefaultExecutionBudget = 30 * time.Second

// EventSink receives every reply the service produces.
type EventSink interface {
	Publish(ev Event)
}

// Service is the escrow state machine. It validates each action against the
// wallet table, delegates fund movement to the Coordinator and commits the
// resulting transition.
type Service struct {
	account common.Address // escrow's own account in the ledger
	wallets WalletStore
	txs     TransactionLog
	coord   *Coordinator
	budget  time.Duration
	locks   *syncutil.ContextShardedMutex
	sink    EventSink
	logger  *slog.Logger
}

// NewService creates the state machine. account is the ledger account that
// holds deposited funds and must not be the zero address.
func NewService(account common.Address, wallets WalletStore, txs TransactionLog, coord *Coordinator) (*Service, error) {
	if account == (common.Address{}) {
		return nil, fmt.Errorf("%w: escrow account can't be the zero address", ErrInvalidInput)
	}
	return &Service{
		account: account,
		wallets: wallets,
		txs:     txs,
		coord:   coord,
		budget:  DefaultExecutionBudget,
		locks:   syncutil.NewContextShardedMutex(),
		logger:  slog.Default(),
	}, nil
}

// WithEventSink publishes every reply to sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithExecutionBudget sets the per-request budget. Zero leaves requests
// bounded only by their caller's context.
func (s *Service) WithExecutionBudget(d time.Duration) *Service {
	s.budget = d
	return s
}

// Account returns the escrow's ledger account.
func (s *Service) Account() common.Address {
	return s.account
}

// Handle dispatches one inbound action on behalf of caller.
func (s *Service) Handle(ctx context.Context, caller common.Address, a Action) (*Event, error) {
	switch a.Kind {
	case ActionCreate:
		return s.Create(ctx, caller, a.Buyer, a.Seller, a.Amount)
	case ActionDeposit:
		return s.Deposit(ctx, caller, a.WalletID)
	case ActionConfirm:
		return s.Confirm(ctx, caller, a.WalletID)
	case ActionRefund:
		return s.Refund(ctx, caller, a.WalletID)
	case ActionCancel:
		return s.Cancel(ctx, caller, a.WalletID)
	case ActionContinue:
		return s.Continue(ctx, caller, a.TxID)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, a.Kind)
	}
}

// Create opens a wallet in awaiting_deposit. The caller must be one of the
// two parties, and the parties can't both be the zero address.
func (s *Service) Create(ctx context.Context, caller, buyer, seller common.Address, amount Amount) (*Event, error) {
	w := Wallet{Buyer: buyer, Seller: seller, Amount: amount, State: StateAwaitingDeposit}
	if err := w.validate(); err != nil {
		return s.reject(ActionCreate, err)
	}
	if !w.IsParty(caller) {
		return s.reject(ActionCreate, fmt.Errorf("%w: caller must be the buyer or the seller", ErrUnauthorized))
	}

	id, err := s.wallets.Create(ctx, w)
	if err != nil {
		return s.reject(ActionCreate, err)
	}

	s.logger.Info("wallet created", "walletId", id, "buyer", buyer, "seller", seller, "amount", amount)
	return s.reply(ActionCreate, walletEvent(EventCreated, id)), nil
}

// Deposit moves the wallet amount from the buyer into the escrow account.
func (s *Service) Deposit(ctx context.Context, caller common.Address, id WalletID) (*Event, error) {
	return s.fundAction(ctx, caller, PendingAction{Kind: ActionDeposit, WalletID: id})
}

// Confirm releases the deposited amount to the seller and closes the wallet.
func (s *Service) Confirm(ctx context.Context, caller common.Address, id WalletID) (*Event, error) {
	return s.fundAction(ctx, caller, PendingAction{Kind: ActionConfirm, WalletID: id})
}

// Refund returns the deposited amount to the buyer; the wallet can then take
// another deposit.
func (s *Service) Refund(ctx context.Context, caller common.Address, id WalletID) (*Event, error) {
	return s.fundAction(ctx, caller, PendingAction{Kind: ActionRefund, WalletID: id})
}

// Cancel closes a wallet that has not been funded. No transfer happens.
func (s *Service) Cancel(ctx context.Context, caller common.Address, id WalletID) (*Event, error) {
	unlock, err := s.locks.LockContext(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.wallets.Get(ctx, id)
	if err != nil {
		return s.reject(ActionCancel, err)
	}
	if !w.IsParty(caller) {
		return s.reject(ActionCancel, fmt.Errorf("%w: caller must be the buyer or the seller", ErrUnauthorized))
	}
	if w.State != StateAwaitingDeposit {
		return s.reject(ActionCancel, fmt.Errorf("%w: wallet %s is %s", ErrInvalidState, id, w.State))
	}

	if err := s.wallets.SetState(ctx, id, StateClosed); err != nil {
		return nil, fmt.Errorf("failed to close wallet: %w", err)
	}

	s.supersede(ctx, id)
	s.logger.Info("wallet cancelled", "walletId", id)
	return s.reply(ActionCancel, walletEvent(EventCancelled, id)), nil
}

// Continue replays the action recorded under tx with the same id. Any caller
// may continue a transaction. An id with no record replies
// transaction_processed and changes nothing.
func (s *Service) Continue(ctx context.Context, caller common.Address, tx TxID) (*Event, error) {
	action, ok, err := s.txs.Lookup(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if !ok {
		return s.reply(ActionContinue, &Event{Kind: EventTransactionProcessed}), nil
	}

	ctx, cancel := s.execContext(ctx)
	defer cancel()

	unlock, err := s.locks.LockContext(ctx, lockKey(action.WalletID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The record may have settled while we queued for the wallet.
	action, ok, err = s.txs.Lookup(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if !ok {
		return s.reply(ActionContinue, &Event{Kind: EventTransactionProcessed}), nil
	}

	w, err := s.wallets.Get(ctx, action.WalletID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.dropStale(ctx, tx, action, "wallet not found")
	case err != nil:
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	case w.State != action.requiredState():
		// Nothing moves the wallet back into the state this record was
		// validated against without settling a newer transaction first.
		return s.dropStale(ctx, tx, action, "wallet is "+string(w.State))
	}

	s.logger.Info("continuing transaction", "txId", tx, "action", action.Kind, "walletId", action.WalletID, "caller", caller)
	return s.settle(ctx, &tx, action, w)
}

// fundAction validates a fresh deposit, confirm or refund and settles it.
func (s *Service) fundAction(ctx context.Context, caller common.Address, action PendingAction) (*Event, error) {
	ctx, cancel := s.execContext(ctx)
	defer cancel()

	unlock, err := s.locks.LockContext(ctx, lockKey(action.WalletID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.wallets.Get(ctx, action.WalletID)
	if err != nil {
		return s.reject(action.Kind, err)
	}

	party, role := w.Buyer, "buyer"
	if action.Kind == ActionRefund {
		party, role = w.Seller, "seller"
	}
	if caller != party {
		return s.reject(action.Kind, fmt.Errorf("%w: caller must be the %s", ErrUnauthorized, role))
	}
	if w.State != action.requiredState() {
		return s.reject(action.Kind, fmt.Errorf("%w: wallet %s is %s", ErrInvalidState, action.WalletID, w.State))
	}

	return s.settle(ctx, nil, action, w)
}

// settle reserves the hook allowance, records the pending transaction, runs
// the transfer and commits its outcome. explicit is set when replaying.
func (s *Service) settle(ctx context.Context, explicit *TxID, action PendingAction, w *Wallet) (*Event, error) {
	callCtx, cancelCall, err := s.coord.Reserve(ctx)
	if err != nil {
		return s.reject(action.Kind, err)
	}
	defer cancelCall()

	tx, err := s.txs.Begin(ctx, explicit, action)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	from, to := s.route(action.Kind, w)
	callID, err := s.coord.Transfer(callCtx, tx, from, to, w.Amount)
	switch {
	case errors.Is(err, ErrInterrupted):
		observeAction(action.Kind, "interrupted")
		s.logger.Warn("transfer interrupted, pending record kept",
			"txId", tx, "callId", callID, "action", action.Kind, "walletId", action.WalletID)
		return nil, err

	case errors.Is(err, ErrTransferFailed):
		// A failed deposit is forgotten; confirm and refund stay resumable.
		if action.Kind == ActionDeposit {
			if cerr := s.txs.Complete(ctx, tx); cerr != nil {
				return nil, fmt.Errorf("failed to clear transaction: %w", cerr)
			}
		}
		s.logger.Info("transaction failed", "txId", tx, "action", action.Kind, "walletId", action.WalletID)
		observeAction(action.Kind, "failed")
		return s.publish(&Event{Kind: EventTransactionFailed}), nil

	case err != nil:
		return nil, err
	}

	if err := s.wallets.SetState(ctx, action.WalletID, action.nextState()); err != nil {
		// Funds moved but the wallet is stale; the record stays so the
		// transaction is visible until someone reconciles it.
		s.logger.Error("CRITICAL: transfer applied but wallet state update failed",
			"txId", tx, "walletId", action.WalletID, "error", err)
		return nil, fmt.Errorf("failed to update wallet after transfer (requires manual resolution): %w", err)
	}
	if err := retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		return s.txs.Complete(ctx, tx)
	}); err != nil {
		// The leftover record shows up in the sweeper report.
		s.logger.Error("transaction settled but record removal failed",
			"txId", tx, "walletId", action.WalletID, "error", err)
	}
	s.supersede(ctx, action.WalletID)

	s.logger.Info("transaction settled", "txId", tx, "callId", callID, "action", action.Kind, "walletId", action.WalletID)
	return s.reply(action.Kind, settledEvent(action.Kind, tx, action.WalletID)), nil
}

// dropStale completes a record that can no longer settle and reports it as
// processed.
func (s *Service) dropStale(ctx context.Context, tx TxID, action PendingAction, why string) (*Event, error) {
	if err := s.txs.Complete(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to clear transaction: %w", err)
	}
	s.logger.Warn("stale transaction dropped", "txId", tx, "action", action.Kind,
		"walletId", action.WalletID, "reason", why)
	return s.reply(ActionContinue, &Event{Kind: EventTransactionProcessed}), nil
}

// supersede completes every pending record left for a wallet that has just
// changed state. Those records were validated against the old state.
func (s *Service) supersede(ctx context.Context, id WalletID) {
	pending, err := s.txs.List(ctx)
	if err != nil {
		s.logger.Error("failed to list pending transactions", "walletId", id, "error", err)
		return
	}
	for _, p := range pending {
		if p.Action.WalletID != id {
			continue
		}
		if err := s.txs.Complete(ctx, p.ID); err != nil {
			s.logger.Error("failed to clear superseded transaction", "txId", p.ID, "walletId", id, "error", err)
			continue
		}
		s.logger.Info("superseded transaction cleared", "txId", p.ID, "action", p.Action.Kind, "walletId", id)
	}
}

// route returns the ledger accounts a fund-moving action transfers between.
func (s *Service) route(kind ActionKind, w *Wallet) (from, to common.Address) {
	switch kind {
	case ActionDeposit:
		return w.Buyer, s.account
	case ActionConfirm:
		return s.account, w.Seller
	default:
		return s.account, w.Buyer
	}
}

// Info returns the wallet with the given id.
func (s *Service) Info(ctx context.Context, id WalletID) (*Wallet, error) {
	return s.wallets.Get(ctx, id)
}

// CreatedWallets returns every wallet ordered by id.
func (s *Service) CreatedWallets(ctx context.Context) ([]WalletEntry, error) {
	return s.wallets.List(ctx)
}

// PendingTransactions returns the transactions that have not settled.
func (s *Service) PendingTransactions(ctx context.Context) ([]PendingTx, error) {
	return s.txs.List(ctx)
}

// Interrupts returns the bookkeeping records of every ledger call.
func (s *Service) Interrupts(ctx context.Context) ([]InterruptRecord, error) {
	return s.coord.tracker.List(ctx)
}

func (s *Service) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.budget)
}

func (s *Service) reject(kind ActionKind, err error) (*Event, error) {
	observeAction(kind, "rejected")
	return nil, err
}

func (s *Service) reply(kind ActionKind, ev *Event) *Event {
	observeAction(kind, "ok")
	return s.publish(ev)
}

func (s *Service) publish(ev *Event) *Event {
	if s.sink != nil {
		s.sink.Publish(*ev)
	}
	return ev
}

func lockKey(id WalletID) string {
	return "wallet:" + id.String()
}
