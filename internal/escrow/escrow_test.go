package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	dto "github.com/prometheus/client_model/go"
)

var (
	buyer      = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	seller     = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	stranger   = common.HexToAddress("0xcccc000000000000000000000000000000000003")
	escrowAcct = common.HexToAddress("0xeeee000000000000000000000000000000000009")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger is an idempotent in-memory ledger. A transaction id that was
// applied once replies ok without moving funds again.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	applied  map[TxID]bool
	calls    []TransferRequest

	reject bool // reply err to every call
	hang   bool // apply, then wait for ctx to end without replying
	err    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[common.Address]*uint256.Int),
		applied:  make(map[TxID]bool),
	}
}

func (f *fakeLedger) fund(addr common.Address, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = uint256.NewInt(n)
}

func (f *fakeLedger) balance(addr common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return b.Uint64()
	}
	return 0
}

func (f *fakeLedger) setHang(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = v
}

func (f *fakeLedger) setReject(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = v
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLedger) Transfer(ctx context.Context, req TransferRequest) (*Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	if f.reject {
		f.mu.Unlock()
		return &Reply{Status: ReplyErr, Reason: "rejected"}, nil
	}
	if !f.applied[req.TxID] {
		from := f.balances[req.Sender]
		if from == nil {
			from = new(uint256.Int)
			f.balances[req.Sender] = from
		}
		if from.Lt(req.Amount.Int()) {
			f.mu.Unlock()
			return &Reply{Status: ReplyErr, Reason: "insufficient balance"}, nil
		}
		to := f.balances[req.Recipient]
		if to == nil {
			to = new(uint256.Int)
			f.balances[req.Recipient] = to
		}
		from.Sub(from, req.Amount.Int())
		to.Add(to, req.Amount.Int())
		f.applied[req.TxID] = true
	}
	hang := f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &Reply{Status: ReplyOK}, nil
}

type testEnv struct {
	svc     *Service
	ledger  *fakeLedger
	wallets *MemoryWalletStore
	txs     *MemoryTransactionLog
	tracker *MemoryInterruptTracker
	coord   *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := newFakeLedger()
	wallets := NewMemoryWalletStore()
	txs := NewMemoryTransactionLog()
	tracker := NewMemoryInterruptTracker()
	coord := NewCoordinator(ledger, tracker, discardLogger())

	svc, err := NewService(escrowAcct, wallets, txs, coord)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.WithLogger(discardLogger())
	return &testEnv{svc: svc, ledger: ledger, wallets: wallets, txs: txs, tracker: tracker, coord: coord}
}

func (e *testEnv) createWallet(t *testing.T, amount uint64) WalletID {
	t.Helper()
	ev, err := e.svc.Create(context.Background(), buyer, buyer, seller, NewAmount(amount))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return *ev.WalletID
}

func (e *testEnv) state(t *testing.T, id WalletID) WalletState {
	t.Helper()
	w, err := e.svc.Info(context.Background(), id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	return w.State
}

func TestNewService_RejectsZeroAccount(t *testing.T) {
	_, err := NewService(common.Address{}, NewMemoryWalletStore(), NewMemoryTransactionLog(),
		NewCoordinator(newFakeLedger(), NewMemoryInterruptTracker(), nil))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_CreateAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		ev, err := env.svc.Create(ctx, seller, buyer, seller, NewAmount(10))
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if ev.Kind != EventCreated {
			t.Errorf("expected created event, got %s", ev.Kind)
		}
		if want := WalletIDFromUint64(i); *ev.WalletID != want {
			t.Errorf("expected wallet id %s, got %s", want, ev.WalletID)
		}
	}

	w, err := env.svc.Info(ctx, WalletIDFromUint64(0))
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if w.State != StateAwaitingDeposit || w.Buyer != buyer || w.Seller != seller {
		t.Errorf("unexpected wallet %+v", w)
	}
}

func TestService_CreateRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, common.Address{}, common.Address{}, common.Address{}, NewAmount(1))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("both-zero parties: expected ErrInvalidInput, got %v", err)
	}

	_, err = env.svc.Create(ctx, stranger, buyer, seller, NewAmount(1))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-party caller: expected ErrUnauthorized, got %v", err)
	}

	wallets, _ := env.svc.CreatedWallets(ctx)
	if len(wallets) != 0 {
		t.Errorf("rejected creates must not allocate wallets, got %d", len(wallets))
	}
}

func TestService_CreateWithOneZeroParty(t *testing.T) {
	env := newTestEnv(t)

	ev, err := env.svc.Create(context.Background(), buyer, buyer, common.Address{}, NewAmount(0))
	if err != nil {
		t.Fatalf("expected a single zero party to be allowed, got %v", err)
	}
	if ev.Kind != EventCreated {
		t.Errorf("expected created, got %s", ev.Kind)
	}
}

func TestService_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 100)

	id := env.createWallet(t, 40)

	ev, err := env.svc.Deposit(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if ev.Kind != EventDeposited || *ev.WalletID != id || ev.TxID == nil {
		t.Fatalf("unexpected deposit event %+v", ev)
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", env.state(t, id))
	}
	if env.ledger.balance(buyer) != 60 || env.ledger.balance(escrowAcct) != 40 {
		t.Fatalf("unexpected balances after deposit: buyer=%d escrow=%d",
			env.ledger.balance(buyer), env.ledger.balance(escrowAcct))
	}

	ev, err = env.svc.Confirm(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if ev.Kind != EventConfirmed {
		t.Fatalf("expected confirmed, got %s", ev.Kind)
	}
	if env.state(t, id) != StateClosed {
		t.Fatalf("expected closed, got %s", env.state(t, id))
	}
	if env.ledger.balance(seller) != 40 || env.ledger.balance(escrowAcct) != 0 {
		t.Fatalf("unexpected balances after confirm: seller=%d escrow=%d",
			env.ledger.balance(seller), env.ledger.balance(escrowAcct))
	}

	pending, _ := env.svc.PendingTransactions(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending transactions, got %v", pending)
	}
}

func TestService_TransactionIDsIncrease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 100)
	id := env.createWallet(t, 10)

	dep, err := env.svc.Deposit(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	conf, err := env.svc.Confirm(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if *dep.TxID != 0 || *conf.TxID != 1 {
		t.Errorf("expected tx ids 0 and 1, got %s and %s", dep.TxID, conf.TxID)
	}
}

func TestService_RefundMakesWalletReusable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 50)
	id := env.createWallet(t, 50)

	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	ev, err := env.svc.Refund(ctx, seller, id)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if ev.Kind != EventRefunded {
		t.Fatalf("expected refunded, got %s", ev.Kind)
	}
	if env.state(t, id) != StateAwaitingDeposit {
		t.Fatalf("expected awaiting_deposit after refund, got %s", env.state(t, id))
	}
	if env.ledger.balance(buyer) != 50 {
		t.Fatalf("expected buyer refunded to 50, got %d", env.ledger.balance(buyer))
	}

	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("second Deposit: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, buyer, id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if env.ledger.balance(seller) != 50 || env.ledger.balance(buyer) != 0 {
		t.Errorf("unexpected final balances: seller=%d buyer=%d",
			env.ledger.balance(seller), env.ledger.balance(buyer))
	}
}

func TestService_Authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 100)
	id := env.createWallet(t, 10)

	if _, err := env.svc.Deposit(ctx, seller, id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller deposit: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, stranger, id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger cancel: expected ErrUnauthorized, got %v", err)
	}

	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, seller, id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller confirm: expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.svc.Refund(ctx, buyer, id); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer refund: expected ErrUnauthorized, got %v", err)
	}

	if env.ledger.callCount() != 1 {
		t.Errorf("rejected actions must not reach the ledger, got %d calls", env.ledger.callCount())
	}
}

func TestService_InvalidState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 100)
	id := env.createWallet(t, 10)

	if _, err := env.svc.Confirm(ctx, buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirm before deposit: expected ErrInvalidState, got %v", err)
	}
	if _, err := env.svc.Refund(ctx, seller, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("refund before deposit: expected ErrInvalidState, got %v", err)
	}

	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := env.svc.Deposit(ctx, buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double deposit: expected ErrInvalidState, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("cancel after deposit: expected ErrInvalidState, got %v", err)
	}
}

func TestService_NotFoundBeforeAuthorization(t *testing.T) {
	env := newTestEnv(t)
	missing := WalletIDFromUint64(99)

	for name, fn := range map[string]func() (*Event, error){
		"deposit": func() (*Event, error) { return env.svc.Deposit(context.Background(), stranger, missing) },
		"confirm": func() (*Event, error) { return env.svc.Confirm(context.Background(), stranger, missing) },
		"refund":  func() (*Event, error) { return env.svc.Refund(context.Background(), stranger, missing) },
		"cancel":  func() (*Event, error) { return env.svc.Cancel(context.Background(), stranger, missing) },
	} {
		if _, err := fn(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestService_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createWallet(t, 10)

	ev, err := env.svc.Cancel(ctx, seller, id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ev.Kind != EventCancelled || *ev.WalletID != id {
		t.Fatalf("unexpected cancel event %+v", ev)
	}
	if env.state(t, id) != StateClosed {
		t.Fatalf("expected closed, got %s", env.state(t, id))
	}
	if env.ledger.callCount() != 0 {
		t.Errorf("cancel must not call the ledger")
	}

	// Closed is terminal.
	for name, fn := range map[string]func() (*Event, error){
		"deposit": func() (*Event, error) { return env.svc.Deposit(ctx, buyer, id) },
		"confirm": func() (*Event, error) { return env.svc.Confirm(ctx, buyer, id) },
		"refund":  func() (*Event, error) { return env.svc.Refund(ctx, seller, id) },
		"cancel":  func() (*Event, error) { return env.svc.Cancel(ctx, buyer, id) },
	} {
		if _, err := fn(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s on closed wallet: expected ErrInvalidState, got %v", name, err)
		}
	}
}

func TestService_DepositFailureIsForgotten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createWallet(t, 10) // buyer has no funds

	ev, err := env.svc.Deposit(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if ev.Kind != EventTransactionFailed || ev.WalletID != nil || ev.TxID != nil {
		t.Fatalf("expected bare transaction_failed, got %+v", ev)
	}
	if env.state(t, id) != StateAwaitingDeposit {
		t.Fatalf("state must not change on failure, got %s", env.state(t, id))
	}
	pending, _ := env.txs.List(ctx)
	if len(pending) != 0 {
		t.Fatalf("failed deposit must clear its record, got %v", pending)
	}

	// A retry after funding succeeds.
	env.ledger.fund(buyer, 10)
	ev, err = env.svc.Deposit(ctx, buyer, id)
	if err != nil {
		t.Fatalf("retry Deposit: %v", err)
	}
	if ev.Kind != EventDeposited {
		t.Errorf("expected deposited on retry, got %s", ev.Kind)
	}
}

func TestService_ConfirmFailureIsResumable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.ledger.setReject(true)
	ev, err := env.svc.Confirm(ctx, buyer, id)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if ev.Kind != EventTransactionFailed {
		t.Fatalf("expected transaction_failed, got %s", ev.Kind)
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Fatalf("state must not change on failure, got %s", env.state(t, id))
	}

	pending, _ := env.txs.List(ctx)
	if len(pending) != 1 || pending[0].Action.Kind != ActionConfirm {
		t.Fatalf("expected the confirm record to survive, got %v", pending)
	}

	recs, _ := env.tracker.List(ctx)
	panicked := 0
	for _, rec := range recs {
		if rec.State == ReconcilePanicked {
			panicked++
		}
	}
	if panicked != 1 {
		t.Errorf("expected the rejected call marked panicked, got %+v", recs)
	}

	env.ledger.setReject(false)
	ev, err = env.svc.Continue(ctx, stranger, pending[0].ID)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventConfirmed || *ev.TxID != pending[0].ID {
		t.Fatalf("expected confirmed under tx %s, got %+v", pending[0].ID, ev)
	}
	if env.ledger.balance(seller) != 10 {
		t.Errorf("expected seller paid once, got %d", env.ledger.balance(seller))
	}
}

func TestService_InterruptedDepositThenContinue(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithExecutionBudget(200 * time.Millisecond)
	env.coord.WithHookReserve(50 * time.Millisecond)

	var hooked []InterruptRecord
	var hookMu sync.Mutex
	env.coord.WithHook(InterruptHookFunc(func(ctx context.Context, rec InterruptRecord) {
		hookMu.Lock()
		defer hookMu.Unlock()
		hooked = append(hooked, rec)
	}))

	ctx := context.Background()
	env.ledger.fund(buyer, 30)
	id := env.createWallet(t, 30)

	env.ledger.setHang(true)
	ev, err := env.svc.Deposit(ctx, buyer, id)
	if ev != nil {
		t.Fatalf("interrupted request must produce no reply, got %+v", ev)
	}
	var interrupted *InterruptedError
	if !errors.As(err, &interrupted) || !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}

	// Funds moved, state did not, record survives.
	if env.state(t, id) != StateAwaitingDeposit {
		t.Fatalf("expected awaiting_deposit while interrupted, got %s", env.state(t, id))
	}
	if env.ledger.balance(escrowAcct) != 30 {
		t.Fatalf("expected ledger to have applied the transfer, escrow=%d", env.ledger.balance(escrowAcct))
	}
	action, ok, _ := env.txs.Lookup(ctx, interrupted.TxID)
	if !ok || action.Kind != ActionDeposit || action.WalletID != id {
		t.Fatalf("expected deposit record under tx %s, got %+v ok=%v", interrupted.TxID, action, ok)
	}

	hookMu.Lock()
	if len(hooked) != 1 || hooked[0].State != ReconcileNeedsRerun || hooked[0].TxID != interrupted.TxID {
		t.Fatalf("expected one needs_rerun hook call, got %+v", hooked)
	}
	hookMu.Unlock()

	env.ledger.setHang(false)
	ev, err = env.svc.Continue(ctx, stranger, interrupted.TxID)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventDeposited || *ev.TxID != interrupted.TxID {
		t.Fatalf("expected deposited under the same tx, got %+v", ev)
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", env.state(t, id))
	}
	if env.ledger.balance(buyer) != 0 || env.ledger.balance(escrowAcct) != 30 {
		t.Fatalf("replay must not move funds twice: buyer=%d escrow=%d",
			env.ledger.balance(buyer), env.ledger.balance(escrowAcct))
	}
	if _, ok, _ := env.txs.Lookup(ctx, interrupted.TxID); ok {
		t.Error("expected record removed after successful continue")
	}

	// A second continue finds nothing.
	ev, err = env.svc.Continue(ctx, buyer, interrupted.TxID)
	if err != nil {
		t.Fatalf("second Continue: %v", err)
	}
	if ev.Kind != EventTransactionProcessed {
		t.Errorf("expected transaction_processed, got %s", ev.Kind)
	}
}

func TestService_ContinueUnknownTx(t *testing.T) {
	env := newTestEnv(t)

	ev, err := env.svc.Continue(context.Background(), stranger, TxID(12345))
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventTransactionProcessed || ev.WalletID != nil || ev.TxID != nil {
		t.Fatalf("expected bare transaction_processed, got %+v", ev)
	}
	if env.ledger.callCount() != 0 {
		t.Error("continue of unknown tx must not reach the ledger")
	}
}

func TestService_InterruptedConfirmThenContinue(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithExecutionBudget(200 * time.Millisecond)
	env.coord.WithHookReserve(50 * time.Millisecond)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.ledger.setHang(true)
	ev, err := env.svc.Confirm(ctx, buyer, id)
	if ev != nil {
		t.Fatalf("interrupted request must produce no reply, got %+v", ev)
	}
	var interrupted *InterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation while interrupted, got %s", env.state(t, id))
	}
	if _, ok, _ := env.txs.Lookup(ctx, interrupted.TxID); !ok {
		t.Fatal("expected confirm record to survive the interrupt")
	}

	env.ledger.setHang(false)
	ev, err = env.svc.Continue(ctx, stranger, interrupted.TxID)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventConfirmed || *ev.TxID != interrupted.TxID {
		t.Fatalf("expected confirmed under the same tx, got %+v", ev)
	}
	if env.state(t, id) != StateClosed {
		t.Errorf("expected closed, got %s", env.state(t, id))
	}
	if env.ledger.balance(seller) != 10 || env.ledger.balance(escrowAcct) != 0 || env.ledger.balance(buyer) != 0 {
		t.Errorf("expected seller paid once: seller=%d escrow=%d buyer=%d",
			env.ledger.balance(seller), env.ledger.balance(escrowAcct), env.ledger.balance(buyer))
	}

	ev, err = env.svc.Continue(ctx, buyer, interrupted.TxID)
	if err != nil || ev.Kind != EventTransactionProcessed {
		t.Fatalf("expected transaction_processed on second continue, got %+v %v", ev, err)
	}
	if env.ledger.balance(seller) != 10 {
		t.Errorf("second continue paid the seller again: %d", env.ledger.balance(seller))
	}
}

func TestService_InterruptedRefundThenContinue(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithExecutionBudget(200 * time.Millisecond)
	env.coord.WithHookReserve(50 * time.Millisecond)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.ledger.setHang(true)
	ev, err := env.svc.Refund(ctx, seller, id)
	if ev != nil {
		t.Fatalf("interrupted request must produce no reply, got %+v", ev)
	}
	var interrupted *InterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation while interrupted, got %s", env.state(t, id))
	}

	env.ledger.setHang(false)
	ev, err = env.svc.Continue(ctx, stranger, interrupted.TxID)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventRefunded || *ev.TxID != interrupted.TxID {
		t.Fatalf("expected refunded under the same tx, got %+v", ev)
	}
	if env.state(t, id) != StateAwaitingDeposit {
		t.Errorf("expected awaiting_deposit, got %s", env.state(t, id))
	}
	if env.ledger.balance(buyer) != 10 || env.ledger.balance(escrowAcct) != 0 || env.ledger.balance(seller) != 0 {
		t.Errorf("expected buyer refunded once: buyer=%d escrow=%d seller=%d",
			env.ledger.balance(buyer), env.ledger.balance(escrowAcct), env.ledger.balance(seller))
	}

	ev, err = env.svc.Continue(ctx, buyer, interrupted.TxID)
	if err != nil || ev.Kind != EventTransactionProcessed {
		t.Fatalf("expected transaction_processed on second continue, got %+v %v", ev, err)
	}
	if env.ledger.balance(buyer) != 10 {
		t.Errorf("second continue refunded again: %d", env.ledger.balance(buyer))
	}
}

func TestService_SettleClearsSupersededRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.ledger.setReject(true)
	if _, err := env.svc.Confirm(ctx, buyer, id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	pending, _ := env.txs.List(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one pending confirm, got %v", pending)
	}
	staleConfirm := pending[0].ID

	env.ledger.setReject(false)
	if _, err := env.svc.Refund(ctx, seller, id); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if pending, _ := env.txs.List(ctx); len(pending) != 0 {
		t.Fatalf("expected refund to clear the failed confirm, got %v", pending)
	}

	// Back in awaiting_confirmation, the old confirm must still not pay.
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("second Deposit: %v", err)
	}
	ev, err := env.svc.Continue(ctx, buyer, staleConfirm)
	if err != nil || ev.Kind != EventTransactionProcessed {
		t.Fatalf("expected transaction_processed, got %+v %v", ev, err)
	}
	if env.ledger.balance(seller) != 0 {
		t.Errorf("seller must not be paid by a superseded confirm, got %d", env.ledger.balance(seller))
	}
	if env.state(t, id) != StateAwaitingConfirmation {
		t.Errorf("expected awaiting_confirmation, got %s", env.state(t, id))
	}
}

func TestService_CancelClearsPendingRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)

	env.ledger.setHang(true)
	env.svc.WithExecutionBudget(200 * time.Millisecond)
	env.coord.WithHookReserve(50 * time.Millisecond)
	_, err := env.svc.Deposit(ctx, buyer, id)
	var interrupted *InterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	env.ledger.setHang(false)

	if _, err := env.svc.Cancel(ctx, seller, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, _ := env.txs.Lookup(ctx, interrupted.TxID); ok {
		t.Error("expected cancel to clear the interrupted deposit record")
	}
}

func TestService_ContinueDropsStaleRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	env.ledger.setReject(true)
	if _, err := env.svc.Confirm(ctx, buyer, id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	pending, _ := env.txs.List(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one pending confirm, got %v", pending)
	}
	env.ledger.setReject(false)

	// Another replica moved the wallet without clearing this record.
	if err := env.wallets.SetState(ctx, id, StateClosed); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	ev, err := env.svc.Continue(ctx, buyer, pending[0].ID)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Kind != EventTransactionProcessed {
		t.Fatalf("expected transaction_processed, got %+v", ev)
	}
	if _, ok, _ := env.txs.Lookup(ctx, pending[0].ID); ok {
		t.Error("expected stale record completed")
	}
	if env.ledger.balance(seller) != 0 {
		t.Errorf("seller must not be paid by a stale confirm, got %d", env.ledger.balance(seller))
	}
}

func TestService_InsufficientBudget(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithExecutionBudget(10 * time.Millisecond)
	env.coord.WithHookReserve(time.Second)
	env.ledger.fund(buyer, 10)
	id := env.createWallet(t, 10)

	_, err := env.svc.Deposit(context.Background(), buyer, id)
	if !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}
	if env.ledger.callCount() != 0 {
		t.Error("ledger must not be called when the reserve can't be carved")
	}
	pending, _ := env.txs.List(context.Background())
	if len(pending) != 0 {
		t.Errorf("no record expected, got %v", pending)
	}
}

func TestService_ConcurrentDepositsSerialize(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.fund(buyer, 100)
	id := env.createWallet(t, 10)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, invalid int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Deposit(context.Background(), buyer, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidState):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || invalid != n-1 {
		t.Fatalf("expected 1 success and %d invalid_state, got %d and %d", n-1, ok, invalid)
	}
	if env.ledger.balance(buyer) != 90 {
		t.Errorf("expected a single debit, buyer=%d", env.ledger.balance(buyer))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestService_PublishesReplies(t *testing.T) {
	env := newTestEnv(t)
	sink := &recordingSink{}
	env.svc.WithEventSink(sink)
	env.ledger.fund(buyer, 5)
	ctx := context.Background()

	id := env.createWallet(t, 5)
	if _, err := env.svc.Deposit(ctx, buyer, id); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, seller, id); err == nil {
		t.Fatal("expected seller confirm to fail")
	}

	want := []EventKind{EventCreated, EventDeposited}
	if len(sink.events) != len(want) {
		t.Fatalf("expected %d published events, got %+v", len(want), sink.events)
	}
	for i, k := range want {
		if sink.events[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, sink.events[i].Kind)
		}
	}
}

func TestService_HandleDispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ledger.fund(buyer, 7)

	ev, err := env.svc.Handle(ctx, buyer, Action{Kind: ActionCreate, Buyer: buyer, Seller: seller, Amount: NewAmount(7)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := *ev.WalletID

	steps := []struct {
		action Action
		caller common.Address
		want   EventKind
	}{
		{Action{Kind: ActionDeposit, WalletID: id}, buyer, EventDeposited},
		{Action{Kind: ActionConfirm, WalletID: id}, buyer, EventConfirmed},
		{Action{Kind: ActionContinue, TxID: 999}, stranger, EventTransactionProcessed},
	}
	for _, s := range steps {
		ev, err := env.svc.Handle(ctx, s.caller, s.action)
		if err != nil {
			t.Fatalf("%s: %v", s.action.Kind, err)
		}
		if ev.Kind != s.want {
			t.Errorf("%s: expected %s, got %s", s.action.Kind, s.want, ev.Kind)
		}
	}

	if _, err := env.svc.Handle(ctx, buyer, Action{Kind: "explode"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown kind: expected ErrInvalidInput, got %v", err)
	}
}

func TestService_ActionMetrics(t *testing.T) {
	env := newTestEnv(t)
	counter, err := actionsTotal.GetMetricWithLabelValues(string(ActionCreate), "rejected")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	before := &dto.Metric{}
	_ = counter.Write(before)

	_, _ = env.svc.Create(context.Background(), stranger, buyer, seller, NewAmount(1))

	after := &dto.Metric{}
	_ = counter.Write(after)
	if after.Counter.GetValue()-before.Counter.GetValue() != 1 {
		t.Errorf("expected rejected create counted once, got delta %f",
			after.Counter.GetValue()-before.Counter.GetValue())
	}
}
