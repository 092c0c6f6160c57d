package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice  = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	bob    = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	escrow = common.HexToAddress("0xeeee000000000000000000000000000000000009")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore())
}

func balanceOf(t *testing.T, l *Ledger, addr common.Address) string {
	t.Helper()
	bal, err := l.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return bal.Amount
}

func TestLedger_TransferMovesFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Mint(ctx, alice, "100"); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	entry, replay, err := l.Transfer(ctx, TransferRequest{Origin: escrow, TxID: 1, Sender: alice, Recipient: bob, Amount: "40"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if replay || entry.ID == "" || entry.Amount != "40" {
		t.Errorf("unexpected entry %+v replay=%v", entry, replay)
	}
	if balanceOf(t, l, alice) != "60" || balanceOf(t, l, bob) != "40" {
		t.Errorf("unexpected balances alice=%s bob=%s", balanceOf(t, l, alice), balanceOf(t, l, bob))
	}
}

func TestLedger_ReplayIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, alice, "100")

	req := TransferRequest{Origin: escrow, TxID: 7, Sender: alice, Recipient: bob, Amount: "30"}
	first, _, err := l.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	again, replay, err := l.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("replay Transfer: %v", err)
	}
	if !replay || again.ID != first.ID {
		t.Errorf("expected replay of %s, got %+v replay=%v", first.ID, again, replay)
	}
	if balanceOf(t, l, alice) != "70" || balanceOf(t, l, bob) != "30" {
		t.Errorf("replay moved funds: alice=%s bob=%s", balanceOf(t, l, alice), balanceOf(t, l, bob))
	}
}

func TestLedger_ReplayWithDifferentTransferConflicts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, alice, "100")
	_, _ = l.Mint(ctx, bob, "5000")

	if _, _, err := l.Transfer(ctx, TransferRequest{Origin: escrow, TxID: 0, Sender: alice, Recipient: escrow, Amount: "100"}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"different amount", TransferRequest{Origin: escrow, TxID: 0, Sender: alice, Recipient: escrow, Amount: "50"}},
		{"different sender", TransferRequest{Origin: escrow, TxID: 0, Sender: bob, Recipient: escrow, Amount: "100"}},
		{"different recipient", TransferRequest{Origin: escrow, TxID: 0, Sender: alice, Recipient: bob, Amount: "100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, replay, err := l.Transfer(ctx, tt.req)
			if !errors.Is(err, ErrTxIDConflict) {
				t.Fatalf("expected ErrTxIDConflict, got entry=%+v replay=%v err=%v", entry, replay, err)
			}
		})
	}

	if balanceOf(t, l, alice) != "0" || balanceOf(t, l, bob) != "5000" || balanceOf(t, l, escrow) != "100" {
		t.Errorf("conflicting replay moved funds: alice=%s bob=%s escrow=%s",
			balanceOf(t, l, alice), balanceOf(t, l, bob), balanceOf(t, l, escrow))
	}
}

func TestLedger_IdempotencyKeyIncludesOrigin(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, alice, "100")

	_, _, _ = l.Transfer(ctx, TransferRequest{Origin: escrow, TxID: 1, Sender: alice, Recipient: bob, Amount: "10"})
	_, replay, err := l.Transfer(ctx, TransferRequest{Origin: bob, TxID: 1, Sender: alice, Recipient: bob, Amount: "10"})
	if err != nil || replay {
		t.Fatalf("same tx id from another origin is a new transfer, got replay=%v err=%v", replay, err)
	}
	if balanceOf(t, l, bob) != "20" {
		t.Errorf("expected bob=20, got %s", balanceOf(t, l, bob))
	}
}

func TestLedger_InsufficientBalanceNotRecorded(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	req := TransferRequest{Origin: escrow, TxID: 3, Sender: alice, Recipient: bob, Amount: "5"}
	if _, _, err := l.Transfer(ctx, req); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	_, _ = l.Mint(ctx, alice, "5")
	_, replay, err := l.Transfer(ctx, req)
	if err != nil || replay {
		t.Fatalf("retry after funding should apply, got replay=%v err=%v", replay, err)
	}
	if balanceOf(t, l, bob) != "5" {
		t.Errorf("expected bob=5, got %s", balanceOf(t, l, bob))
	}
}

func TestLedger_InvalidAmount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, amt := range []string{"", "-1", "1.5", "340282366920938463463374607431768211456"} {
		_, _, err := l.Transfer(ctx, TransferRequest{Sender: alice, Recipient: bob, Amount: amt})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestLedger_ZeroAmountTransfer(t *testing.T) {
	l := newTestLedger(t)
	if _, _, err := l.Transfer(context.Background(), TransferRequest{Origin: escrow, Sender: alice, Recipient: bob, Amount: "0"}); err != nil {
		t.Fatalf("zero transfer from an empty account should apply: %v", err)
	}
}

func TestLedger_History(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, alice, "10")

	for i := uint64(0); i < 3; i++ {
		if _, _, err := l.Transfer(ctx, TransferRequest{Origin: escrow, TxID: i, Sender: alice, Recipient: bob, Amount: "1"}); err != nil {
			t.Fatalf("Transfer: %v", err)
		}
	}

	entries, err := l.GetHistory(ctx, bob, 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(entries) != 2 || entries[0].TxID != 2 || entries[1].TxID != 1 {
		t.Errorf("expected newest two entries, got %+v", entries)
	}
	if others, _ := l.GetHistory(ctx, escrow, 0); len(others) != 0 {
		t.Errorf("origin alone is not a party, got %d entries", len(others))
	}
}

func TestLedger_ConcurrentReplays(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Mint(ctx, alice, "1000")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = l.Transfer(ctx, TransferRequest{Origin: escrow, TxID: 42, Sender: alice, Recipient: bob, Amount: "10"})
		}()
	}
	wg.Wait()

	if balanceOf(t, l, bob) != "10" {
		t.Errorf("expected exactly one application, bob=%s", balanceOf(t, l, bob))
	}
}
