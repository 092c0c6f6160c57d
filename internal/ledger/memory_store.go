package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/escrowd/internal/idgen"
)

type applyKey struct {
	origin common.Address
	txID   uint64
}

// MemoryStore is an in-memory ledger store.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	applied  map[applyKey]*Entry
	entries  []*Entry
	supply   *uint256.Int
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*uint256.Int),
		applied:  make(map[applyKey]*Entry),
		supply:   new(uint256.Int),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, e Entry, amount *uint256.Int) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := applyKey{origin: e.Origin, txID: e.TxID}
	if prev, ok := m.applied[key]; ok {
		if prev.Sender != e.Sender || prev.Recipient != e.Recipient || prev.Amount != e.Amount {
			return nil, false, fmt.Errorf("%w: origin %s txId %d", ErrTxIDConflict, e.Origin.Hex(), e.TxID)
		}
		cp := *prev
		return &cp, true, nil
	}

	from := m.balance(e.Sender)
	if from.Lt(amount) {
		return nil, false, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, e.Sender.Hex(), from.Dec(), amount.Dec())
	}
	if e.Sender != e.Recipient {
		to := m.balance(e.Recipient)
		var sum uint256.Int
		if _, overflow := sum.AddOverflow(to, amount); overflow {
			return nil, false, ErrBalanceOverflow
		}
		from.Sub(from, amount)
		to.Set(&sum)
	}

	e.ID = idgen.WithPrefix("tr_")
	e.CreatedAt = time.Now()
	stored := e
	m.applied[key] = &stored
	m.entries = append(m.entries, &stored)
	return &e, false, nil
}

func (m *MemoryStore) Mint(ctx context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(addr)
	var sum, supply uint256.Int
	if _, overflow := sum.AddOverflow(bal, amount); overflow {
		return nil, ErrBalanceOverflow
	}
	if _, overflow := supply.AddOverflow(m.supply, amount); overflow {
		return nil, ErrBalanceOverflow
	}
	bal.Set(&sum)
	m.supply.Set(&supply)
	return new(uint256.Int).Set(bal), nil
}

func (m *MemoryStore) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

func (m *MemoryStore) History(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		e := m.entries[i]
		if e.Sender == addr || e.Recipient == addr {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Supply(ctx context.Context) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.supply), nil
}

// balance returns the live balance pointer for addr. Caller holds m.mu.
func (m *MemoryStore) balance(addr common.Address) *uint256.Int {
	bal, ok := m.balances[addr]
	if !ok {
		bal = new(uint256.Int)
		m.balances[addr] = bal
	}
	return bal
}

var _ Store = (*MemoryStore)(nil)
