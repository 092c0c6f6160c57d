package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryWalletStore is an in-memory wallet store for development and tests.
type MemoryWalletStore struct {
	mu        sync.RWMutex
	wallets   map[WalletID]Wallet
	next      WalletID
	exhausted bool
}

// NewMemoryWalletStore creates an empty wallet store whose first id is 0.
func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{wallets: make(map[WalletID]Wallet)}
}

func (m *MemoryWalletStore) Create(ctx context.Context, w Wallet) (WalletID, error) {
	if err := w.validate(); err != nil {
		return WalletID{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exhausted {
		return WalletID{}, fmt.Errorf("%w: wallet id space exhausted", ErrInvalidState)
	}
	id := m.next
	if next, ok := id.Next(); ok {
		m.next = next
	} else {
		m.exhausted = true
	}
	if _, exists := m.wallets[id]; exists {
		return WalletID{}, fmt.Errorf("%w: wallet %s already exists", ErrInvalidState, id)
	}

	w.State = StateAwaitingDeposit
	m.wallets[id] = w
	return id, nil
}

func (m *MemoryWalletStore) Get(ctx context.Context, id WalletID) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, walletNotFound(id)
	}
	return &w, nil
}

func (m *MemoryWalletStore) SetState(ctx context.Context, id WalletID, state WalletState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return walletNotFound(id)
	}
	w.State = state
	m.wallets[id] = w
	return nil
}

func (m *MemoryWalletStore) List(ctx context.Context) ([]WalletEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]WalletEntry, 0, len(m.wallets))
	for id, w := range m.wallets {
		result = append(result, WalletEntry{ID: id, Wallet: w})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.Cmp(result[j].ID) < 0
	})
	return result, nil
}

func walletNotFound(id WalletID) error {
	return fmt.Errorf("%w: wallet %s doesn't exist", ErrNotFound, id)
}

// MemoryTransactionLog is an in-memory pending transaction log.
type MemoryTransactionLog struct {
	mu      sync.Mutex
	pending map[TxID]PendingAction
	next    TxID
}

// NewMemoryTransactionLog creates an empty log whose first id is 0.
func NewMemoryTransactionLog() *MemoryTransactionLog {
	return &MemoryTransactionLog{pending: make(map[TxID]PendingAction)}
}

func (m *MemoryTransactionLog) Begin(ctx context.Context, explicit *TxID, action PendingAction) (TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id TxID
	if explicit != nil {
		id = *explicit
	} else {
		id = m.next
		m.next++ // wraps
	}
	m.pending[id] = action
	return id, nil
}

func (m *MemoryTransactionLog) Complete(ctx context.Context, id TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, id)
	return nil
}

func (m *MemoryTransactionLog) Lookup(ctx context.Context, id TxID) (PendingAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.pending[id]
	return action, ok, nil
}

func (m *MemoryTransactionLog) List(ctx context.Context) ([]PendingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]PendingTx, 0, len(m.pending))
	for id, action := range m.pending {
		result = append(result, PendingTx{ID: id, Action: action})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemoryInterruptTracker is an in-memory interrupt tracker.
type MemoryInterruptTracker struct {
	mu      sync.RWMutex
	records map[string]*InterruptRecord
}

// NewMemoryInterruptTracker creates an empty tracker.
func NewMemoryInterruptTracker() *MemoryInterruptTracker {
	return &MemoryInterruptTracker{records: make(map[string]*InterruptRecord)}
}

func (m *MemoryInterruptTracker) Track(ctx context.Context, callID string, tx TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.records[callID] = &InterruptRecord{
		CallID:    callID,
		TxID:      tx,
		State:     ReconcileNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryInterruptTracker) Mark(ctx context.Context, callID string, state ReconciliationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[callID]
	if !ok {
		return fmt.Errorf("%w: call %s isn't tracked", ErrNotFound, callID)
	}
	rec.State = state
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryInterruptTracker) Get(ctx context.Context, callID string) (*InterruptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[callID]
	if !ok {
		return nil, fmt.Errorf("%w: call %s isn't tracked", ErrNotFound, callID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryInterruptTracker) List(ctx context.Context) ([]InterruptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]InterruptRecord, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var (
	_ WalletStore      = (*MemoryWalletStore)(nil)
	_ TransactionLog   = (*MemoryTransactionLog)(nil)
	_ InterruptTracker = (*MemoryInterruptTracker)(nil)
)
