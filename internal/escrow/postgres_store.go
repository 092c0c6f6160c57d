package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	walletSequence = "wallet"
	txSequence     = "transaction"
)

// PostgresWalletStore persists wallets in PostgreSQL. Ids come from the
// escrow_sequences row named "wallet".
type PostgresWalletStore struct {
	db *sql.DB
}

// NewPostgresWalletStore creates a PostgreSQL-backed wallet store.
func NewPostgresWalletStore(db *sql.DB) *PostgresWalletStore {
	return &PostgresWalletStore{db: db}
}

func (p *PostgresWalletStore) Create(ctx context.Context, w Wallet) (WalletID, error) {
	if err := w.validate(); err != nil {
		return WalletID{}, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return WalletID{}, err
	}
	defer func() { _ = tx.Rollback() }()

	nextStr, exhausted, err := lockSequence(ctx, tx, walletSequence)
	if err != nil {
		return WalletID{}, err
	}
	if exhausted {
		return WalletID{}, fmt.Errorf("%w: wallet id space exhausted", ErrInvalidState)
	}

	id, err := ParseWalletID(nextStr)
	if err != nil {
		return WalletID{}, err
	}
	next, ok := id.Next()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrow_sequences SET next_value = $1::NUMERIC(78,0), exhausted = $2
		WHERE name = $3`, next.String(), !ok, walletSequence,
	); err != nil {
		return WalletID{}, fmt.Errorf("failed to advance wallet sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, buyer_addr, seller_addr, amount, state, created_at, updated_at)
		VALUES ($1::NUMERIC(78,0), $2, $3, $4::NUMERIC(39,0), $5, NOW(), NOW())`,
		id.String(), w.Buyer.Hex(), w.Seller.Hex(), w.Amount.String(), string(StateAwaitingDeposit),
	); err != nil {
		return WalletID{}, fmt.Errorf("failed to insert wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return WalletID{}, err
	}
	return id, nil
}

// lockSequence returns the next value of the named sequence row, creating it
// at zero if missing, and holds its row lock until tx ends.
func lockSequence(ctx context.Context, tx *sql.Tx, name string) (next string, exhausted bool, err error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_sequences (name, next_value, exhausted)
		VALUES ($1, 0, FALSE)
		ON CONFLICT (name) DO NOTHING`, name,
	); err != nil {
		return "", false, fmt.Errorf("failed to init %s sequence: %w", name, err)
	}
	err = tx.QueryRowContext(ctx, `
		SELECT next_value::TEXT, exhausted FROM escrow_sequences
		WHERE name = $1 FOR UPDATE`, name,
	).Scan(&next, &exhausted)
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s sequence: %w", name, err)
	}
	return next, exhausted, nil
}

const walletColumns = `id::TEXT, buyer_addr, seller_addr, amount::TEXT, state`

func (p *PostgresWalletStore) Get(ctx context.Context, id WalletID) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1::NUMERIC(78,0)`, id.String())

	e, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, walletNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &e.Wallet, nil
}

func (p *PostgresWalletStore) SetState(ctx context.Context, id WalletID, state WalletState) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET state = $1, updated_at = NOW()
		WHERE id = $2::NUMERIC(78,0)`, string(state), id.String())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return walletNotFound(id)
	}
	return nil
}

func (p *PostgresWalletStore) List(ctx context.Context) ([]WalletEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []WalletEntry
	for rows.Next() {
		e, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(sc scanner) (*WalletEntry, error) {
	var idStr, buyer, seller, amountStr, state string
	if err := sc.Scan(&idStr, &buyer, &seller, &amountStr, &state); err != nil {
		return nil, err
	}
	id, err := ParseWalletID(idStr)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(amountStr)
	if err != nil {
		return nil, err
	}
	return &WalletEntry{
		ID: id,
		Wallet: Wallet{
			Buyer:  common.HexToAddress(buyer),
			Seller: common.HexToAddress(seller),
			Amount: amount,
			State:  WalletState(state),
		},
	}, nil
}

// PostgresTransactionLog persists pending transaction records in PostgreSQL.
type PostgresTransactionLog struct {
	db *sql.DB
}

// NewPostgresTransactionLog creates a PostgreSQL-backed transaction log.
func NewPostgresTransactionLog(db *sql.DB) *PostgresTransactionLog {
	return &PostgresTransactionLog{db: db}
}

func (p *PostgresTransactionLog) Begin(ctx context.Context, explicit *TxID, action PendingAction) (TxID, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id TxID
	if explicit != nil {
		id = *explicit
	} else {
		nextStr, _, err := lockSequence(ctx, tx, txSequence)
		if err != nil {
			return 0, err
		}
		if id, err = ParseTxID(nextStr); err != nil {
			return 0, err
		}
		next := id + 1 // wraps
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrow_sequences SET next_value = $1::NUMERIC(78,0) WHERE name = $2`,
			next.String(), txSequence,
		); err != nil {
			return 0, fmt.Errorf("failed to advance transaction sequence: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (tx_id, action, wallet_id, created_at)
		VALUES ($1::NUMERIC(20,0), $2, $3::NUMERIC(78,0), NOW())
		ON CONFLICT (tx_id) DO UPDATE SET action = EXCLUDED.action, wallet_id = EXCLUDED.wallet_id`,
		id.String(), string(action.Kind), action.WalletID.String(),
	); err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *PostgresTransactionLog) Complete(ctx context.Context, id TxID) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM escrow_transactions WHERE tx_id = $1::NUMERIC(20,0)`, id.String())
	return err
}

func (p *PostgresTransactionLog) Lookup(ctx context.Context, id TxID) (PendingAction, bool, error) {
	var kind, walletStr string
	err := p.db.QueryRowContext(ctx, `
		SELECT action, wallet_id::TEXT FROM escrow_transactions
		WHERE tx_id = $1::NUMERIC(20,0)`, id.String(),
	).Scan(&kind, &walletStr)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAction{}, false, nil
	}
	if err != nil {
		return PendingAction{}, false, err
	}
	walletID, err := ParseWalletID(walletStr)
	if err != nil {
		return PendingAction{}, false, err
	}
	return PendingAction{Kind: ActionKind(kind), WalletID: walletID}, true, nil
}

func (p *PostgresTransactionLog) List(ctx context.Context) ([]PendingTx, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_id::TEXT, action, wallet_id::TEXT FROM escrow_transactions
		ORDER BY tx_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []PendingTx
	for rows.Next() {
		var txStr, kind, walletStr string
		if err := rows.Scan(&txStr, &kind, &walletStr); err != nil {
			return nil, err
		}
		id, err := ParseTxID(txStr)
		if err != nil {
			return nil, err
		}
		walletID, err := ParseWalletID(walletStr)
		if err != nil {
			return nil, err
		}
		result = append(result, PendingTx{ID: id, Action: PendingAction{Kind: ActionKind(kind), WalletID: walletID}})
	}
	return result, rows.Err()
}

// PostgresInterruptTracker persists ledger call bookkeeping in PostgreSQL.
type PostgresInterruptTracker struct {
	db *sql.DB
}

// NewPostgresInterruptTracker creates a PostgreSQL-backed interrupt tracker.
func NewPostgresInterruptTracker(db *sql.DB) *PostgresInterruptTracker {
	return &PostgresInterruptTracker{db: db}
}

func (p *PostgresInterruptTracker) Track(ctx context.Context, callID string, tx TxID) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO interrupt_records (call_id, tx_id, state, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), $3, NOW(), NOW())`,
		callID, tx.String(), string(ReconcileNormal))
	return err
}

func (p *PostgresInterruptTracker) Mark(ctx context.Context, callID string, state ReconciliationState) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE interrupt_records SET state = $1, updated_at = NOW()
		WHERE call_id = $2`, string(state), callID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: call %s isn't tracked", ErrNotFound, callID)
	}
	return nil
}

const interruptColumns = `call_id, tx_id::TEXT, state, created_at, updated_at`

func (p *PostgresInterruptTracker) Get(ctx context.Context, callID string) (*InterruptRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+interruptColumns+` FROM interrupt_records WHERE call_id = $1`, callID)
	rec, err := scanInterrupt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: call %s isn't tracked", ErrNotFound, callID)
	}
	return rec, err
}

func (p *PostgresInterruptTracker) List(ctx context.Context) ([]InterruptRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+interruptColumns+` FROM interrupt_records ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []InterruptRecord
	for rows.Next() {
		rec, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func scanInterrupt(sc scanner) (*InterruptRecord, error) {
	var (
		rec   InterruptRecord
		txStr string
		state string
	)
	if err := sc.Scan(&rec.CallID, &txStr, &state, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := ParseTxID(txStr)
	if err != nil {
		return nil, err
	}
	rec.TxID = id
	rec.State = ReconciliationState(state)
	return &rec, nil
}

var (
	_ WalletStore      = (*PostgresWalletStore)(nil)
	_ TransactionLog   = (*PostgresTransactionLog)(nil)
	_ InterruptTracker = (*PostgresInterruptTracker)(nil)
)
