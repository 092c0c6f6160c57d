package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the Sweeper reports unsettled work.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically reports pending transactions and interrupted ledger
// calls so operators can see what awaits Continue. It never replays anything
// itself.
type Sweeper struct {
	txs      TransactionLog
	tracker  InterruptTracker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper over the given log and tracker.
func NewSweeper(txs TransactionLog, tracker InterruptTracker, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		txs:      txs,
		tracker:  tracker,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep period.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// SweepReport is the result of one sweep.
type SweepReport struct {
	Pending    []PendingTx
	NeedsRerun []InterruptRecord
	Panicked   int
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("escrow sweep failed", "error", err)
	}
}

// Sweep runs one pass, updates the gauges and logs every transaction still
// waiting on Continue.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	pending, err := s.txs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	records, err := s.tracker.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupt records: %w", err)
	}

	report := &SweepReport{Pending: pending}
	for _, rec := range records {
		switch rec.State {
		case ReconcileNeedsRerun:
			report.NeedsRerun = append(report.NeedsRerun, rec)
		case ReconcilePanicked:
			report.Panicked++
		}
	}

	pendingTransactions.Set(float64(len(pending)))
	callsNeedingRerun.Set(float64(len(report.NeedsRerun)))

	for _, p := range pending {
		s.logger.Warn("transaction awaiting continue",
			"txId", p.ID,
			"action", p.Action.Kind,
			"walletId", p.Action.WalletID,
		)
	}
	if len(report.NeedsRerun) > 0 {
		s.logger.Warn("interrupted ledger calls need rerun", "count", len(report.NeedsRerun))
	}
	return report, nil
}
