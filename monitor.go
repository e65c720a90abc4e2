package txkeeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// StatusHook is invoked with a snapshot after every recorded status or
// confirmation change. It runs on the polling goroutine; keep it cheap.
type StatusHook func(tx TrackedTx)

// TransactionMonitor polls for inclusion and confirmation depth of
// submitted transactions and keeps a registry of everything in flight.
//
// Polling drives every state transition: pending moves to success or
// failed when a receipt appears, to timeout when the polling budget runs
// out, and through confirming while waiting for depth. A timeout record
// may later resolve to success or failed if the transaction lands after
// the budget; success and failed never change again.
type TransactionMonitor struct {
	provider              Provider
	clock                 Clock
	store                 TxStore
	pollInterval          time.Duration
	maxPollAttempts       int
	requiredConfirmations uint64
	hook                  StatusHook

	mu  sync.RWMutex
	txs map[common.Hash]*TrackedTx
}

// MonitorOption configures a TransactionMonitor.
type MonitorOption func(*TransactionMonitor)

func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *TransactionMonitor) {
		m.pollInterval = d
	}
}

func WithMaxPollAttempts(n int) MonitorOption {
	return func(m *TransactionMonitor) {
		m.maxPollAttempts = n
	}
}

// WithRequiredConfirmations sets the depth WaitForConfirmations targets
// when the caller passes zero.
func WithRequiredConfirmations(n uint64) MonitorOption {
	return func(m *TransactionMonitor) {
		m.requiredConfirmations = n
	}
}

// WithTxStore enables persisting tracked transactions for crash
// recovery. Store writes are best-effort and never block monitoring.
func WithTxStore(store TxStore) MonitorOption {
	return func(m *TransactionMonitor) {
		m.store = store
	}
}

// WithMonitorClock injects the clock, for deterministic polling tests.
func WithMonitorClock(clock Clock) MonitorOption {
	return func(m *TransactionMonitor) {
		m.clock = clock
	}
}

// WithStatusHook registers a callback for status transitions.
func WithStatusHook(hook StatusHook) MonitorOption {
	return func(m *TransactionMonitor) {
		m.hook = hook
	}
}

// NewTransactionMonitor builds a monitor over the provider.
func NewTransactionMonitor(provider Provider, opts ...MonitorOption) *TransactionMonitor {
	m := &TransactionMonitor{
		provider:              provider,
		clock:                 SystemClock(),
		pollInterval:          DefaultPollInterval,
		maxPollAttempts:       DefaultMaxPollAttempts,
		requiredConfirmations: DefaultRequiredConfirmations,
		txs:                   make(map[common.Hash]*TrackedTx),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers a freshly submitted transaction as pending. Tracking an
// already-registered hash returns the existing record untouched so a
// resubmission cannot reset observed state.
func (m *TransactionMonitor) Track(ctx context.Context, hash common.Hash, from common.Address, nonce uint64, fees *FeeData) *TrackedTx {
	now := m.clock.Now()

	m.mu.Lock()
	if existing, ok := m.txs[hash]; ok {
		snapshot := m.snapshotLocked(existing)
		m.mu.Unlock()
		return snapshot
	}
	tx := &TrackedTx{
		Hash:        hash,
		From:        from,
		Nonce:       nonce,
		Fees:        fees.Clone(),
		Status:      TxStatusPending,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
	m.txs[hash] = tx
	snapshot := m.snapshotLocked(tx)
	m.mu.Unlock()

	logger.WithFields(logger.Fields{
		"tx_hash": hash.Hex(),
		"from":    from.Hex(),
		"nonce":   nonce,
	}).Debug("Tracking transaction")

	m.persist(ctx, snapshot)
	return snapshot
}

// Adopt re-registers a record loaded from the store, preserving its
// first-seen time. Used by crash recovery.
func (m *TransactionMonitor) Adopt(rec *TxRecord) *TrackedTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.txs[rec.Hash]; ok {
		return m.snapshotLocked(existing)
	}
	tx := rec.Tracked()
	m.txs[rec.Hash] = tx
	return m.snapshotLocked(tx)
}

// GetTransaction returns a snapshot of the tracked record.
func (m *TransactionMonitor) GetTransaction(hash common.Hash) (*TrackedTx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[hash]
	if !ok {
		return nil, false
	}
	return m.snapshotLocked(tx), true
}

// PendingTransactions returns snapshots of every record not yet in a
// terminal status. The stuck detector consumes this as its registry.
func (m *TransactionMonitor) PendingTransactions() []*TrackedTx {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TrackedTx
	for _, tx := range m.txs {
		if !tx.Status.Terminal() {
			out = append(out, m.snapshotLocked(tx))
		}
	}
	return out
}

// Untrack drops the record from the in-memory registry. The store record,
// if any, is kept as history.
func (m *TransactionMonitor) Untrack(hash common.Hash) {
	m.mu.Lock()
	delete(m.txs, hash)
	m.mu.Unlock()
}

// PollTransactionStatus polls for a receipt every interval up to
// maxAttempts times and returns the terminal outcome. No receipt within
// the budget yields TxStatusTimeout with a nil error: the transaction may
// still land, so running out of patience is a result, not a failure.
// Zero maxAttempts or interval fall back to the monitor's defaults.
//
// The returned error is non-nil only when ctx ends the wait early.
func (m *TransactionMonitor) PollTransactionStatus(ctx context.Context, hash common.Hash, maxAttempts int, interval time.Duration) (TxStatus, *types.Receipt, error) {
	if maxAttempts <= 0 {
		maxAttempts = m.maxPollAttempts
	}
	if interval <= 0 {
		interval = m.pollInterval
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		receipt, err := m.provider.GetTransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return TxStatusPending, nil, err
			}
			// A transport fault costs one poll attempt, nothing more.
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"attempt": attempt,
				"error":   err,
			}).Debug("Receipt poll failed. Ignore and continue")
		} else if receipt != nil {
			status := TxStatusSuccess
			if receipt.Status != types.ReceiptStatusSuccessful {
				status = TxStatusFailed
			}
			m.setStatus(ctx, hash, status, 1, receipt)
			return status, receipt, nil
		}

		if err := m.clock.Sleep(ctx, interval); err != nil {
			return TxStatusPending, nil, err
		}
	}

	logger.WithFields(logger.Fields{
		"tx_hash":      hash.Hex(),
		"max_attempts": maxAttempts,
		"interval":     interval.String(),
	}).Info("Transaction not included within polling budget")

	m.setStatus(ctx, hash, TxStatusTimeout, 0, nil)
	return TxStatusTimeout, nil, nil
}

// WaitForConfirmations blocks until the transaction's confirmation depth
// reaches required, returning false if the polling budget runs out first.
// Depth is current head minus the receipt block plus one, re-read on an
// independent cadence from the inclusion poll. Zero required falls back
// to the monitor's default.
func (m *TransactionMonitor) WaitForConfirmations(ctx context.Context, hash common.Hash, required uint64) (bool, error) {
	if required == 0 {
		required = m.requiredConfirmations
	}

	for attempt := 1; attempt <= m.maxPollAttempts; attempt++ {
		depth, receipt, err := m.confirmationDepth(ctx, hash)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return false, err
			}
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"attempt": attempt,
				"error":   err,
			}).Debug("Confirmation poll failed. Ignore and continue")
		} else if receipt != nil {
			if depth >= required {
				status := TxStatusSuccess
				if receipt.Status != types.ReceiptStatusSuccessful {
					status = TxStatusFailed
				}
				m.setStatus(ctx, hash, status, depth, receipt)
				return true, nil
			}
			m.setStatus(ctx, hash, TxStatusConfirming, depth, receipt)
		}

		if err := m.clock.Sleep(ctx, m.pollInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Watch streams snapshots of a tracked transaction from a background
// polling goroutine. The current snapshot is delivered immediately, then
// again after every observed change, and the channel is closed once the
// transaction reaches a terminal status, the polling budget records a
// timeout, or ctx is cancelled. Watching an unknown hash yields an
// already-closed channel.
//
// The channel buffers the worst-case number of updates so a slow
// receiver never blocks polling.
func (m *TransactionMonitor) Watch(ctx context.Context, hash common.Hash) <-chan TrackedTx {
	updates := make(chan TrackedTx, m.maxPollAttempts+2)

	first, ok := m.GetTransaction(hash)
	if !ok {
		close(updates)
		return updates
	}

	go m.watch(ctx, hash, *first, updates)
	return updates
}

func (m *TransactionMonitor) watch(ctx context.Context, hash common.Hash, last TrackedTx, updates chan<- TrackedTx) {
	defer close(updates)

	updates <- last
	if last.Status.Terminal() {
		return
	}

	// emit forwards the registry snapshot when it moved past the last
	// delivered one, reporting whether watching should continue.
	emit := func() bool {
		tx, ok := m.GetTransaction(hash)
		if !ok {
			return false
		}
		if tx.Status != last.Status || tx.Confirmations != last.Confirmations {
			last = *tx
			updates <- last
		}
		return !last.Status.Terminal()
	}

	for attempt := 1; attempt <= m.maxPollAttempts; attempt++ {
		depth, receipt, err := m.confirmationDepth(ctx, hash)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"attempt": attempt,
				"error":   err,
			}).Debug("Watch poll failed. Ignore and continue")
		} else if receipt != nil {
			if depth >= m.requiredConfirmations {
				status := TxStatusSuccess
				if receipt.Status != types.ReceiptStatusSuccessful {
					status = TxStatusFailed
				}
				m.setStatus(ctx, hash, status, depth, receipt)
			} else {
				m.setStatus(ctx, hash, TxStatusConfirming, depth, receipt)
			}
		}

		if !emit() {
			return
		}

		if err := m.clock.Sleep(ctx, m.pollInterval); err != nil {
			return
		}
	}

	m.setStatus(ctx, hash, TxStatusTimeout, 0, nil)
	emit()
}

func (m *TransactionMonitor) confirmationDepth(ctx context.Context, hash common.Hash) (uint64, *types.Receipt, error) {
	receipt, err := m.provider.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return 0, nil, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return 0, nil, nil
	}

	head, err := m.provider.GetBlockNumber(ctx)
	if err != nil {
		return 0, nil, err
	}

	included := receipt.BlockNumber.Uint64()
	if head < included {
		// The node answering the head query lags the one that served the
		// receipt. Count no confirmations yet.
		return 0, receipt, nil
	}
	return head - included + 1, receipt, nil
}

// setStatus records a transition for a tracked hash, enforcing the
// finality guard. Unknown hashes are ignored so the polling entry points
// also work for transactions nobody registered.
func (m *TransactionMonitor) setStatus(ctx context.Context, hash common.Hash, status TxStatus, confirmations uint64, receipt *types.Receipt) {
	m.mu.Lock()
	tx, ok := m.txs[hash]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !StatusTransitionAllowed(tx.Status, status) {
		m.mu.Unlock()
		return
	}
	changed := tx.Status != status || tx.Confirmations != confirmations
	tx.Status = status
	tx.Confirmations = confirmations
	if receipt != nil {
		tx.Receipt = receipt
	}
	tx.UpdatedAt = m.clock.Now()
	snapshot := m.snapshotLocked(tx)
	m.mu.Unlock()

	if changed && m.hook != nil {
		m.hook(*snapshot)
	}
	m.persist(ctx, snapshot)
}

func (m *TransactionMonitor) snapshotLocked(tx *TrackedTx) *TrackedTx {
	out := *tx
	out.Fees = tx.Fees.Clone()
	return &out
}

func (m *TransactionMonitor) persist(ctx context.Context, tx *TrackedTx) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, NewTxRecord(tx)); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": tx.Hash.Hex(),
			"status":  string(tx.Status),
			"error":   err,
		}).Warn("Failed to persist transaction record. Ignore and continue")
	}
}
