package txkeeper

import (
	"context"
	"errors"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/core/types"
)

// RecoveryOptions controls crash recovery behavior.
type RecoveryOptions struct {
	// ResumeMonitoring restarts receipt polling for transactions that are
	// still pending on chain.
	ResumeMonitoring bool

	// MaxConcurrentMonitors bounds how many resumed transactions are
	// polled at once.
	MaxConcurrentMonitors int

	// PollInterval and MaxPollAttempts budget each resumed monitor.
	PollInterval    time.Duration
	MaxPollAttempts int

	// OnTxMined is called for every recovered transaction found mined,
	// whether it succeeded or reverted.
	OnTxMined func(rec *TxRecord, receipt *types.Receipt)

	// OnTxDropped is called for transactions that vanished from the
	// mempool without a receipt.
	OnTxDropped func(rec *TxRecord)

	// OnTxRecovered is called for transactions still pending on chain.
	OnTxRecovered func(rec *TxRecord)
}

// DefaultRecoveryOptions returns the standard recovery configuration.
func DefaultRecoveryOptions() RecoveryOptions {
	return RecoveryOptions{
		ResumeMonitoring:      true,
		MaxConcurrentMonitors: 10,
		PollInterval:          5 * time.Second,
		MaxPollAttempts:       DefaultMaxPollAttempts,
	}
}

// RecoveryResult summarizes what recovery found and did.
type RecoveryResult struct {
	ReconciledNonces int
	RecoveredTxs     int
	MinedTxs         int
	DroppedTxs       int
	Errors           []error
}

// RecoveryHandler manages the recovery process for a Keeper.
type RecoveryHandler struct {
	k          *Keeper
	txStore    TxStore
	nonceStore NonceStore
}

func newRecoveryHandler(k *Keeper) *RecoveryHandler {
	return &RecoveryHandler{
		k:          k,
		txStore:    k.txStore,
		nonceStore: k.nonceStore,
	}
}

// Recover performs recovery with default options. See RecoverWithOptions.
func (k *Keeper) Recover(ctx context.Context) (*RecoveryResult, error) {
	return k.RecoverWithOptions(ctx, DefaultRecoveryOptions())
}

// RecoverWithOptions reconciles persisted state with the chain after a
// crash or restart: nonce promises are re-derived from chain counts, and
// transactions that were in flight are re-checked and optionally
// monitored again.
//
// Call it once during startup, before submitting new transactions.
// Resumed monitors keep running in the background after it returns.
func (k *Keeper) RecoverWithOptions(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error) {
	return newRecoveryHandler(k).Recover(ctx, opts)
}

// Recover runs both recovery phases. Stores that were not configured are
// skipped.
func (rh *RecoveryHandler) Recover(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	if rh.nonceStore != nil {
		if err := rh.reconcileNonceState(ctx, result); err != nil {
			return result, err
		}
	}

	if rh.txStore != nil {
		if err := rh.processPendingTransactions(ctx, opts, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// reconcileNonceState re-derives every persisted account's nonce floor
// from the chain. The reconciled floor is the max of the mined count, the
// remote pending count and the local promise, so a crash can never cause
// a nonce to be handed out twice.
func (rh *RecoveryHandler) reconcileNonceState(ctx context.Context, result *RecoveryResult) error {
	states, err := rh.nonceStore.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, state := range states {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mined, err := rh.k.provider.GetTransactionCount(ctx, state.Address, LatestTag)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		remotePending, err := rh.k.provider.GetTransactionCount(ctx, state.Address, PendingTag)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}

		// next nonce to use, from whichever source has seen the most
		next := mined
		if remotePending > next {
			next = remotePending
		}
		if state.PendingNonce != nil && *state.PendingNonce+1 > next {
			next = *state.PendingNonce + 1
		}

		// TrackPendingNonce records the last used nonce; GetNextNonce
		// adds one on top.
		if next > 0 {
			rh.k.nonces.TrackPendingNonce(ctx, state.Address, next-1)
		}

		logger.WithFields(logger.Fields{
			"address":        state.Address.Hex(),
			"mined":          mined,
			"remote_pending": remotePending,
			"next_nonce":     next,
		}).Debug("Reconciled nonce state")

		result.ReconciledNonces++
	}

	return nil
}

// processPendingTransactions re-checks every persisted in-flight
// transaction against the chain and sorts it into mined, dropped or
// still pending.
func (rh *RecoveryHandler) processPendingTransactions(ctx context.Context, opts RecoveryOptions, result *RecoveryResult) error {
	records, err := rh.txStore.ListPending(ctx)
	if err != nil {
		return err
	}

	concurrency := opts.MaxConcurrentMonitors
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		receipt, err := rh.k.provider.GetTransactionReceipt(ctx, rec.Hash)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}

		if receipt != nil {
			// Mined while we were down.
			status := TxStatusSuccess
			if receipt.Status != types.ReceiptStatusSuccessful {
				status = TxStatusFailed
			}
			result.MinedTxs++
			if storeErr := rh.txStore.UpdateStatus(ctx, rec.Hash, status, 1, receipt); storeErr != nil {
				result.Errors = append(result.Errors, storeErr)
			}
			if opts.OnTxMined != nil {
				opts.OnTxMined(rec, receipt)
			}
			continue
		}

		_, _, err = rh.k.provider.GetTransaction(ctx, rec.Hash)
		switch {
		case errors.Is(err, ErrTxNotFound):
			// Vanished from the mempool: dropped. Release the nonce
			// promise so the gap gets refilled.
			result.DroppedTxs++
			if storeErr := rh.txStore.UpdateStatus(ctx, rec.Hash, TxStatusFailed, 0, nil); storeErr != nil {
				result.Errors = append(result.Errors, storeErr)
			}
			rh.k.nonces.ClearPendingNonce(ctx, rec.From)
			if opts.OnTxDropped != nil {
				opts.OnTxDropped(rec)
			}

		case err != nil:
			result.Errors = append(result.Errors, err)

		default:
			result.RecoveredTxs++
			rh.k.monitor.Adopt(rec)
			if opts.OnTxRecovered != nil {
				opts.OnTxRecovered(rec)
			}
			if opts.ResumeMonitoring {
				sem <- struct{}{}
				go func(rec *TxRecord) {
					defer func() { <-sem }()
					rh.resumeTransaction(ctx, rec, opts)
				}(rec)
			}
		}
	}

	return nil
}

// resumeTransaction restarts receipt polling for a recovered transaction,
// with one fee-bumped replacement attempt if it times out again. The
// monitor persists status changes on its own; this only drives the poll
// loop and fires callbacks.
func (rh *RecoveryHandler) resumeTransaction(ctx context.Context, rec *TxRecord, opts RecoveryOptions) {
	status, receipt, err := rh.k.monitor.PollTransactionStatus(ctx, rec.Hash, opts.MaxPollAttempts, opts.PollInterval)
	if err != nil {
		return
	}

	if status == TxStatusTimeout {
		newHash, replaceErr := rh.k.replacer.SpeedUpTransaction(ctx, rec.Hash)
		if replaceErr != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": rec.Hash.Hex(),
				"error":   replaceErr,
			}).Warn("Failed to replace recovered transaction. Ignore and continue")
			return
		}
		status, receipt, err = rh.k.monitor.PollTransactionStatus(ctx, newHash, opts.MaxPollAttempts, opts.PollInterval)
		if err != nil {
			return
		}
	}

	if (status == TxStatusSuccess || status == TxStatusFailed) && opts.OnTxMined != nil {
		opts.OnTxMined(rec, receipt)
	}
}
