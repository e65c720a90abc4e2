package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// ExecOption tunes a single Execute call without touching the keeper
// defaults.
type ExecOption func(*execConfig)

type execConfig struct {
	maxAttempts           int
	pollInterval          time.Duration
	maxPollAttempts       int
	requiredConfirmations uint64
	maxSpeedUps           int
}

// WithExecMaxAttempts caps submission attempts for this call.
func WithExecMaxAttempts(n int) ExecOption {
	return func(c *execConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithExecPollInterval sets the receipt polling interval for this call.
func WithExecPollInterval(d time.Duration) ExecOption {
	return func(c *execConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithExecMaxPollAttempts sets the receipt polling budget for this call.
func WithExecMaxPollAttempts(n int) ExecOption {
	return func(c *execConfig) {
		if n > 0 {
			c.maxPollAttempts = n
		}
	}
}

// WithExecRequiredConfirmations sets the confirmation depth Execute waits
// for after inclusion.
func WithExecRequiredConfirmations(n uint64) ExecOption {
	return func(c *execConfig) {
		if n > 0 {
			c.requiredConfirmations = n
		}
	}
}

// WithExecMaxSpeedUps caps fee-bumped replacements for this call. Zero
// disables replacement entirely; the call then reports timeout as soon as
// the polling budget runs out.
func WithExecMaxSpeedUps(n int) ExecOption {
	return func(c *execConfig) {
		if n >= 0 {
			c.maxSpeedUps = n
		}
	}
}

func (k *Keeper) execConfig(opts ...ExecOption) execConfig {
	d := k.Defaults()
	cfg := execConfig{
		maxAttempts:           d.MaxAttempts,
		pollInterval:          d.PollInterval,
		maxPollAttempts:       d.MaxPollAttempts,
		requiredConfirmations: d.RequiredConfirmations,
		maxSpeedUps:           d.MaxSpeedUps,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Execute runs the full submission pipeline for one request: acquire a
// nonce and fee quote where not pinned, submit with classified retries,
// poll for inclusion, replace with bumped fees when the transaction
// times out, and wait out the required confirmation depth.
//
// It returns once the final hash reaches a terminal status or ctx is
// cancelled. A timeout status comes back with a nil error; the
// transaction may still land later and stays tracked in the monitor.
//
// Possible errors:
//  1. validation errors for malformed requests
//  2. nonce or fee acquisition failures, including ErrCircuitBreakerOpen
//  3. the last submission attempt's error once retries are exhausted
//  4. context.Canceled or context.DeadlineExceeded
func (k *Keeper) Execute(ctx context.Context, req *TxRequest, opts ...ExecOption) (*ExecutionResult, error) {
	cfg := k.execConfig(opts...)

	if req == nil {
		return nil, fmt.Errorf("tx request is nil")
	}
	r := req.Clone()
	if r.From == (common.Address{}) {
		r.From = k.signer.Address()
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	noncePinned := r.Nonce != nil
	if !noncePinned {
		nonce, err := k.nonces.GetNextNonce(ctx, r.From)
		if err != nil {
			return nil, err
		}
		r.Nonce = &nonce
	}

	if r.GasPrice == nil && r.MaxFeePerGas == nil {
		quote, err := k.oracle.GetOptimalGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		r.ApplyFees(quote)
	}

	hash, err := ExecuteWithRetryResult(ctx, k.retrier, func(ctx context.Context) (common.Hash, error) {
		h, sendErr := k.signer.SendTransaction(ctx, r)
		if sendErr != nil && !noncePinned && errors.Is(sendErr, ErrNonceConflict) {
			// Someone consumed our nonce; re-derive before the next attempt.
			if fresh, refreshErr := k.nonces.RefreshNonce(ctx, r.From); refreshErr == nil {
				r.Nonce = &fresh
			}
		}
		return h, sendErr
	}, WithMaxAttempts(cfg.maxAttempts))
	if err != nil {
		return nil, k.decodeRevert(err)
	}

	k.nonces.TrackPendingNonce(ctx, r.From, *r.Nonce)
	k.monitor.Track(ctx, hash, r.From, *r.Nonce, r.Fees())

	logger.WithFields(logger.Fields{
		"tx_hash": hash.Hex(),
		"from":    r.From.Hex(),
		"nonce":   *r.Nonce,
	}).Info("Submitted transaction")

	result := &ExecutionResult{Hash: hash}

	status, receipt, err := k.monitor.PollTransactionStatus(ctx, hash, cfg.maxPollAttempts, cfg.pollInterval)
	if err != nil {
		return nil, err
	}

	for status == TxStatusTimeout && result.Replacements < cfg.maxSpeedUps {
		newHash, replaceErr := k.replacer.SpeedUpTransaction(ctx, hash)
		if replaceErr != nil {
			if errors.Is(replaceErr, ErrAlreadyConfirmed) {
				// Landed between the timeout and the replacement attempt.
				status, receipt, err = k.monitor.PollTransactionStatus(ctx, hash, 1, cfg.pollInterval)
				if err != nil {
					return nil, err
				}
				break
			}
			if ctx.Err() != nil {
				return nil, replaceErr
			}
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"error":   replaceErr,
			}).Warn("Failed to replace timed-out transaction. Ignore and continue")
			break
		}

		hash = newHash
		result.Replacements++
		status, receipt, err = k.monitor.PollTransactionStatus(ctx, hash, cfg.maxPollAttempts, cfg.pollInterval)
		if err != nil {
			return nil, err
		}
	}

	result.Hash = hash
	result.Status = status
	result.Receipt = receipt

	if status.Terminal() && status != TxStatusTimeout && cfg.requiredConfirmations > 1 {
		confirmed, waitErr := k.monitor.WaitForConfirmations(ctx, hash, cfg.requiredConfirmations)
		if waitErr != nil {
			return nil, waitErr
		}
		if !confirmed {
			logger.WithFields(logger.Fields{
				"tx_hash":       hash.Hex(),
				"confirmations": cfg.requiredConfirmations,
			}).Info("Confirmation depth not reached within polling budget")
		}
	}

	return result, nil
}

// decodeRevert enriches a revert error with the decoded Solidity custom
// error when a decoder is configured. Other errors pass through. Decode
// always returns a wrapping error; the resolved ABI error is what tells a
// successful decode apart from undecodable revert data.
func (k *Keeper) decodeRevert(err error) error {
	if k.decoder == nil || !errors.Is(err, ErrReverted) {
		return err
	}
	abiErr, _, decoded := k.decoder.Decode(err)
	if abiErr == nil {
		return err
	}
	return decoded
}

// EnqueueTx hands the request to the serialized queue and returns the
// queue item id for status polling. Queued requests run through the same
// Execute pipeline, one at a time in submission order; the execution
// result itself is observable through the monitor.
func (k *Keeper) EnqueueTx(req *TxRequest, opts ...ExecOption) (string, error) {
	if req == nil {
		return "", fmt.Errorf("tx request is nil")
	}
	r := req.Clone()
	return k.queue.Add(func(ctx context.Context) error {
		_, err := k.Execute(ctx, r.Clone(), opts...)
		return err
	})
}

// SpeedUpTransaction replaces a pending transaction with a higher-fee
// copy at the same nonce and returns the replacement hash.
func (k *Keeper) SpeedUpTransaction(ctx context.Context, hash common.Hash) (common.Hash, error) {
	return k.replacer.SpeedUpTransaction(ctx, hash)
}

// CancelTransaction abandons a pending transaction by burning its nonce
// with a zero-value self-transfer and returns the replacement hash.
func (k *Keeper) CancelTransaction(ctx context.Context, hash common.Hash) (common.Hash, error) {
	return k.replacer.CancelTransaction(ctx, hash)
}

// DetectStuckTransactions scans the signing account for transactions that
// stayed unconfirmed past the detector's threshold.
func (k *Keeper) DetectStuckTransactions(ctx context.Context) ([]StuckTx, error) {
	return k.detector.DetectStuckTransactions(ctx, k.signer.Address())
}
