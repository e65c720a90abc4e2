package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionReplacer accelerates or cancels a stuck transaction by
// submitting a competing one at the identical nonce with bumped fees.
// A destination or payload cannot be revoked once broadcast, only
// out-competed for its nonce slot; cancellation is therefore a zero-value
// self-transfer occupying the slot as cheaply as possible.
//
// This is one of the two places a Signer is held; the read-only
// components never see it.
type TransactionReplacer struct {
	provider Provider
	signer   Signer
	oracle   *GasPriceOracle
	monitor  *TransactionMonitor
	nonces   *NonceManager
}

// ReplacerOption configures a TransactionReplacer.
type ReplacerOption func(*TransactionReplacer)

// WithReplacerMonitor makes the replacer register replacements with the
// monitor so they are tracked like first submissions.
func WithReplacerMonitor(monitor *TransactionMonitor) ReplacerOption {
	return func(r *TransactionReplacer) {
		r.monitor = monitor
	}
}

// WithReplacerNonces makes the replacer invalidate the nonce manager's
// cache after a replacement, since the promised sequence just changed
// shape under the account.
func WithReplacerNonces(nonces *NonceManager) ReplacerOption {
	return func(r *TransactionReplacer) {
		r.nonces = nonces
	}
}

// NewTransactionReplacer builds a replacer over the provider, signer and
// fee oracle.
func NewTransactionReplacer(provider Provider, signer Signer, oracle *GasPriceOracle, opts ...ReplacerOption) *TransactionReplacer {
	r := &TransactionReplacer{
		provider: provider,
		signer:   signer,
		oracle:   oracle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SpeedUpTransaction resubmits the original's call at the same nonce with
// fees bumped by the oracle's replacement factor and returns the new
// hash. Fails with ErrAlreadyConfirmed, issuing nothing, when a receipt
// already exists; the precondition is re-checked here because the caller's
// stuck snapshot may be stale.
func (r *TransactionReplacer) SpeedUpTransaction(ctx context.Context, hash common.Hash) (common.Hash, error) {
	orig, bumped, err := r.prepareReplacement(ctx, hash)
	if err != nil {
		return common.Hash{}, err
	}

	nonce := orig.Nonce()
	req := &TxRequest{
		From:                 r.signer.Address(),
		To:                   orig.To(),
		Value:                orig.Value(),
		Data:                 orig.Data(),
		Nonce:                &nonce,
		Gas:                  orig.Gas(),
		GasPrice:             bumped.GasPrice,
		MaxFeePerGas:         bumped.MaxFeePerGas,
		MaxPriorityFeePerGas: bumped.MaxPriorityFeePerGas,
	}

	newHash, err := r.signer.SendTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}

	logger.WithFields(logger.Fields{
		"old_tx_hash": hash.Hex(),
		"new_tx_hash": newHash.Hex(),
		"nonce":       nonce,
	}).Info("Submitted speed-up replacement")

	r.afterReplacement(ctx, newHash, nonce, bumped)
	return newHash, nil
}

// CancelTransaction submits a zero-value self-transfer at the original's
// nonce with bumped fees and minimal gas, abandoning the original's call
// entirely. Same precondition as SpeedUpTransaction.
func (r *TransactionReplacer) CancelTransaction(ctx context.Context, hash common.Hash) (common.Hash, error) {
	orig, bumped, err := r.prepareReplacement(ctx, hash)
	if err != nil {
		return common.Hash{}, err
	}

	nonce := orig.Nonce()
	self := r.signer.Address()
	req := &TxRequest{
		From:                 self,
		To:                   &self,
		Value:                big.NewInt(0),
		Nonce:                &nonce,
		Gas:                  CancelGasLimit,
		GasPrice:             bumped.GasPrice,
		MaxFeePerGas:         bumped.MaxFeePerGas,
		MaxPriorityFeePerGas: bumped.MaxPriorityFeePerGas,
	}

	newHash, err := r.signer.SendTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}

	logger.WithFields(logger.Fields{
		"old_tx_hash": hash.Hex(),
		"new_tx_hash": newHash.Hex(),
		"nonce":       nonce,
	}).Info("Submitted cancel replacement")

	r.afterReplacement(ctx, newHash, nonce, bumped)
	return newHash, nil
}

// prepareReplacement re-checks that the original is still unconfirmed,
// fetches its parameters and computes the bumped fees.
func (r *TransactionReplacer) prepareReplacement(ctx context.Context, hash common.Hash) (*types.Transaction, *FeeData, error) {
	receipt, err := r.provider.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, nil, err
	}
	if receipt != nil {
		return nil, nil, errors.Join(ErrAlreadyConfirmed,
			fmt.Errorf("transaction %s already confirmed in block %s", hash.Hex(), receipt.BlockNumber))
	}

	orig, _, err := r.provider.GetTransaction(ctx, hash)
	if err != nil {
		return nil, nil, err
	}

	sender, err := types.Sender(types.LatestSignerForChainID(orig.ChainId()), orig)
	if err == nil && sender != r.signer.Address() {
		return nil, nil, fmt.Errorf("transaction %s belongs to %s, signer holds %s",
			hash.Hex(), sender.Hex(), r.signer.Address().Hex())
	}

	bumped, err := r.oracle.GetSpeedUpGasPrice(currentFees(orig))
	if err != nil {
		return nil, nil, err
	}
	return orig, bumped, nil
}

func currentFees(tx *types.Transaction) *FeeData {
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		return &FeeData{GasPrice: tx.GasPrice()}
	default:
		return &FeeData{
			MaxFeePerGas:         tx.GasFeeCap(),
			MaxPriorityFeePerGas: tx.GasTipCap(),
		}
	}
}

func (r *TransactionReplacer) afterReplacement(ctx context.Context, newHash common.Hash, nonce uint64, fees *FeeData) {
	if r.monitor != nil {
		r.monitor.Track(ctx, newHash, r.signer.Address(), nonce, fees)
	}
	if r.nonces != nil {
		if _, err := r.nonces.RefreshNonce(ctx, r.signer.Address()); err != nil {
			logger.WithFields(logger.Fields{
				"address": r.signer.Address().Hex(),
				"error":   err,
			}).Warn("Failed to refresh nonce cache after replacement. Ignore and continue")
		}
	}
}
