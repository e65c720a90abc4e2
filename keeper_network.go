package txkeeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gboigwe/txkeeper/internal/circuitbreaker"
)

// guardedProvider wraps a Provider with the Keeper's circuit breaker.
// Every call checks Allow first and reports its outcome back, so all
// components share one view of node health.
type guardedProvider struct {
	inner   Provider
	breaker *circuitbreaker.CircuitBreaker
}

var _ Provider = (*guardedProvider)(nil)

func (g *guardedProvider) allow(op string) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%w for %s", ErrCircuitBreakerOpen, op)
	}
	return nil
}

// record reports the call outcome to the breaker. Caller cancellation is
// not counted either way; it says nothing about node health.
func (g *guardedProvider) record(err error) {
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		g.breaker.RecordFailure()
	}
}

func (g *guardedProvider) GetTransactionCount(ctx context.Context, address common.Address, tag BlockTag) (uint64, error) {
	if err := g.allow("GetTransactionCount"); err != nil {
		return 0, err
	}
	count, err := g.inner.GetTransactionCount(ctx, address, tag)
	g.record(err)
	return count, err
}

func (g *guardedProvider) GetBlock(ctx context.Context, tag BlockTag) (*types.Block, error) {
	if err := g.allow("GetBlock"); err != nil {
		return nil, err
	}
	block, err := g.inner.GetBlock(ctx, tag)
	g.record(err)
	return block, err
}

func (g *guardedProvider) GetFeeData(ctx context.Context) (*FeeData, error) {
	if err := g.allow("GetFeeData"); err != nil {
		return nil, err
	}
	fees, err := g.inner.GetFeeData(ctx)
	g.record(err)
	return fees, err
}

func (g *guardedProvider) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := g.allow("GetTransactionReceipt"); err != nil {
		return nil, err
	}
	receipt, err := g.inner.GetTransactionReceipt(ctx, hash)
	g.record(err)
	return receipt, err
}

func (g *guardedProvider) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := g.allow("GetTransaction"); err != nil {
		return nil, false, err
	}
	tx, pending, err := g.inner.GetTransaction(ctx, hash)
	// An unknown hash is an answer from a healthy node, not a node fault.
	if errors.Is(err, ErrTxNotFound) {
		g.breaker.RecordSuccess()
	} else {
		g.record(err)
	}
	return tx, pending, err
}

func (g *guardedProvider) GetBlockNumber(ctx context.Context) (uint64, error) {
	if err := g.allow("GetBlockNumber"); err != nil {
		return 0, err
	}
	number, err := g.inner.GetBlockNumber(ctx)
	g.record(err)
	return number, err
}

// GetCircuitBreakerStats returns the provider circuit breaker statistics.
func (k *Keeper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return k.breaker.Stats()
}

// ResetCircuitBreaker forces the provider circuit breaker closed.
func (k *Keeper) ResetCircuitBreaker() {
	k.breaker.Reset()
}

// RecordNetworkSuccess records a successful provider operation performed
// outside the Keeper, so external calls feed the same breaker.
func (k *Keeper) RecordNetworkSuccess() {
	k.breaker.RecordSuccess()
}

// RecordNetworkFailure records a failed provider operation performed
// outside the Keeper.
func (k *Keeper) RecordNetworkFailure() {
	k.breaker.RecordFailure()
}
