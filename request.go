package txkeeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks that the request is submittable. Fee fields are allowed
// to be nil here; Execute fills them from the oracle before submission.
func (r *TxRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("tx request is nil")
	}
	if r.From == (common.Address{}) {
		return ErrFromAddressZero
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("tx value must not be negative")
	}
	if r.MaxFeePerGas != nil && r.MaxPriorityFeePerGas != nil &&
		r.MaxFeePerGas.Cmp(r.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("max fee per gas %s below priority fee %s",
			r.MaxFeePerGas, r.MaxPriorityFeePerGas)
	}
	return nil
}

// ApplyFees copies quote fields onto the request, leaving fields the
// caller already pinned untouched.
func (r *TxRequest) ApplyFees(f *FeeData) {
	if f == nil {
		return
	}
	if r.GasPrice == nil && f.GasPrice != nil {
		r.GasPrice = new(big.Int).Set(f.GasPrice)
	}
	if r.MaxFeePerGas == nil && f.MaxFeePerGas != nil {
		r.MaxFeePerGas = new(big.Int).Set(f.MaxFeePerGas)
	}
	if r.MaxPriorityFeePerGas == nil && f.MaxPriorityFeePerGas != nil {
		r.MaxPriorityFeePerGas = new(big.Int).Set(f.MaxPriorityFeePerGas)
	}
}

// Fees returns the request's fee fields as a FeeData snapshot.
func (r *TxRequest) Fees() *FeeData {
	return (&FeeData{
		GasPrice:             r.GasPrice,
		MaxFeePerGas:         r.MaxFeePerGas,
		MaxPriorityFeePerGas: r.MaxPriorityFeePerGas,
	}).Clone()
}

// Clone returns a deep copy so per-attempt mutation (fresh nonce, bumped
// fees) never leaks back into the caller's request.
func (r *TxRequest) Clone() *TxRequest {
	if r == nil {
		return nil
	}
	out := &TxRequest{
		From: r.From,
		Gas:  r.Gas,
	}
	if r.To != nil {
		to := *r.To
		out.To = &to
	}
	if r.Value != nil {
		out.Value = new(big.Int).Set(r.Value)
	}
	if len(r.Data) > 0 {
		out.Data = make([]byte, len(r.Data))
		copy(out.Data, r.Data)
	}
	if r.Nonce != nil {
		n := *r.Nonce
		out.Nonce = &n
	}
	if r.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(r.GasPrice)
	}
	if r.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(r.MaxFeePerGas)
	}
	if r.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = new(big.Int).Set(r.MaxPriorityFeePerGas)
	}
	return out
}

// TxBuilder assembles a transaction request against a Keeper with chained
// setters. Obtain one via Keeper.R, configure it, then call Execute or
// Enqueue.
type TxBuilder struct {
	k   *Keeper
	req TxRequest

	maxAttempts           int
	pollInterval          time.Duration
	maxPollAttempts       int
	requiredConfirmations uint64
	maxSpeedUps           int
}

// R returns a new builder pre-populated with the keeper's defaults and the
// signer's address.
func (k *Keeper) R() *TxBuilder {
	d := k.Defaults()
	b := &TxBuilder{
		k:                     k,
		maxAttempts:           d.MaxAttempts,
		pollInterval:          d.PollInterval,
		maxPollAttempts:       d.MaxPollAttempts,
		requiredConfirmations: d.RequiredConfirmations,
		maxSpeedUps:           d.MaxSpeedUps,
	}
	b.req.Value = big.NewInt(0)
	if k.signer != nil {
		b.req.From = k.signer.Address()
	}
	return b
}

// SetFrom overrides the sender address. Only useful with signers that
// manage more than one account behind a single Address.
func (b *TxBuilder) SetFrom(from common.Address) *TxBuilder {
	b.req.From = from
	return b
}

func (b *TxBuilder) SetTo(to common.Address) *TxBuilder {
	b.req.To = &to
	return b
}

func (b *TxBuilder) SetValue(value *big.Int) *TxBuilder {
	if value != nil {
		b.req.Value = new(big.Int).Set(value)
	}
	return b
}

func (b *TxBuilder) SetData(data []byte) *TxBuilder {
	b.req.Data = data
	return b
}

// SetNonce pins the nonce instead of acquiring one from the nonce manager.
func (b *TxBuilder) SetNonce(nonce uint64) *TxBuilder {
	b.req.Nonce = &nonce
	return b
}

func (b *TxBuilder) SetGasLimit(gas uint64) *TxBuilder {
	b.req.Gas = gas
	return b
}

// SetFees pins the fee fields instead of quoting the oracle.
func (b *TxBuilder) SetFees(f *FeeData) *TxBuilder {
	if f == nil {
		return b
	}
	c := f.Clone()
	b.req.GasPrice = c.GasPrice
	b.req.MaxFeePerGas = c.MaxFeePerGas
	b.req.MaxPriorityFeePerGas = c.MaxPriorityFeePerGas
	return b
}

func (b *TxBuilder) SetMaxAttempts(n int) *TxBuilder {
	b.maxAttempts = n
	return b
}

func (b *TxBuilder) SetPollInterval(d time.Duration) *TxBuilder {
	b.pollInterval = d
	return b
}

func (b *TxBuilder) SetMaxPollAttempts(n int) *TxBuilder {
	b.maxPollAttempts = n
	return b
}

func (b *TxBuilder) SetRequiredConfirmations(n uint64) *TxBuilder {
	b.requiredConfirmations = n
	return b
}

func (b *TxBuilder) SetMaxSpeedUps(n int) *TxBuilder {
	b.maxSpeedUps = n
	return b
}

// Request materializes the submission payload accumulated so far.
func (b *TxBuilder) Request() *TxRequest {
	return b.req.Clone()
}

func (b *TxBuilder) execOptions() []ExecOption {
	return []ExecOption{
		WithExecMaxAttempts(b.maxAttempts),
		WithExecPollInterval(b.pollInterval),
		WithExecMaxPollAttempts(b.maxPollAttempts),
		WithExecRequiredConfirmations(b.requiredConfirmations),
		WithExecMaxSpeedUps(b.maxSpeedUps),
	}
}

// Execute runs the full submission pipeline and blocks until a terminal
// status or ctx cancellation.
func (b *TxBuilder) Execute(ctx context.Context) (*ExecutionResult, error) {
	return b.k.Execute(ctx, b.Request(), b.execOptions()...)
}

// Enqueue hands the request to the keeper's queue for strictly sequential
// execution and returns the queue item id.
func (b *TxBuilder) Enqueue() (string, error) {
	return b.k.EnqueueTx(b.Request(), b.execOptions()...)
}
