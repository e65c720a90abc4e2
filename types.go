package txkeeper

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// DefaultNonceTTL bounds how long a cached next-nonce answer is served
	// before the chain is consulted again.
	DefaultNonceTTL = 10 * time.Second

	// DefaultFeeQuoteTTL is close to one mainnet block time so a cached fee
	// quote never spans more than roughly one base-fee adjustment.
	DefaultFeeQuoteTTL = 12 * time.Second

	// DefaultSpeedUpPercent is the fee bump applied to replacement
	// transactions. Most mempools reject replacements below a 10% bump.
	DefaultSpeedUpPercent = 10

	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0

	DefaultPollInterval          = 5 * time.Second
	DefaultMaxPollAttempts       = 60
	DefaultRequiredConfirmations = 1

	// DefaultStuckThreshold is how long a transaction may sit unconfirmed
	// before the detector reports it.
	DefaultStuckThreshold = 5 * time.Minute

	// DefaultScanDepth is how many recent blocks the detector inspects when
	// locating an outstanding transaction on chain.
	DefaultScanDepth = 20

	DefaultQueueMaxAttempts = 3
	DefaultQueueBaseDelay   = 1 * time.Second

	// DefaultMaxSpeedUps caps how many replacements Execute issues for a
	// single logical transaction before giving up with a timeout.
	DefaultMaxSpeedUps = 3

	// CancelGasLimit is the gas for a plain value transfer, the cheapest
	// transaction that can occupy a nonce slot.
	CancelGasLimit = 21000
)

// TxStatus is the lifecycle state of a monitored transaction.
//
// Success, failed and timeout are terminal: once a transaction reaches one
// of them its record never transitions again. Timeout is deliberately not
// failed; it means the polling budget ran out while the transaction may
// still land later.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusConfirming TxStatus = "confirming"
	TxStatusSuccess    TxStatus = "success"
	TxStatusFailed     TxStatus = "failed"
	TxStatusTimeout    TxStatus = "timeout"
)

// Terminal reports whether the status is final and immutable.
func (s TxStatus) Terminal() bool {
	return s == TxStatusSuccess || s == TxStatusFailed || s == TxStatusTimeout
}

// FeeData carries the fee parameters for one submission. On EIP-1559
// networks MaxFeePerGas and MaxPriorityFeePerGas are set and GasPrice may
// be nil; on legacy networks only GasPrice is set.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Dynamic reports whether the quote carries EIP-1559 fee fields.
func (f *FeeData) Dynamic() bool {
	return f != nil && f.MaxFeePerGas != nil
}

// Clone returns a deep copy so callers can mutate fee fields without
// corrupting a shared cached quote.
func (f *FeeData) Clone() *FeeData {
	if f == nil {
		return nil
	}
	out := &FeeData{}
	if f.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(f.GasPrice)
	}
	if f.MaxFeePerGas != nil {
		out.MaxFeePerGas = new(big.Int).Set(f.MaxFeePerGas)
	}
	if f.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = new(big.Int).Set(f.MaxPriorityFeePerGas)
	}
	return out
}

// TrackedTx is the monitor's record for one submitted transaction.
type TrackedTx struct {
	Hash          common.Hash
	From          common.Address
	Nonce         uint64
	Fees          *FeeData
	Status        TxStatus
	Confirmations uint64
	FirstSeenAt   time.Time
	UpdatedAt     time.Time
	Receipt       *types.Receipt
}

// StuckTx is an on-demand snapshot describing one outstanding transaction
// that exceeded the unconfirmed-age threshold. It is derived, never
// persisted.
type StuckTx struct {
	Hash     common.Hash
	From     common.Address
	Nonce    uint64
	Age      time.Duration
	GasPrice *big.Int
}

// QueueStatus is the lifecycle state of one queued operation.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// ExecutionResult reports the final outcome of Keeper.Execute: the hash
// that ultimately settled (possibly a replacement of the original), its
// receipt when one was observed, and how many replacements were issued
// along the way.
type ExecutionResult struct {
	Hash         common.Hash
	Receipt      *types.Receipt
	Status       TxStatus
	Replacements int
}

// KeeperDefaults holds the tunables applied when a request does not
// override them. Read and written through Keeper.Defaults and
// Keeper.SetDefaults.
type KeeperDefaults struct {
	MaxAttempts           int
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	BackoffMultiplier     float64
	PollInterval          time.Duration
	MaxPollAttempts       int
	RequiredConfirmations uint64
	MaxSpeedUps           int
	SpeedUpPercent        int64
}
