// persistence.go defines the optional durable-state interfaces. Both are
// nil-able: without them the keeper runs fully in memory and loses nonce
// promises and monitoring state on restart. The persistence/redis package
// provides Redis-backed implementations.
package txkeeper

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NonceState is the durable snapshot of one account's nonce bookkeeping.
// PendingNonce is the highest nonce promised to a caller; nil means no
// promise is outstanding.
type NonceState struct {
	Address      common.Address
	PendingNonce *uint64
	UpdatedAt    time.Time
}

// NonceStore persists promised nonces across restarts so recovery can
// reconcile them against the chain.
type NonceStore interface {
	// Get returns the state for the address, or (nil, nil) when absent.
	Get(ctx context.Context, addr common.Address) (*NonceState, error)

	// SavePendingNonce records a promised nonce. Implementations must
	// never regress an already-recorded higher nonce.
	SavePendingNonce(ctx context.Context, addr common.Address, nonce uint64) error

	// ClearPendingNonce removes the promise for the address.
	ClearPendingNonce(ctx context.Context, addr common.Address) error

	// ListAll returns every stored state, for recovery sweeps.
	ListAll(ctx context.Context) ([]*NonceState, error)
}

// TxRecord is the durable form of a monitored transaction.
type TxRecord struct {
	Hash          common.Hash
	From          common.Address
	Nonce         uint64
	Status        TxStatus
	Confirmations uint64
	FirstSeenAt   time.Time
	UpdatedAt     time.Time

	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Receipt *types.Receipt
}

// TxStore persists monitored transactions so pending ones survive a
// restart and can be re-adopted by recovery.
type TxStore interface {
	// Save writes the record. Implementations must refuse transitions
	// from a more final status to a less final one, so a late pending
	// write can never clobber an observed success.
	Save(ctx context.Context, rec *TxRecord) error

	// Get returns the record for the hash, or (nil, nil) when absent.
	Get(ctx context.Context, hash common.Hash) (*TxRecord, error)

	// UpdateStatus transitions the record's status, applying the same
	// finality guard as Save. The receipt may be nil.
	UpdateStatus(ctx context.Context, hash common.Hash, status TxStatus, confirmations uint64, receipt *types.Receipt) error

	// ListPending returns every record still in a non-terminal status.
	ListPending(ctx context.Context) ([]*TxRecord, error)

	// Delete removes the record.
	Delete(ctx context.Context, hash common.Hash) error
}

// statusRank orders statuses by finality for overwrite guards. Equal rank
// means neither side may overwrite the other once terminal.
func statusRank(s TxStatus) int {
	switch s {
	case TxStatusPending:
		return 0
	case TxStatusConfirming:
		return 1
	case TxStatusTimeout:
		return 2
	case TxStatusSuccess, TxStatusFailed:
		return 3
	default:
		return 0
	}
}

// StatusTransitionAllowed reports whether a record may move from one
// status to the next under the finality guard shared by all TxStore
// implementations. Success and failed are immutable; timeout may still
// resolve to success or failed when the transaction lands late.
func StatusTransitionAllowed(from, next TxStatus) bool {
	if from == next {
		return true
	}
	if from == TxStatusSuccess || from == TxStatusFailed {
		return false
	}
	return statusRank(next) >= statusRank(from)
}

// NewTxRecord builds a record from a monitor snapshot.
func NewTxRecord(tx *TrackedTx) *TxRecord {
	rec := &TxRecord{
		Hash:          tx.Hash,
		From:          tx.From,
		Nonce:         tx.Nonce,
		Status:        tx.Status,
		Confirmations: tx.Confirmations,
		FirstSeenAt:   tx.FirstSeenAt,
		UpdatedAt:     tx.UpdatedAt,
		Receipt:       tx.Receipt,
	}
	if f := tx.Fees; f != nil {
		c := f.Clone()
		rec.GasPrice = c.GasPrice
		rec.MaxFeePerGas = c.MaxFeePerGas
		rec.MaxPriorityFeePerGas = c.MaxPriorityFeePerGas
	}
	return rec
}

// Tracked converts the record back into a monitor snapshot.
func (r *TxRecord) Tracked() *TrackedTx {
	return &TrackedTx{
		Hash:          r.Hash,
		From:          r.From,
		Nonce:         r.Nonce,
		Status:        r.Status,
		Confirmations: r.Confirmations,
		FirstSeenAt:   r.FirstSeenAt,
		UpdatedAt:     r.UpdatedAt,
		Receipt:       r.Receipt,
		Fees: (&FeeData{
			GasPrice:             r.GasPrice,
			MaxFeePerGas:         r.MaxFeePerGas,
			MaxPriorityFeePerGas: r.MaxPriorityFeePerGas,
		}).Clone(),
	}
}
