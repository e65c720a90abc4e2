// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the library from specific implementations.
package txkeeper

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// BlockTag selects which chain view a read targets. The pending tag is
// what nonce reconciliation relies on; everything else reads latest.
type BlockTag = rpc.BlockNumber

const (
	LatestTag  BlockTag = rpc.LatestBlockNumber
	PendingTag BlockTag = rpc.PendingBlockNumber
)

// Provider defines the minimal read surface this package needs from a
// node. Implementations must translate raw client errors into the tagged
// sentinels from errors.go; NewEthProvider does this for ethclient.
type Provider interface {
	// GetTransactionCount returns the transaction count (next nonce) for
	// the address at the given tag.
	GetTransactionCount(ctx context.Context, addr common.Address, tag BlockTag) (uint64, error)

	// GetBlock returns the block for the tag, which may be a concrete
	// number or latest/pending.
	GetBlock(ctx context.Context, tag BlockTag) (*types.Block, error)

	// GetFeeData returns the node's current fee suggestions.
	GetFeeData(ctx context.Context) (*FeeData, error)

	// GetTransactionReceipt returns (nil, nil) while the transaction is
	// not yet included, a receipt once it is, and an error only for
	// transport faults.
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// GetTransaction returns the transaction and whether it is still
	// pending inclusion.
	GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)

	// GetBlockNumber returns the current chain head number.
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// TxRequest is the submission payload handed to a Signer. Nil or zero
// fields delegate the decision to the signer: a nil Nonce lets the signer
// allocate one, a zero Gas lets it estimate, nil fee fields let it price
// the transaction itself.
type TxRequest struct {
	From  common.Address
	To    *common.Address // nil deploys a contract
	Value *big.Int
	Data  []byte

	Nonce *uint64
	Gas   uint64

	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Signer signs and submits transactions. It is an opaque capability: key
// material never passes through this package. Only TransactionReplacer and
// the high-level Keeper paths hold a Signer; NonceManager and
// GasPriceOracle see the Provider alone.
type Signer interface {
	// SendTransaction signs req and broadcasts it, returning the hash.
	// A decline by the key owner must come back tagged ErrUserRejected.
	SendTransaction(ctx context.Context, req *TxRequest) (common.Hash, error)

	// Address returns the account this signer submits from.
	Address() common.Address
}
