package txkeeper

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gboigwe/txkeeper/internal/circuitbreaker"
)

// Manager defines the interface for transaction lifecycle operations.
// This interface allows for easy mocking in tests and provides a stable API contract.
type Manager interface {
	// Identity
	Address() common.Address

	// Components
	Provider() Provider
	Nonces() *NonceManager
	Oracle() *GasPriceOracle
	Retrier() *RetryManager
	Monitor() *TransactionMonitor
	Detector() *StuckTransactionDetector
	Replacer() *TransactionReplacer
	Queue() *TransactionQueue
	ErrorDecoder() *ErrorDecoder

	// Circuit Breaker
	GetCircuitBreakerStats() circuitbreaker.Stats
	ResetCircuitBreaker()
	RecordNetworkSuccess()
	RecordNetworkFailure()

	// Default Configuration
	Defaults() KeeperDefaults
	SetDefaults(defaults KeeperDefaults)

	// Transaction Execution
	Execute(ctx context.Context, req *TxRequest, opts ...ExecOption) (*ExecutionResult, error)
	EnqueueTx(req *TxRequest, opts ...ExecOption) (string, error)

	// Replacement
	SpeedUpTransaction(ctx context.Context, hash common.Hash) (common.Hash, error)
	CancelTransaction(ctx context.Context, hash common.Hash) (common.Hash, error)

	// Stuck Detection
	DetectStuckTransactions(ctx context.Context) ([]StuckTx, error)

	// Builder Pattern Entry Point
	R() *TxBuilder

	// Lifecycle
	Close()
}

// Compile-time check that Keeper implements Manager
var _ Manager = (*Keeper)(nil)
