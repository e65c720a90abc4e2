package txkeeper

import (
	"github.com/gboigwe/txkeeper/internal/circuitbreaker"
)

// KeeperOption is a function that configures a Keeper.
type KeeperOption func(*Keeper)

// WithClock sets the time source shared by every component. Components
// given their own clock via the passthrough options keep that one.
func WithClock(clock Clock) KeeperOption {
	return func(k *Keeper) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithDefaults sets the default configuration inherited by TxBuilder
// requests. Zero fields fall back to package defaults.
func WithDefaults(defaults KeeperDefaults) KeeperOption {
	return func(k *Keeper) {
		k.defaults = defaults
	}
}

// WithCircuitBreaker overrides the provider circuit breaker thresholds.
func WithCircuitBreaker(cfg circuitbreaker.Config) KeeperOption {
	return func(k *Keeper) {
		k.breakerConfig = &cfg
	}
}

// WithStores sets the persistence backends for nonce promises and tracked
// transactions. Either may be nil; the keeper then holds that state in
// memory only and cannot recover it after a restart.
func WithStores(nonces NonceStore, txs TxStore) KeeperOption {
	return func(k *Keeper) {
		k.nonceStore = nonces
		k.txStore = txs
	}
}

// WithKeeperErrorDecoder sets a contract error decoder used to enrich
// revert errors surfaced by Execute.
func WithKeeperErrorDecoder(decoder *ErrorDecoder) KeeperOption {
	return func(k *Keeper) {
		k.decoder = decoder
	}
}

// WithNonceOptions appends options for the wired NonceManager.
func WithNonceOptions(opts ...NonceOption) KeeperOption {
	return func(k *Keeper) {
		k.nonceOpts = append(k.nonceOpts, opts...)
	}
}

// WithOracleOptions appends options for the wired GasPriceOracle.
func WithOracleOptions(opts ...OracleOption) KeeperOption {
	return func(k *Keeper) {
		k.oracleOpts = append(k.oracleOpts, opts...)
	}
}

// WithRetryOptions appends options for the wired RetryManager.
func WithRetryOptions(opts ...RetryOption) KeeperOption {
	return func(k *Keeper) {
		k.retryOpts = append(k.retryOpts, opts...)
	}
}

// WithMonitorOptions appends options for the wired TransactionMonitor.
func WithMonitorOptions(opts ...MonitorOption) KeeperOption {
	return func(k *Keeper) {
		k.monitorOpts = append(k.monitorOpts, opts...)
	}
}

// WithDetectorOptions appends options for the wired
// StuckTransactionDetector.
func WithDetectorOptions(opts ...DetectorOption) KeeperOption {
	return func(k *Keeper) {
		k.detectorOpts = append(k.detectorOpts, opts...)
	}
}

// WithQueueOptions appends options for the wired TransactionQueue.
func WithQueueOptions(opts ...QueueOption) KeeperOption {
	return func(k *Keeper) {
		k.queueOpts = append(k.queueOpts, opts...)
	}
}
