package txkeeper

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gboigwe/txkeeper/internal/circuitbreaker"
)

// Keeper manages
//  1. nonce assignment for the signing account. Nonces are fetched
//     lazily, cached briefly and reserved per in-flight transaction so
//     concurrent submissions never collide.
//  2. gas price quotes. Quotes are fetched lazily prior to submissions
//     and cached for roughly one block.
//  3. the full submission lifecycle: classified retries, receipt
//     polling, confirmation tracking, stuck detection and fee-bumped
//     replacement.
//  4. a circuit breaker guarding the RPC provider.
//  5. a FIFO queue for callers that want submissions serialized.
//
// All components observe the provider through the circuit breaker, so a
// dead node trips every code path at once instead of each discovering it
// separately.
type Keeper struct {
	provider Provider
	signer   Signer
	clock    Clock

	breaker *circuitbreaker.CircuitBreaker

	nonces   *NonceManager
	oracle   *GasPriceOracle
	retrier  *RetryManager
	monitor  *TransactionMonitor
	detector *StuckTransactionDetector
	replacer *TransactionReplacer
	queue    *TransactionQueue

	decoder *ErrorDecoder

	nonceStore NonceStore
	txStore    TxStore

	// Lock for defaults access (protects the defaults struct)
	defaultsMu sync.RWMutex

	// Default configuration inherited by TxBuilder
	defaults KeeperDefaults

	// Component options collected before wiring (set via KeeperOptions)
	breakerConfig *circuitbreaker.Config
	nonceOpts     []NonceOption
	oracleOpts    []OracleOption
	retryOpts     []RetryOption
	monitorOpts   []MonitorOption
	detectorOpts  []DetectorOption
	queueOpts     []QueueOption
}

// NewKeeper creates a Keeper around the given provider and signer with
// optional configuration. The queue's drain goroutine starts immediately;
// call Close when done.
func NewKeeper(provider Provider, signer Signer, opts ...KeeperOption) (*Keeper, error) {
	if provider == nil {
		return nil, ErrProviderNil
	}
	if signer == nil {
		return nil, ErrSignerNil
	}

	k := &Keeper{
		signer: signer,
		clock:  SystemClock(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.defaults = k.defaults.withFallbacks()

	cfg := circuitbreaker.DefaultConfig()
	if k.breakerConfig != nil {
		cfg = *k.breakerConfig
	}
	k.breaker = circuitbreaker.New(cfg)
	k.provider = &guardedProvider{inner: provider, breaker: k.breaker}

	k.wireComponents()
	return k, nil
}

// wireComponents builds the component set over the guarded provider.
// Keeper-level settings go first so explicit component options win.
func (k *Keeper) wireComponents() {
	d := k.defaults

	nonceOpts := []NonceOption{WithNonceClock(k.clock)}
	if k.nonceStore != nil {
		nonceOpts = append(nonceOpts, WithNonceStore(k.nonceStore))
	}
	k.nonces = NewNonceManager(k.provider, append(nonceOpts, k.nonceOpts...)...)

	oracleOpts := []OracleOption{
		WithOracleClock(k.clock),
		WithSpeedUpPercent(d.SpeedUpPercent),
	}
	k.oracle = NewGasPriceOracle(k.provider, append(oracleOpts, k.oracleOpts...)...)

	retryOpts := []RetryOption{
		WithRetryClock(k.clock),
		WithMaxAttempts(d.MaxAttempts),
		WithInitialDelay(d.InitialDelay),
		WithMaxDelay(d.MaxDelay),
		WithBackoffMultiplier(d.BackoffMultiplier),
	}
	k.retrier = NewRetryManager(append(retryOpts, k.retryOpts...)...)

	monitorOpts := []MonitorOption{
		WithMonitorClock(k.clock),
		WithPollInterval(d.PollInterval),
		WithMaxPollAttempts(d.MaxPollAttempts),
		WithRequiredConfirmations(d.RequiredConfirmations),
	}
	if k.txStore != nil {
		monitorOpts = append(monitorOpts, WithTxStore(k.txStore))
	}
	k.monitor = NewTransactionMonitor(k.provider, append(monitorOpts, k.monitorOpts...)...)

	detectorOpts := []DetectorOption{
		WithDetectorClock(k.clock),
		WithPendingRegistry(k.monitor),
	}
	k.detector = NewStuckTransactionDetector(k.provider, append(detectorOpts, k.detectorOpts...)...)

	k.replacer = NewTransactionReplacer(k.provider, k.signer, k.oracle,
		WithReplacerMonitor(k.monitor),
		WithReplacerNonces(k.nonces),
	)

	queueOpts := []QueueOption{WithQueueClock(k.clock)}
	k.queue = NewTransactionQueue(append(queueOpts, k.queueOpts...)...)
}

// withFallbacks fills zero fields with package defaults so a partially
// populated KeeperDefaults behaves sensibly.
func (d KeeperDefaults) withFallbacks() KeeperDefaults {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.InitialDelay <= 0 {
		d.InitialDelay = DefaultInitialDelay
	}
	if d.MaxDelay <= 0 {
		d.MaxDelay = DefaultMaxDelay
	}
	if d.BackoffMultiplier <= 1 {
		d.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.MaxPollAttempts <= 0 {
		d.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if d.RequiredConfirmations == 0 {
		d.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if d.MaxSpeedUps <= 0 {
		d.MaxSpeedUps = DefaultMaxSpeedUps
	}
	if d.SpeedUpPercent <= 0 {
		d.SpeedUpPercent = DefaultSpeedUpPercent
	}
	return d
}

// Defaults returns the current default configuration.
func (k *Keeper) Defaults() KeeperDefaults {
	k.defaultsMu.RLock()
	defer k.defaultsMu.RUnlock()
	return k.defaults
}

// SetDefaults updates the default configuration. Zero fields fall back to
// package defaults. Components already wired keep their settings; the new
// defaults apply to subsequent TxBuilder requests.
func (k *Keeper) SetDefaults(defaults KeeperDefaults) {
	k.defaultsMu.Lock()
	defer k.defaultsMu.Unlock()
	k.defaults = defaults.withFallbacks()
}

// Address returns the signing account's address.
func (k *Keeper) Address() common.Address {
	return k.signer.Address()
}

// Provider returns the circuit-breaker guarded view of the provider that
// all components share.
func (k *Keeper) Provider() Provider { return k.provider }

// Nonces returns the nonce manager.
func (k *Keeper) Nonces() *NonceManager { return k.nonces }

// Oracle returns the gas price oracle.
func (k *Keeper) Oracle() *GasPriceOracle { return k.oracle }

// Retrier returns the retry manager.
func (k *Keeper) Retrier() *RetryManager { return k.retrier }

// Monitor returns the transaction monitor.
func (k *Keeper) Monitor() *TransactionMonitor { return k.monitor }

// Detector returns the stuck transaction detector.
func (k *Keeper) Detector() *StuckTransactionDetector { return k.detector }

// Replacer returns the transaction replacer.
func (k *Keeper) Replacer() *TransactionReplacer { return k.replacer }

// Queue returns the submission queue.
func (k *Keeper) Queue() *TransactionQueue { return k.queue }

// ErrorDecoder returns the configured contract error decoder, or nil.
func (k *Keeper) ErrorDecoder() *ErrorDecoder { return k.decoder }

// Close stops the queue and releases its goroutine. The Keeper must not
// be used afterwards.
func (k *Keeper) Close() {
	k.queue.Close()
}
