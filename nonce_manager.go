package txkeeper

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// nonceState is the in-memory bookkeeping for one account. Guarded by its
// own mutex so independent accounts never contend.
type nonceState struct {
	mu sync.Mutex

	cachedNonce uint64
	cachedAt    time.Time
	hasCache    bool

	pendingNonce uint64
	hasPending   bool
}

// NonceManager issues per-account transaction nonces. The next nonce is
// the larger of the locally promised sequence and the chain-reported
// pending count: the chain may not yet reflect a just-sent transaction,
// while another session may have advanced the count independently.
// Answers are cached per address with a short TTL to bound RPC volume.
//
// A provider failure yields no nonce rather than a possibly stale one.
type NonceManager struct {
	provider Provider
	clock    Clock
	ttl      time.Duration
	store    NonceStore

	states sync.Map // map[common.Address]*nonceState
}

// NonceOption configures a NonceManager.
type NonceOption func(*NonceManager)

// WithNonceTTL sets how long a cached next-nonce answer is served before
// the chain is consulted again.
func WithNonceTTL(ttl time.Duration) NonceOption {
	return func(nm *NonceManager) {
		nm.ttl = ttl
	}
}

// WithNonceClock injects the clock, for deterministic TTL tests.
func WithNonceClock(clock Clock) NonceOption {
	return func(nm *NonceManager) {
		nm.clock = clock
	}
}

// WithNonceStore enables persisting promised nonces for crash recovery.
// Store writes are best-effort: a store failure never blocks issuing.
func WithNonceStore(store NonceStore) NonceOption {
	return func(nm *NonceManager) {
		nm.store = store
	}
}

// NewNonceManager builds a manager over the provider. The provider is the
// only chain capability it holds; it never sees a signer.
func NewNonceManager(provider Provider, opts ...NonceOption) *NonceManager {
	nm := &NonceManager{
		provider: provider,
		clock:    SystemClock(),
		ttl:      DefaultNonceTTL,
	}
	for _, opt := range opts {
		opt(nm)
	}
	return nm
}

func (nm *NonceManager) state(addr common.Address) *nonceState {
	st, _ := nm.states.LoadOrStore(addr, &nonceState{})
	return st.(*nonceState)
}

// GetNextNonce returns the nonce the caller should submit with. Within
// the TTL repeated calls return the identical cached value; past it the
// chain is re-queried and reconciled against the promised sequence.
func (nm *NonceManager) GetNextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	st := nm.state(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hasCache && nm.clock.Now().Sub(st.cachedAt) < nm.ttl {
		return st.cachedNonce, nil
	}
	return nm.refreshLocked(ctx, addr, st)
}

// RefreshNonce bypasses the cache unconditionally. Call it after an error
// that suggests drift, such as a nonce-too-low rejection.
func (nm *NonceManager) RefreshNonce(ctx context.Context, addr common.Address) (uint64, error) {
	st := nm.state(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	return nm.refreshLocked(ctx, addr, st)
}

func (nm *NonceManager) refreshLocked(ctx context.Context, addr common.Address, st *nonceState) (uint64, error) {
	chainCount, err := nm.provider.GetTransactionCount(ctx, addr, PendingTag)
	if err != nil {
		return 0, err
	}

	next := chainCount
	if st.hasPending && st.pendingNonce+1 > next {
		next = st.pendingNonce + 1
	}

	st.cachedNonce = next
	st.cachedAt = nm.clock.Now()
	st.hasCache = true

	logger.WithFields(logger.Fields{
		"address":     addr.Hex(),
		"chain_count": chainCount,
		"next_nonce":  next,
	}).Debug("Refreshed account nonce")

	return next, nil
}

// TrackPendingNonce records that nonce was promised to a caller. The
// promise only influences the next cache refresh; a still-valid cached
// answer keeps being served until TTL expiry or an explicit refresh.
func (nm *NonceManager) TrackPendingNonce(ctx context.Context, addr common.Address, nonce uint64) {
	st := nm.state(addr)
	st.mu.Lock()
	if !st.hasPending || nonce > st.pendingNonce {
		st.pendingNonce = nonce
	}
	st.hasPending = true
	st.mu.Unlock()

	if nm.store != nil {
		if err := nm.store.SavePendingNonce(ctx, addr, nonce); err != nil {
			logger.WithFields(logger.Fields{
				"address": addr.Hex(),
				"nonce":   nonce,
				"error":   err,
			}).Warn("Failed to persist pending nonce. Ignore and continue")
		}
	}
}

// ClearPendingNonce drops the promise for the address, typically once the
// transaction holding it reached a terminal status.
func (nm *NonceManager) ClearPendingNonce(ctx context.Context, addr common.Address) {
	st := nm.state(addr)
	st.mu.Lock()
	st.hasPending = false
	st.mu.Unlock()

	if nm.store != nil {
		if err := nm.store.ClearPendingNonce(ctx, addr); err != nil {
			logger.WithFields(logger.Fields{
				"address": addr.Hex(),
				"error":   err,
			}).Warn("Failed to clear persisted pending nonce. Ignore and continue")
		}
	}
}

// PendingNonce returns the currently promised nonce, if any.
func (nm *NonceManager) PendingNonce(addr common.Address) (uint64, bool) {
	st := nm.state(addr)
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.pendingNonce, st.hasPending
}
