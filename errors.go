package txkeeper

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes this layer distinguishes. Raw
// client errors are translated into one of these at the adapter boundary
// (see adapters.go) so downstream code classifies with errors.Is instead
// of matching message text.
var (
	// ErrProvider covers RPC transport faults: network errors, timeouts
	// and server-side 5xx responses. Retryable.
	ErrProvider = fmt.Errorf("provider error")

	// ErrNonceConflict covers "nonce too low" and "replacement transaction
	// underpriced" rejections. Retryable after a nonce refresh.
	ErrNonceConflict = fmt.Errorf("nonce conflict")

	// ErrUserRejected means the signer declined to sign. Fatal.
	ErrUserRejected = fmt.Errorf("user rejected transaction")

	// ErrReverted means a receipt was observed with a failure status. Fatal.
	ErrReverted = fmt.Errorf("transaction reverted")

	// ErrTimeout means no receipt appeared within the polling budget. The
	// transaction may still land later, so this is neither success nor
	// failure.
	ErrTimeout = fmt.Errorf("transaction timeout")

	ErrAlreadyConfirmed    = fmt.Errorf("transaction already confirmed")
	ErrTxNotFound          = fmt.Errorf("transaction not found")
	ErrInsufficientFunds   = fmt.Errorf("insufficient funds")
	ErrNoGasQuote          = fmt.Errorf("no gas quote available")
	ErrRetryAborted        = fmt.Errorf("retry aborted")
	ErrQueueClosed         = fmt.Errorf("queue closed")
	ErrCircuitBreakerOpen  = fmt.Errorf("circuit breaker is open: provider temporarily unavailable")
	ErrFromAddressZero     = fmt.Errorf("from address is zero")
	ErrProviderNil         = fmt.Errorf("provider is nil")
	ErrSignerNil           = fmt.Errorf("signer is nil")
	ErrInvalidFeeBump      = fmt.Errorf("replacement fees not higher than original")
	ErrMaxSpeedUpsExceeded = fmt.Errorf("max speed up attempts exceeded")
)

// ErrorKind is the closed classification used by retry policy decisions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindProvider
	KindNonceConflict
	KindUserRejected
	KindReverted
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindProvider:
		return "provider"
	case KindNonceConflict:
		return "nonce_conflict"
	case KindUserRejected:
		return "user_rejected"
	case KindReverted:
		return "reverted"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify maps an error to its kind by walking the wrap chain for one of
// the sentinels above. Context cancellation and deadline expiry classify
// as timeout so a deadline-bounded provider call is retried like any other
// transient fault.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNonceConflict):
		return KindNonceConflict
	case errors.Is(err, ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, ErrReverted):
		return KindReverted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrProvider):
		return KindProvider
	default:
		return KindUnknown
	}
}

// Retryable reports whether the error belongs to a class worth retrying
// under the default policy. User rejections and reverts are deterministic,
// so retrying them only burns budget.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindProvider, KindNonceConflict, KindTimeout:
		return true
	default:
		return false
	}
}
