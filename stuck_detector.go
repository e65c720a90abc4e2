package txkeeper

import (
	"context"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PendingRegistry exposes in-flight transactions the detector can judge
// directly. TransactionMonitor implements it.
type PendingRegistry interface {
	PendingTransactions() []*TrackedTx
}

// StuckTransactionDetector identifies outstanding transactions that have
// exceeded the unconfirmed-age threshold.
//
// DetectStuckTransactions rediscovers them from chain contents: a gap
// between the confirmed and pending transaction counts implies
// outstanding transactions, and recent blocks are scanned for a matching
// sender and nonce. A transaction that never made it into a block appears
// in no scanned block and is invisible to this path; DetectFromRegistry
// covers those from the monitor's own records instead.
type StuckTransactionDetector struct {
	provider  Provider
	clock     Clock
	threshold time.Duration
	scanDepth uint64
	registry  PendingRegistry
}

// DetectorOption configures a StuckTransactionDetector.
type DetectorOption func(*StuckTransactionDetector)

// WithStuckThreshold sets the unconfirmed age past which a transaction
// counts as stuck.
func WithStuckThreshold(d time.Duration) DetectorOption {
	return func(sd *StuckTransactionDetector) {
		sd.threshold = d
	}
}

// WithScanDepth sets how many recent blocks the chain scan inspects.
func WithScanDepth(n uint64) DetectorOption {
	return func(sd *StuckTransactionDetector) {
		sd.scanDepth = n
	}
}

// WithDetectorClock injects the clock, for deterministic age tests.
func WithDetectorClock(clock Clock) DetectorOption {
	return func(sd *StuckTransactionDetector) {
		sd.clock = clock
	}
}

// WithPendingRegistry attaches the registry DetectFromRegistry reads.
func WithPendingRegistry(registry PendingRegistry) DetectorOption {
	return func(sd *StuckTransactionDetector) {
		sd.registry = registry
	}
}

// NewStuckTransactionDetector builds a detector over the provider.
func NewStuckTransactionDetector(provider Provider, opts ...DetectorOption) *StuckTransactionDetector {
	sd := &StuckTransactionDetector{
		provider:  provider,
		clock:     SystemClock(),
		threshold: DefaultStuckThreshold,
		scanDepth: DefaultScanDepth,
	}
	for _, opt := range opts {
		opt(sd)
	}
	return sd
}

// IsStuck reports whether something first seen at the given time has been
// outstanding past the threshold.
func (sd *StuckTransactionDetector) IsStuck(firstSeen time.Time) bool {
	return sd.clock.Now().Sub(firstSeen) >= sd.threshold
}

// DetectStuckTransactions returns stuck-transaction records for the
// address. An empty result means no problem was found; an error means
// detection itself failed, so absence of findings stays distinguishable
// from inability to look.
func (sd *StuckTransactionDetector) DetectStuckTransactions(ctx context.Context, addr common.Address) ([]StuckTx, error) {
	confirmed, err := sd.provider.GetTransactionCount(ctx, addr, LatestTag)
	if err != nil {
		return nil, err
	}
	pending, err := sd.provider.GetTransactionCount(ctx, addr, PendingTag)
	if err != nil {
		return nil, err
	}
	if pending <= confirmed {
		return nil, nil
	}

	head, err := sd.provider.GetBlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"address":         addr.Hex(),
		"confirmed_nonce": confirmed,
		"pending_nonce":   pending,
		"head":            head,
	}).Debug("Nonce gap detected, scanning recent blocks")

	var stuck []StuckTx
	now := sd.clock.Now()
	for i := uint64(0); i < sd.scanDepth && i <= head; i++ {
		number := head - i
		block, err := sd.provider.GetBlock(ctx, BlockTag(number))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// One unreadable block costs coverage, not the whole scan.
			logger.WithFields(logger.Fields{
				"block": number,
				"error": err,
			}).Debug("Block fetch failed during stuck scan. Ignore and continue")
			continue
		}

		blockTime := time.Unix(int64(block.Time()), 0)
		for _, tx := range block.Transactions() {
			if tx.Nonce() < confirmed || tx.Nonce() >= pending {
				continue
			}
			sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
			if err != nil || sender != addr {
				continue
			}
			age := now.Sub(blockTime)
			if age >= sd.threshold {
				stuck = append(stuck, StuckTx{
					Hash:     tx.Hash(),
					From:     addr,
					Nonce:    tx.Nonce(),
					Age:      age,
					GasPrice: tx.GasPrice(),
				})
			}
		}
	}
	return stuck, nil
}

// DetectFromRegistry judges the attached registry's in-flight records
// against the age threshold, catching the broadcast-but-unmined
// transactions the chain scan cannot see. Returns nil when no registry
// is attached.
func (sd *StuckTransactionDetector) DetectFromRegistry() []StuckTx {
	if sd.registry == nil {
		return nil
	}

	var stuck []StuckTx
	now := sd.clock.Now()
	for _, tx := range sd.registry.PendingTransactions() {
		age := now.Sub(tx.FirstSeenAt)
		if age < sd.threshold {
			continue
		}
		rec := StuckTx{
			Hash:  tx.Hash,
			From:  tx.From,
			Nonce: tx.Nonce,
			Age:   age,
		}
		if tx.Fees != nil {
			if tx.Fees.GasPrice != nil {
				rec.GasPrice = tx.Fees.GasPrice
			} else {
				rec.GasPrice = tx.Fees.MaxFeePerGas
			}
		}
		stuck = append(stuck, rec)
	}
	return stuck
}
