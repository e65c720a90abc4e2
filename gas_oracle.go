package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/params"
)

// GasPriceOracle estimates and caches network fee parameters.
//
// Quotes compute maxFeePerGas as twice the latest base fee plus the
// priority fee, which leaves headroom for one block's maximum allowed
// base-fee increase. Quotes are cached with a TTL near typical block time
// so bursts of submissions share one chain read.
type GasPriceOracle struct {
	provider            Provider
	clock               Clock
	ttl                 time.Duration
	speedUpPercent      int64
	fallbackPriorityFee *big.Int

	mu       sync.RWMutex
	quote    *FeeData
	quotedAt time.Time
}

// OracleOption configures a GasPriceOracle.
type OracleOption func(*GasPriceOracle)

// WithQuoteTTL sets how long a fee quote is served from cache.
func WithQuoteTTL(ttl time.Duration) OracleOption {
	return func(g *GasPriceOracle) {
		g.ttl = ttl
	}
}

// WithSpeedUpPercent sets the replacement fee bump. 10 means a 1.10x
// bump, the minimum most mempools accept for a replacement.
func WithSpeedUpPercent(percent int64) OracleOption {
	return func(g *GasPriceOracle) {
		g.speedUpPercent = percent
	}
}

// WithFallbackPriorityFee sets the priority fee used when the node's
// estimation fails or returns nothing.
func WithFallbackPriorityFee(fee *big.Int) OracleOption {
	return func(g *GasPriceOracle) {
		g.fallbackPriorityFee = new(big.Int).Set(fee)
	}
}

// WithOracleClock injects the clock, for deterministic TTL tests.
func WithOracleClock(clock Clock) OracleOption {
	return func(g *GasPriceOracle) {
		g.clock = clock
	}
}

// NewGasPriceOracle builds an oracle over the provider. Like the nonce
// manager it never sees a signer.
func NewGasPriceOracle(provider Provider, opts ...OracleOption) *GasPriceOracle {
	g := &GasPriceOracle{
		provider:            provider,
		clock:               SystemClock(),
		ttl:                 DefaultFeeQuoteTTL,
		speedUpPercent:      DefaultSpeedUpPercent,
		fallbackPriorityFee: new(big.Int).Mul(big.NewInt(2), big.NewInt(params.GWei)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GetOptimalGasPrice returns the current fee quote, serving a cached one
// while it is within TTL. Callers receive a copy and may mutate it.
func (g *GasPriceOracle) GetOptimalGasPrice(ctx context.Context) (*FeeData, error) {
	g.mu.RLock()
	if g.quote != nil && g.clock.Now().Sub(g.quotedAt) < g.ttl {
		quote := g.quote.Clone()
		g.mu.RUnlock()
		return quote, nil
	}
	g.mu.RUnlock()

	quote, err := g.fetchQuote(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.quote = quote
	g.quotedAt = g.clock.Now()
	g.mu.Unlock()

	return quote.Clone(), nil
}

func (g *GasPriceOracle) fetchQuote(ctx context.Context) (*FeeData, error) {
	block, err := g.provider.GetBlock(ctx, LatestTag)
	if err != nil {
		return nil, err
	}

	baseFee := block.BaseFee()
	if baseFee == nil {
		// Pre-1559 network: only the legacy gas price applies.
		fd, err := g.provider.GetFeeData(ctx)
		if err != nil {
			return nil, err
		}
		if fd.GasPrice == nil {
			return nil, errors.Join(ErrNoGasQuote, fmt.Errorf("node returned neither base fee nor gas price"))
		}
		return &FeeData{GasPrice: new(big.Int).Set(fd.GasPrice)}, nil
	}

	priority, err := g.EstimatePriorityFee(ctx)
	if err != nil {
		return nil, err
	}

	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), priority)

	logger.WithFields(logger.Fields{
		"base_fee":     baseFee.String(),
		"priority_fee": priority.String(),
		"max_fee":      maxFee.String(),
	}).Debug("Fetched gas quote")

	return &FeeData{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(big.Int).Set(priority),
	}, nil
}

// EstimatePriorityFee returns the node's tip suggestion, degrading to the
// configured fallback when estimation fails or yields nothing rather than
// surfacing the failure.
func (g *GasPriceOracle) EstimatePriorityFee(ctx context.Context) (*big.Int, error) {
	fd, err := g.provider.GetFeeData(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.WithFields(logger.Fields{
			"error":    err,
			"fallback": g.fallbackPriorityFee.String(),
		}).Debug("Priority fee estimation failed, using fallback")
		return new(big.Int).Set(g.fallbackPriorityFee), nil
	}
	if fd.MaxPriorityFeePerGas == nil || fd.MaxPriorityFeePerGas.Sign() < 0 {
		return new(big.Int).Set(g.fallbackPriorityFee), nil
	}
	return new(big.Int).Set(fd.MaxPriorityFeePerGas), nil
}

// GetSpeedUpGasPrice returns fees bumped by the configured percent over
// current, the minimum increase mempools require to accept a replacement.
// Every present field is bumped and the result is strictly greater even
// for values too small for the percentage to move.
func (g *GasPriceOracle) GetSpeedUpGasPrice(current *FeeData) (*FeeData, error) {
	if current == nil || (current.GasPrice == nil && current.MaxFeePerGas == nil) {
		return nil, errors.Join(ErrNoGasQuote, fmt.Errorf("speed up requires the current fees"))
	}
	return &FeeData{
		GasPrice:             g.bump(current.GasPrice),
		MaxFeePerGas:         g.bump(current.MaxFeePerGas),
		MaxPriorityFeePerGas: g.bump(current.MaxPriorityFeePerGas),
	}, nil
}

func (g *GasPriceOracle) bump(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, big.NewInt(100+g.speedUpPercent))
	out.Div(out, big.NewInt(100))
	if out.Cmp(v) <= 0 {
		out = new(big.Int).Add(v, big.NewInt(1))
	}
	return out
}

// ClearCache drops the cached quote so the next read hits the chain.
func (g *GasPriceOracle) ClearCache() {
	g.mu.Lock()
	g.quote = nil
	g.mu.Unlock()
}
