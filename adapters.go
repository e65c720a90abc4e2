// adapters.go bridges go-ethereum clients to the Provider and Signer
// interfaces. Raw client errors are translated into the tagged sentinels
// here so the rest of the package never matches on message text.
package txkeeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ethProvider adapts *ethclient.Client to Provider.
type ethProvider struct {
	client *ethclient.Client
}

// NewEthProvider wraps an ethclient-backed node connection.
func NewEthProvider(client *ethclient.Client) Provider {
	return &ethProvider{client: client}
}

func (p *ethProvider) GetTransactionCount(ctx context.Context, addr common.Address, tag BlockTag) (uint64, error) {
	var (
		count uint64
		err   error
	)
	if tag == PendingTag {
		count, err = p.client.PendingNonceAt(ctx, addr)
	} else {
		count, err = p.client.NonceAt(ctx, addr, blockNumArg(tag))
	}
	if err != nil {
		return 0, translateClientErr("get transaction count", err)
	}
	return count, nil
}

func (p *ethProvider) GetBlock(ctx context.Context, tag BlockTag) (*types.Block, error) {
	block, err := p.client.BlockByNumber(ctx, blockNumArg(tag))
	if err != nil {
		return nil, translateClientErr("get block", err)
	}
	return block, nil
}

// GetFeeData mirrors the composite fee query common wallet stacks expose:
// the legacy gas price suggestion, the tip suggestion, and a max fee of
// twice the head base fee plus the tip.
func (p *ethProvider) GetFeeData(ctx context.Context) (*FeeData, error) {
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, translateClientErr("suggest gas price", err)
	}
	fd := &FeeData{GasPrice: gasPrice}

	head, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, translateClientErr("get head header", err)
	}
	if head.BaseFee == nil {
		return fd, nil
	}

	tip, err := p.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, translateClientErr("suggest gas tip cap", err)
	}
	fd.MaxPriorityFeePerGas = tip
	fd.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return fd, nil
}

func (p *ethProvider) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := p.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		// Not yet included. Not an error for polling callers.
		return nil, nil
	}
	if err != nil {
		return nil, translateClientErr("get transaction receipt", err)
	}
	return receipt, nil
}

func (p *ethProvider) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := p.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, errors.Join(ErrTxNotFound, fmt.Errorf("transaction %s: %w", hash.Hex(), err))
	}
	if err != nil {
		return nil, false, translateClientErr("get transaction", err)
	}
	return tx, pending, nil
}

func (p *ethProvider) GetBlockNumber(ctx context.Context) (uint64, error) {
	n, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, translateClientErr("get block number", err)
	}
	return n, nil
}

// blockNumArg converts a tag into the *big.Int form ethclient expects:
// nil for latest, the negative rpc constants pass through unchanged.
func blockNumArg(tag BlockTag) *big.Int {
	if tag == LatestTag {
		return nil
	}
	return big.NewInt(int64(tag))
}

// translateClientErr tags a raw client error with the sentinel that
// drives retry classification. Message matching happens only here.
func translateClientErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, fmt.Errorf("%s: %w", op, err))
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "transaction underpriced"):
		return errors.Join(ErrNonceConflict, fmt.Errorf("%s: %w", op, err))
	case strings.Contains(msg, "insufficient funds"):
		return errors.Join(ErrInsufficientFunds, fmt.Errorf("%s: %w", op, err))
	case strings.Contains(msg, "execution reverted"):
		return errors.Join(ErrReverted, fmt.Errorf("%s: %w", op, err))
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return errors.Join(ErrUserRejected, fmt.Errorf("%s: %w", op, err))
	default:
		return errors.Join(ErrProvider, fmt.Errorf("%s: %w", op, err))
	}
}

// SignTxFunc signs a prepared transaction. Key custody stays entirely with
// the caller; an error return is treated as the owner declining to sign.
type SignTxFunc func(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)

// SignWithKey returns a SignTxFunc backed by an in-process private key.
// Intended for tests and local tooling; production deployments should
// adapt their own key infrastructure instead.
func SignWithKey(key *ecdsa.PrivateKey, chainID *big.Int) SignTxFunc {
	signer := types.LatestSignerForChainID(chainID)
	return func(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
		return types.SignTx(tx, signer, key)
	}
}

// clientSigner adapts an ethclient plus a signing callback to Signer.
type clientSigner struct {
	client  *ethclient.Client
	from    common.Address
	chainID *big.Int
	sign    SignTxFunc
}

// NewClientSigner builds a Signer that fills in missing request fields
// (nonce, gas) from the node, signs through the supplied callback and
// broadcasts through the client.
func NewClientSigner(client *ethclient.Client, from common.Address, chainID *big.Int, sign SignTxFunc) Signer {
	return &clientSigner{client: client, from: from, chainID: chainID, sign: sign}
}

func (s *clientSigner) Address() common.Address {
	return s.from
}

func (s *clientSigner) SendTransaction(ctx context.Context, req *TxRequest) (common.Hash, error) {
	if err := req.Validate(); err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.resolveNonce(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := s.resolveGas(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}

	unsigned, err := s.buildTx(ctx, req, nonce, gas)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := s.sign(ctx, unsigned)
	if err != nil {
		return common.Hash{}, errors.Join(ErrUserRejected, fmt.Errorf("sign transaction: %w", err))
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// An "already known" rejection means this exact transaction is in
		// the pool, which is success for our purposes.
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return signed.Hash(), nil
		}
		return common.Hash{}, translateClientErr("send transaction", err)
	}
	return signed.Hash(), nil
}

func (s *clientSigner) resolveNonce(ctx context.Context, req *TxRequest) (uint64, error) {
	if req.Nonce != nil {
		return *req.Nonce, nil
	}
	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return 0, translateClientErr("pending nonce", err)
	}
	return nonce, nil
}

func (s *clientSigner) resolveGas(ctx context.Context, req *TxRequest) (uint64, error) {
	if req.Gas > 0 {
		return req.Gas, nil
	}
	msg := ethereum.CallMsg{
		From:      req.From,
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
		GasPrice:  req.GasPrice,
		GasFeeCap: req.MaxFeePerGas,
		GasTipCap: req.MaxPriorityFeePerGas,
	}
	gas, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, translateClientErr("estimate gas", err)
	}
	return gas, nil
}

func (s *clientSigner) buildTx(ctx context.Context, req *TxRequest, nonce, gas uint64) (*types.Transaction, error) {
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	if req.MaxFeePerGas != nil {
		tip := req.MaxPriorityFeePerGas
		if tip == nil {
			tip = big.NewInt(0)
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: req.MaxFeePerGas,
			Gas:       gas,
			To:        req.To,
			Value:     value,
			Data:      req.Data,
		}), nil
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		suggested, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, translateClientErr("suggest gas price", err)
		}
		gasPrice = suggested
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       req.To,
		Value:    value,
		Data:     req.Data,
	}), nil
}
