package txkeeper

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockProvider implements Provider for testing
type mockProvider struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	GetTransactionCountFn   func(ctx context.Context, addr common.Address, tag BlockTag) (uint64, error)
	GetBlockFn              func(ctx context.Context, tag BlockTag) (*types.Block, error)
	GetFeeDataFn            func(ctx context.Context) (*FeeData, error)
	GetTransactionReceiptFn func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	GetTransactionFn        func(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	GetBlockNumberFn        func(ctx context.Context) (uint64, error)

	// Call tracking for assertions
	GetTransactionCountCalls []struct {
		Addr common.Address
		Tag  BlockTag
	}
	GetBlockCalls              []BlockTag
	GetFeeDataCalls            int
	GetTransactionReceiptCalls []common.Hash
	GetTransactionCalls        []common.Hash
	GetBlockNumberCalls        int
}

func (m *mockProvider) GetTransactionCount(ctx context.Context, addr common.Address, tag BlockTag) (uint64, error) {
	m.mu.Lock()
	m.GetTransactionCountCalls = append(m.GetTransactionCountCalls, struct {
		Addr common.Address
		Tag  BlockTag
	}{addr, tag})
	m.mu.Unlock()
	if m.GetTransactionCountFn != nil {
		return m.GetTransactionCountFn(ctx, addr, tag)
	}
	return 0, nil
}

func (m *mockProvider) GetBlock(ctx context.Context, tag BlockTag) (*types.Block, error) {
	m.mu.Lock()
	m.GetBlockCalls = append(m.GetBlockCalls, tag)
	m.mu.Unlock()
	if m.GetBlockFn != nil {
		return m.GetBlockFn(ctx, tag)
	}
	return newTestBlock(100, tenGwei, time.Unix(1748779200, 0)), nil
}

func (m *mockProvider) GetFeeData(ctx context.Context) (*FeeData, error) {
	m.mu.Lock()
	m.GetFeeDataCalls++
	m.mu.Unlock()
	if m.GetFeeDataFn != nil {
		return m.GetFeeDataFn(ctx)
	}
	return &FeeData{
		GasPrice:             new(big.Int).Set(twentyGwei),
		MaxFeePerGas:         new(big.Int).Add(new(big.Int).Mul(tenGwei, big.NewInt(2)), twoGwei),
		MaxPriorityFeePerGas: new(big.Int).Set(twoGwei),
	}, nil
}

func (m *mockProvider) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	m.GetTransactionReceiptCalls = append(m.GetTransactionReceiptCalls, hash)
	m.mu.Unlock()
	if m.GetTransactionReceiptFn != nil {
		return m.GetTransactionReceiptFn(ctx, hash)
	}
	return nil, nil
}

func (m *mockProvider) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	m.GetTransactionCalls = append(m.GetTransactionCalls, hash)
	m.mu.Unlock()
	if m.GetTransactionFn != nil {
		return m.GetTransactionFn(ctx, hash)
	}
	return nil, false, ErrTxNotFound
}

func (m *mockProvider) GetBlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	m.GetBlockNumberCalls++
	m.mu.Unlock()
	if m.GetBlockNumberFn != nil {
		return m.GetBlockNumberFn(ctx)
	}
	return 100, nil
}

func (m *mockProvider) receiptCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GetTransactionReceiptCalls)
}

// mockSigner implements Signer for testing. Requests are cloned on
// arrival so assertions see each call's arguments as they were at send
// time, even when the caller mutates the request between attempts.
type mockSigner struct {
	mu sync.Mutex

	addr common.Address

	SendTransactionFn func(ctx context.Context, req *TxRequest) (common.Hash, error)

	SendTransactionCalls []*TxRequest
}

func newMockSigner(addr common.Address) *mockSigner {
	return &mockSigner{addr: addr}
}

func (m *mockSigner) Address() common.Address {
	return m.addr
}

func (m *mockSigner) SendTransaction(ctx context.Context, req *TxRequest) (common.Hash, error) {
	m.mu.Lock()
	m.SendTransactionCalls = append(m.SendTransactionCalls, req.Clone())
	n := len(m.SendTransactionCalls)
	m.mu.Unlock()
	if m.SendTransactionFn != nil {
		return m.SendTransactionFn(ctx, req)
	}
	return common.BigToHash(big.NewInt(int64(0x1000 + n))), nil
}

func (m *mockSigner) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SendTransactionCalls)
}

func (m *mockSigner) sentRequest(i int) *TxRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SendTransactionCalls[i]
}

// mockNonceStore implements NonceStore for testing
type mockNonceStore struct {
	mu sync.Mutex

	GetFn               func(ctx context.Context, addr common.Address) (*NonceState, error)
	SavePendingNonceFn  func(ctx context.Context, addr common.Address, nonce uint64) error
	ClearPendingNonceFn func(ctx context.Context, addr common.Address) error
	ListAllFn           func(ctx context.Context) ([]*NonceState, error)

	SavePendingNonceCalls []struct {
		Addr  common.Address
		Nonce uint64
	}
	ClearPendingNonceCalls []common.Address
}

func (m *mockNonceStore) Get(ctx context.Context, addr common.Address) (*NonceState, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, addr)
	}
	return nil, nil
}

func (m *mockNonceStore) SavePendingNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	m.mu.Lock()
	m.SavePendingNonceCalls = append(m.SavePendingNonceCalls, struct {
		Addr  common.Address
		Nonce uint64
	}{addr, nonce})
	m.mu.Unlock()
	if m.SavePendingNonceFn != nil {
		return m.SavePendingNonceFn(ctx, addr, nonce)
	}
	return nil
}

func (m *mockNonceStore) ClearPendingNonce(ctx context.Context, addr common.Address) error {
	m.mu.Lock()
	m.ClearPendingNonceCalls = append(m.ClearPendingNonceCalls, addr)
	m.mu.Unlock()
	if m.ClearPendingNonceFn != nil {
		return m.ClearPendingNonceFn(ctx, addr)
	}
	return nil
}

func (m *mockNonceStore) ListAll(ctx context.Context) ([]*NonceState, error) {
	if m.ListAllFn != nil {
		return m.ListAllFn(ctx)
	}
	return nil, nil
}

// mockTxStore implements TxStore for testing
type mockTxStore struct {
	mu sync.Mutex

	SaveFn         func(ctx context.Context, rec *TxRecord) error
	GetFn          func(ctx context.Context, hash common.Hash) (*TxRecord, error)
	UpdateStatusFn func(ctx context.Context, hash common.Hash, status TxStatus, confirmations uint64, receipt *types.Receipt) error
	ListPendingFn  func(ctx context.Context) ([]*TxRecord, error)
	DeleteFn       func(ctx context.Context, hash common.Hash) error

	SaveCalls         []*TxRecord
	UpdateStatusCalls []struct {
		Hash          common.Hash
		Status        TxStatus
		Confirmations uint64
	}
	DeleteCalls []common.Hash
}

func (m *mockTxStore) Save(ctx context.Context, rec *TxRecord) error {
	m.mu.Lock()
	m.SaveCalls = append(m.SaveCalls, rec)
	m.mu.Unlock()
	if m.SaveFn != nil {
		return m.SaveFn(ctx, rec)
	}
	return nil
}

func (m *mockTxStore) Get(ctx context.Context, hash common.Hash) (*TxRecord, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, hash)
	}
	return nil, nil
}

func (m *mockTxStore) UpdateStatus(ctx context.Context, hash common.Hash, status TxStatus, confirmations uint64, receipt *types.Receipt) error {
	m.mu.Lock()
	m.UpdateStatusCalls = append(m.UpdateStatusCalls, struct {
		Hash          common.Hash
		Status        TxStatus
		Confirmations uint64
	}{hash, status, confirmations})
	m.mu.Unlock()
	if m.UpdateStatusFn != nil {
		return m.UpdateStatusFn(ctx, hash, status, confirmations, receipt)
	}
	return nil
}

func (m *mockTxStore) ListPending(ctx context.Context) ([]*TxRecord, error) {
	if m.ListPendingFn != nil {
		return m.ListPendingFn(ctx)
	}
	return nil, nil
}

func (m *mockTxStore) Delete(ctx context.Context, hash common.Hash) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, hash)
	m.mu.Unlock()
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, hash)
	}
	return nil
}

func (m *mockTxStore) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveCalls)
}

// fakeClock implements Clock with virtual time: Sleep never blocks, it
// records the requested duration and advances the clock by it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// ============================================================
// Test Fixtures
// ============================================================

var (
	testAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")

	testPrivateKey1, _ = crypto.HexToECDSA("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	testKeyAddr        = crypto.PubkeyToAddress(testPrivateKey1.PublicKey)

	oneEth     = big.NewInt(1000000000000000000)
	twentyGwei = big.NewInt(20000000000)
	tenGwei    = big.NewInt(10000000000)
	twoGwei    = big.NewInt(2000000000)

	chainIDMain = big.NewInt(1)

	testHash1 = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testHash2 = common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newTestBlock(number uint64, baseFee *big.Int, blockTime time.Time, txs ...*types.Transaction) *types.Block {
	header := &types.Header{
		Number:  new(big.Int).SetUint64(number),
		Time:    uint64(blockTime.Unix()),
		BaseFee: baseFee,
	}
	block := types.NewBlockWithHeader(header)
	if len(txs) > 0 {
		block = block.WithBody(types.Body{Transactions: txs})
	}
	return block
}

func newTestReceipt(hash common.Hash, status uint64, blockNumber int64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            hash,
		BlockNumber:       big.NewInt(blockNumber),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:           21000,
		CumulativeGasUsed: 21000,
	}
}

func newSuccessReceipt(hash common.Hash, blockNumber int64) *types.Receipt {
	return newTestReceipt(hash, types.ReceiptStatusSuccessful, blockNumber)
}

func newFailedReceipt(hash common.Hash, blockNumber int64) *types.Receipt {
	return newTestReceipt(hash, types.ReceiptStatusFailed, blockNumber)
}

// newSignedDynamicTx builds an EIP-1559 transaction signed with
// testPrivateKey1, so sender recovery yields testKeyAddr.
func newSignedDynamicTx(t *testing.T, nonce uint64, to common.Address, gasTipCap, gasFeeCap *big.Int) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainIDMain,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       60000,
		To:        &to,
		Value:     oneEth,
		Data:      []byte{0xde, 0xad},
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainIDMain), testPrivateKey1)
	require.NoError(t, err)
	return signed
}

// newSignedLegacyTx builds a legacy transaction signed with
// testPrivateKey1.
func newSignedLegacyTx(t *testing.T, nonce uint64, to common.Address, gasPrice *big.Int) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(0),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainIDMain), testPrivateKey1)
	require.NoError(t, err)
	return signed
}

// ============================================================
// Test Helpers
// ============================================================

// testSetup contains all the mocks needed for a typical Keeper test
type testSetup struct {
	K        *Keeper
	Provider *mockProvider
	Signer   *mockSigner
	Clock    *fakeClock
}

// newTestSetup creates a Keeper over default mocks. The signer's address
// matches testPrivateKey1 so replacement ownership checks pass against
// transactions built with the signed-tx helpers.
func newTestSetup(t *testing.T, opts ...KeeperOption) *testSetup {
	t.Helper()

	provider := &mockProvider{}
	signer := newMockSigner(testKeyAddr)
	clock := newFakeClock()

	k, err := NewKeeper(provider, signer, append([]KeeperOption{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(k.Close)

	return &testSetup{
		K:        k,
		Provider: provider,
		Signer:   signer,
		Clock:    clock,
	}
}
