package txkeeper

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeeper_RequiresProviderAndSigner(t *testing.T) {
	_, err := NewKeeper(nil, newMockSigner(testAddr1))
	assert.ErrorIs(t, err, ErrProviderNil)

	_, err = NewKeeper(&mockProvider{}, nil)
	assert.ErrorIs(t, err, ErrSignerNil)
}

func TestNewKeeper_WiresAllComponents(t *testing.T) {
	setup := newTestSetup(t)
	k := setup.K

	assert.NotNil(t, k.Nonces())
	assert.NotNil(t, k.Oracle())
	assert.NotNil(t, k.Retrier())
	assert.NotNil(t, k.Monitor())
	assert.NotNil(t, k.Detector())
	assert.NotNil(t, k.Replacer())
	assert.NotNil(t, k.Queue())
	assert.Nil(t, k.ErrorDecoder(), "no decoder unless configured")

	assert.Equal(t, testKeyAddr, k.Address())

	_, guarded := k.Provider().(*guardedProvider)
	assert.True(t, guarded, "components must observe the provider through the breaker")
}

func TestKeeper_ImplementsManager(t *testing.T) {
	setup := newTestSetup(t)
	assert.Implements(t, (*Manager)(nil), setup.K)
}

// ============================================================
// Defaults Tests
// ============================================================

func TestKeeper_DefaultsFallBackToPackageDefaults(t *testing.T) {
	setup := newTestSetup(t)

	d := setup.K.Defaults()
	assert.Equal(t, DefaultMaxAttempts, d.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, d.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, d.MaxDelay)
	assert.Equal(t, DefaultBackoffMultiplier, d.BackoffMultiplier)
	assert.Equal(t, DefaultPollInterval, d.PollInterval)
	assert.Equal(t, DefaultMaxPollAttempts, d.MaxPollAttempts)
	assert.Equal(t, uint64(DefaultRequiredConfirmations), d.RequiredConfirmations)
	assert.Equal(t, DefaultMaxSpeedUps, d.MaxSpeedUps)
	assert.Equal(t, int64(DefaultSpeedUpPercent), d.SpeedUpPercent)
}

func TestKeeper_PartialDefaultsKeepExplicitValues(t *testing.T) {
	setup := newTestSetup(t, WithDefaults(KeeperDefaults{
		MaxAttempts:    5,
		SpeedUpPercent: 25,
	}))

	d := setup.K.Defaults()
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Equal(t, int64(25), d.SpeedUpPercent)
	assert.Equal(t, DefaultInitialDelay, d.InitialDelay, "unset fields fall back")
	assert.Equal(t, DefaultPollInterval, d.PollInterval)
}

func TestKeeper_SetDefaults(t *testing.T) {
	setup := newTestSetup(t)

	setup.K.SetDefaults(KeeperDefaults{RequiredConfirmations: 12})

	d := setup.K.Defaults()
	assert.Equal(t, uint64(12), d.RequiredConfirmations)
	assert.Equal(t, DefaultMaxAttempts, d.MaxAttempts, "zero fields of the new defaults fall back")
}

func TestKeeper_Defaults_ThreadSafe(t *testing.T) {
	setup := newTestSetup(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n uint64) {
			defer wg.Done()
			setup.K.SetDefaults(KeeperDefaults{RequiredConfirmations: n})
		}(uint64(i + 1))
		go func() {
			defer wg.Done()
			_ = setup.K.Defaults()
		}()
	}
	wg.Wait()

	d := setup.K.Defaults()
	assert.NotZero(t, d.RequiredConfirmations)
}

// ============================================================
// Wiring Tests
// ============================================================

func TestKeeper_ComponentOptionsWinOverDefaults(t *testing.T) {
	setup := newTestSetup(t,
		WithDefaults(KeeperDefaults{SpeedUpPercent: 50}),
		WithOracleOptions(WithSpeedUpPercent(20)),
	)

	assert.Equal(t, int64(20), setup.K.Oracle().speedUpPercent)
}

func TestKeeper_ComponentOptionPassthrough(t *testing.T) {
	setup := newTestSetup(t,
		WithQueueOptions(WithQueueMaxAttempts(7)),
		WithDetectorOptions(WithStuckThreshold(time.Minute)),
	)

	assert.Equal(t, 7, setup.K.Queue().maxAttempts)
	assert.Equal(t, time.Minute, setup.K.Detector().threshold)
}

func TestKeeper_StoresFlowThroughComponents(t *testing.T) {
	nonceStore := &mockNonceStore{}
	txStore := &mockTxStore{}
	setup := newTestSetup(t, WithStores(nonceStore, txStore))

	setup.K.Nonces().TrackPendingNonce(context.Background(), testKeyAddr, 5)
	require.Len(t, nonceStore.SavePendingNonceCalls, 1)
	assert.Equal(t, uint64(5), nonceStore.SavePendingNonceCalls[0].Nonce)

	setup.K.Monitor().Track(context.Background(), testHash1, testKeyAddr, 5, nil)
	assert.Equal(t, 1, txStore.savedCount())
}

func TestKeeper_ErrorDecoderAccessor(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"error","name":"Unauthorized","inputs":[]}]`))
	require.NoError(t, err)
	decoder, err := NewErrorDecoder(parsed)
	require.NoError(t, err)

	setup := newTestSetup(t, WithKeeperErrorDecoder(decoder))

	assert.Same(t, decoder, setup.K.ErrorDecoder())
}

func TestKeeper_DetectorWatchesMonitorRegistry(t *testing.T) {
	setup := newTestSetup(t)

	setup.K.Monitor().Track(context.Background(), testHash1, testKeyAddr, 3, nil)
	setup.Clock.Advance(DefaultStuckThreshold)

	stuck := setup.K.Detector().DetectFromRegistry()
	require.Len(t, stuck, 1, "the detector is wired to the monitor's in-flight registry")
	assert.Equal(t, testHash1, stuck[0].Hash)
}

func TestKeeper_CloseStopsQueue(t *testing.T) {
	setup := newTestSetup(t)

	setup.K.Close()

	_, err := setup.K.Queue().Add(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}
