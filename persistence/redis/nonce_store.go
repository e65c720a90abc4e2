package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/gboigwe/txkeeper"
)

// Key prefixes for nonce storage
const (
	nonceKeyPrefix     = "txkeeper:nonce:"          // nonce state by address
	nonceAddressSetKey = "txkeeper:nonce:addresses" // index of addresses for discovery
)

// NonceStore provides Redis-based persistence for promised nonces.
// It implements the txkeeper.NonceStore interface.
//
// Each address maps to a single JSON state value. Writes go through
// WATCH/MULTI/EXEC so a concurrent writer can never regress a higher
// promised nonce.
type NonceStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NonceStoreOption configures a NonceStore.
type NonceStoreOption func(*NonceStore)

// WithNonceStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithNonceStoreKeyPrefix(prefix string) NonceStoreOption {
	return func(s *NonceStore) {
		s.keyPrefix = prefix
	}
}

// NewNonceStore creates a new Redis-based nonce store.
func NewNonceStore(client redis.UniversalClient, opts ...NonceStoreOption) *NonceStore {
	s := &NonceStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *NonceStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// nonceStateData is the JSON-serializable form of NonceState.
type nonceStateData struct {
	Address      string  `json:"address"`
	PendingNonce *uint64 `json:"pending_nonce,omitempty"`
	UpdatedAt    int64   `json:"updated_at"` // Nanoseconds
}

// Get retrieves the nonce state for an address. Returns (nil, nil) when
// no state is stored.
func (s *NonceStore) Get(ctx context.Context, addr common.Address) (*txkeeper.NonceState, error) {
	data, err := s.client.Get(ctx, s.nonceStateKey(addr)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce state: %w", err)
	}
	return s.deserializeNonceState(data)
}

// SavePendingNonce records a promised nonce for the address. A stored
// nonce is never regressed: saving a value at or below the current one
// is a no-op. Uses WATCH/MULTI/EXEC for optimistic locking with
// exponential backoff.
func (s *NonceStore) SavePendingNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	stateKey := s.nonceStateKey(addr)

	const maxRetries = 10
	var lastErr error

	for i := range maxRetries {
		// Exponential backoff with jitter on retries
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			// Get current state within the watch
			data, err := rtx.Get(ctx, stateKey).Bytes()

			var state *txkeeper.NonceState
			if err == redis.Nil {
				state = &txkeeper.NonceState{
					Address: addr,
				}
			} else if err != nil {
				return fmt.Errorf("failed to get nonce state: %w", err)
			} else {
				state, err = s.deserializeNonceState(data)
				if err != nil {
					return err
				}
			}

			// A concurrent writer may already hold a later promise
			if state.PendingNonce != nil && *state.PendingNonce >= nonce {
				return nil
			}

			state.PendingNonce = &nonce
			state.UpdatedAt = time.Now()

			newData, err := s.serializeNonceState(state)
			if err != nil {
				return fmt.Errorf("failed to serialize nonce state: %w", err)
			}

			// Execute transaction atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, stateKey, newData, 0)
				pipe.SAdd(ctx, s.key(nonceAddressSetKey), addr.Hex())
				return nil
			})
			return err
		}, stateKey)

		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to save pending nonce after %d retries: %w", maxRetries, lastErr)
}

// ClearPendingNonce removes the stored promise for the address.
// Clearing an address with no stored state is a no-op.
func (s *NonceStore) ClearPendingNonce(ctx context.Context, addr common.Address) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.nonceStateKey(addr))
	pipe.SRem(ctx, s.key(nonceAddressSetKey), addr.Hex())

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear pending nonce: %w", err)
	}

	return nil
}

// ListAll returns all stored nonce states.
// Uses a single pipeline for efficient batch retrieval (2 round trips total).
//
// Note: This method does NOT provide atomic/transactional consistency across all
// returned states. Each individual state is read independently, so if data changes
// during the batch read, the returned states may represent different points in time.
// This is acceptable for recovery/initialization purposes but callers should be
// aware of this limitation.
func (s *NonceStore) ListAll(ctx context.Context) ([]*txkeeper.NonceState, error) {
	// Get all indexed addresses
	members, err := s.client.SMembers(ctx, s.key(nonceAddressSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nonce states: %w", err)
	}

	if len(members) == 0 {
		return nil, nil
	}

	validAddrs := make([]common.Address, 0, len(members))
	var parseErrors []string

	for _, member := range members {
		if !common.IsHexAddress(member) {
			parseErrors = append(parseErrors, fmt.Sprintf("invalid address format: %s", member))
			continue
		}
		validAddrs = append(validAddrs, common.HexToAddress(member))
	}

	if len(validAddrs) == 0 {
		if len(parseErrors) > 0 {
			return nil, fmt.Errorf("all index entries invalid: %s", strings.Join(parseErrors, "; "))
		}
		return nil, nil
	}

	// Batch read every state in one round trip
	pipe := s.client.Pipeline()
	stateCmds := make([]*redis.StringCmd, len(validAddrs))

	for i, addr := range validAddrs {
		stateCmds[i] = pipe.Get(ctx, s.nonceStateKey(addr))
	}

	_, _ = pipe.Exec(ctx) // Ignore pipeline error, check individual commands

	states := make([]*txkeeper.NonceState, 0, len(validAddrs))
	var deserializeErrors []string

	for i, addr := range validAddrs {
		data, err := stateCmds[i].Bytes()
		if err == redis.Nil {
			// Orphaned index entry, removed by Cleanup
			continue
		}
		if err != nil {
			deserializeErrors = append(deserializeErrors,
				fmt.Sprintf("%s: %v", addr.Hex(), err))
			continue
		}

		state, err := s.deserializeNonceState(data)
		if err != nil {
			deserializeErrors = append(deserializeErrors,
				fmt.Sprintf("%s: %v", addr.Hex(), err))
			continue
		}

		// Only add states that carry an actual promise
		if state.PendingNonce != nil {
			states = append(states, state)
		}
	}

	// Return partial results with error if there were failures
	if len(deserializeErrors) > 0 || len(parseErrors) > 0 {
		allErrors := append(parseErrors, deserializeErrors...)
		return states, fmt.Errorf("encountered %d errors during ListAll: %s",
			len(allErrors), strings.Join(allErrors, "; "))
	}

	return states, nil
}

// Cleanup removes orphaned index entries where no actual state exists.
// This should be called periodically to clean up stale entries from the
// address index. Returns the number of orphaned entries removed.
func (s *NonceStore) Cleanup(ctx context.Context) (int, error) {
	members, err := s.client.SMembers(ctx, s.key(nonceAddressSetKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list nonce index: %w", err)
	}

	if len(members) == 0 {
		return 0, nil
	}

	type memberInfo struct {
		member   string
		stateKey string
	}

	validMembers := make([]memberInfo, 0, len(members))
	invalidMembers := make([]string, 0)

	for _, member := range members {
		if !common.IsHexAddress(member) {
			invalidMembers = append(invalidMembers, member)
			continue
		}
		validMembers = append(validMembers, memberInfo{
			member:   member,
			stateKey: s.nonceStateKey(common.HexToAddress(member)),
		})
	}

	// Batch check existence of all state keys
	pipe := s.client.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(validMembers))

	for i, m := range validMembers {
		existsCmds[i] = pipe.Exists(ctx, m.stateKey)
	}

	_, _ = pipe.Exec(ctx)

	orphans := make([]interface{}, 0)
	for i, m := range validMembers {
		stateExists, _ := existsCmds[i].Result()
		if stateExists == 0 {
			orphans = append(orphans, m.member)
		}
	}

	for _, m := range invalidMembers {
		orphans = append(orphans, m)
	}

	if len(orphans) == 0 {
		return 0, nil
	}

	removed, err := s.client.SRem(ctx, s.key(nonceAddressSetKey), orphans...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove orphan entries: %w", err)
	}

	return int(removed), nil
}

// Helper methods

func (s *NonceStore) nonceStateKey(addr common.Address) string {
	return s.key(nonceKeyPrefix, addr.Hex())
}

func (s *NonceStore) serializeNonceState(state *txkeeper.NonceState) ([]byte, error) {
	data := nonceStateData{
		Address:      state.Address.Hex(),
		PendingNonce: state.PendingNonce,
		UpdatedAt:    state.UpdatedAt.UnixNano(),
	}
	return json.Marshal(data)
}

func (s *NonceStore) deserializeNonceState(data []byte) (*txkeeper.NonceState, error) {
	var d nonceStateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nonce state: %w", err)
	}

	return &txkeeper.NonceState{
		Address:      common.HexToAddress(d.Address),
		PendingNonce: d.PendingNonce,
		UpdatedAt:    time.Unix(0, d.UpdatedAt),
	}, nil
}

// Verify NonceStore implements txkeeper.NonceStore
var _ txkeeper.NonceStore = (*NonceStore)(nil)
