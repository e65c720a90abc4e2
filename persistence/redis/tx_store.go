package redis

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/gboigwe/txkeeper"
)

// Key prefixes for transaction storage
const (
	txKeyPrefix          = "txkeeper:tx:"          // tx record by hash
	txPendingSetKey      = "txkeeper:tx:pending"   // set of all non-terminal tx hashes
	txTimestampSortedSet = "txkeeper:tx:timestamp" // sorted set by timestamp (first_seen_at initially, updated to updated_at when skipped during cleanup)
)

// TxStore provides Redis-based persistence for monitored transactions.
// It implements the txkeeper.TxStore interface.
//
// Note: Transaction records do not automatically expire. Use DeleteOlderThan
// for periodic cleanup of old records.
type TxStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// TxStoreOption configures a TxStore.
type TxStoreOption func(*TxStore)

// WithTxStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithTxStoreKeyPrefix(prefix string) TxStoreOption {
	return func(s *TxStore) {
		s.keyPrefix = prefix
	}
}

// NewTxStore creates a new Redis-based transaction store.
func NewTxStore(client redis.UniversalClient, opts ...TxStoreOption) *TxStore {
	s := &TxStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *TxStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// txRecordData is the JSON-serializable form of TxRecord. Fee fields are
// decimal strings since big.Int has no stable JSON form.
type txRecordData struct {
	Hash                 string `json:"hash"`
	From                 string `json:"from"`
	Nonce                uint64 `json:"nonce"`
	Status               string `json:"status"`
	Confirmations        uint64 `json:"confirmations"`
	GasPrice             string `json:"gas_price,omitempty"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
	ReceiptJSON          []byte `json:"receipt_json,omitempty"`
	FirstSeenAt          int64  `json:"first_seen_at"` // Nanoseconds
	UpdatedAt            int64  `json:"updated_at"`    // Nanoseconds
}

// Save persists a transaction record to Redis.
// Uses WATCH/MULTI/EXEC for optimistic locking to prevent race conditions
// with concurrent UpdateStatus calls. A record already in a more final
// status is never overwritten by a less final one.
func (s *TxStore) Save(ctx context.Context, rec *txkeeper.TxRecord) error {
	if rec == nil {
		return fmt.Errorf("transaction record cannot be nil")
	}

	hashKey := s.key(txKeyPrefix, rec.Hash.Hex())
	hashHex := rec.Hash.Hex()

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
			// Check whether a stored record already holds a more final status
			existingData, err := rtx.Get(ctx, hashKey).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get existing transaction: %w", err)
			}

			if err != redis.Nil {
				existing, parseErr := s.deserializeTxRecord(existingData)
				if parseErr == nil {
					if !txkeeper.StatusTransitionAllowed(existing.Status, rec.Status) {
						// Existing status is more final, skip update
						return nil
					}
				}
			}

			data, err := s.serializeTxRecord(rec)
			if err != nil {
				return fmt.Errorf("failed to serialize transaction: %w", err)
			}

			// Execute atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, hashKey, data, 0)

				// Track non-terminal records in the pending set so recovery
				// can find them after a restart
				if rec.Status.Terminal() {
					pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
				} else {
					pipe.SAdd(ctx, s.key(txPendingSetKey), hashHex)
				}

				// Add to sorted set for time-based cleanup
				pipe.ZAdd(ctx, s.key(txTimestampSortedSet), redis.Z{
					Score:  float64(rec.FirstSeenAt.Unix()),
					Member: hashHex,
				})

				return nil
			})
			return err
		}, hashKey)

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

	return fmt.Errorf("failed to save transaction after %d retries: %w", maxRetries, lastErr)
}

// Get retrieves a transaction record by hash. Returns (nil, nil) when no
// record is stored.
func (s *TxStore) Get(ctx context.Context, hash common.Hash) (*txkeeper.TxRecord, error) {
	hashKey := s.key(txKeyPrefix, hash.Hex())

	data, err := s.client.Get(ctx, hashKey).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return s.deserializeTxRecord(data)
}

// ListPending returns all records still in a non-terminal status.
func (s *TxStore) ListPending(ctx context.Context) ([]*txkeeper.TxRecord, error) {
	hashes, err := s.client.SMembers(ctx, s.key(txPendingSetKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tx hashes: %w", err)
	}

	return s.getRecordsByHashes(ctx, hashes)
}

// UpdateStatus updates the status and confirmation count of a record and
// optionally sets the receipt. A nil receipt keeps the stored one.
// Uses WATCH/MULTI/EXEC for optimistic locking with exponential backoff.
func (s *TxStore) UpdateStatus(ctx context.Context, hash common.Hash, status txkeeper.TxStatus, confirmations uint64, receipt *types.Receipt) error {
	hashKey := s.key(txKeyPrefix, hash.Hex())
	hashHex := hash.Hex()

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
			// Get current value within the watch
			data, err := rtx.Get(ctx, hashKey).Bytes()
			if err == redis.Nil {
				return nil // Transaction not found, nothing to update
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			rec, err := s.deserializeTxRecord(data)
			if err != nil {
				return fmt.Errorf("failed to deserialize transaction: %w", err)
			}

			// Don't downgrade to a less final status
			if !txkeeper.StatusTransitionAllowed(rec.Status, status) {
				return nil
			}

			rec.Status = status
			rec.Confirmations = confirmations
			if receipt != nil {
				rec.Receipt = receipt
			}
			rec.UpdatedAt = time.Now()

			newData, err := s.serializeTxRecord(rec)
			if err != nil {
				return fmt.Errorf("failed to serialize transaction: %w", err)
			}

			// Execute transaction atomically
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, hashKey, newData, 0)

				if status.Terminal() {
					pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
				} else {
					pipe.SAdd(ctx, s.key(txPendingSetKey), hashHex)
				}

				return nil
			})
			return err
		}, hashKey)

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

	return fmt.Errorf("failed to update transaction status after %d retries: %w", maxRetries, lastErr)
}

// Delete removes a transaction record and its index entries.
func (s *TxStore) Delete(ctx context.Context, hash common.Hash) error {
	hashHex := hash.Hex()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(txKeyPrefix, hashHex))
	pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
	pipe.ZRem(ctx, s.key(txTimestampSortedSet), hashHex)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	return nil
}

// DeleteOlderThan removes transactions older than the given duration.
// Uses batched operations for better performance with configurable batch size.
// Transactions that have been updated recently (within a grace period) are skipped
// to avoid race conditions with concurrent status updates.
func (s *TxStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return s.DeleteOlderThanWithOptions(ctx, age, 1000, 5*time.Minute)
}

// DeleteOlderThanWithOptions removes transactions older than the given duration.
// Parameters:
//   - age: minimum age of transactions to delete (based on FirstSeenAt)
//   - batchSize: maximum number of transactions to process per batch (0 = unlimited)
//   - gracePeriod: skip transactions updated within this duration to avoid race conditions
func (s *TxStore) DeleteOlderThanWithOptions(ctx context.Context, age time.Duration, batchSize int64, gracePeriod time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()
	graceTime := time.Now().Add(-gracePeriod)
	totalDeleted := 0

	for {
		// Get hashes of old transactions with batch limit
		rangeBy := &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}
		if batchSize > 0 {
			rangeBy.Count = batchSize
		}

		hashes, err := s.client.ZRangeByScore(ctx, s.key(txTimestampSortedSet), rangeBy).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get old transactions: %w", err)
		}

		if len(hashes) == 0 {
			break
		}

		// Batch get all records to check their update times
		keys := make([]string, len(hashes))
		for i, h := range hashes {
			keys[i] = s.key(txKeyPrefix, h)
		}

		results, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to batch get transactions: %w", err)
		}

		pipe := s.client.TxPipeline()
		deleted := 0
		skipped := 0
		var parseErrors []string

		for i, result := range results {
			hashHex := hashes[i]

			if result == nil {
				// Already deleted, just clean up indexes
				pipe.ZRem(ctx, s.key(txTimestampSortedSet), hashHex)
				pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
				deleted++
				continue
			}

			data, ok := result.(string)
			if !ok {
				parseErrors = append(parseErrors, fmt.Sprintf("hash %s: unexpected type %T", hashHex, result))
				continue
			}

			rec, err := s.deserializeTxRecord([]byte(data))
			if err != nil {
				parseErrors = append(parseErrors, fmt.Sprintf("hash %s: %v", hashHex, err))
				// Still try to delete the corrupted data
				pipe.Del(ctx, s.key(txKeyPrefix, hashHex))
				pipe.ZRem(ctx, s.key(txTimestampSortedSet), hashHex)
				pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
				deleted++
				continue
			}

			// Skip if the transaction was updated recently (within grace period)
			// This prevents race conditions with concurrent UpdateStatus calls
			if rec.UpdatedAt.After(graceTime) {
				skipped++
				// Re-score by update time so the next sweep sees the later timestamp
				pipe.ZAdd(ctx, s.key(txTimestampSortedSet), redis.Z{
					Score:  float64(rec.UpdatedAt.Unix()),
					Member: hashHex,
				})
				continue
			}

			pipe.Del(ctx, s.key(txKeyPrefix, hashHex))
			pipe.SRem(ctx, s.key(txPendingSetKey), hashHex)
			pipe.ZRem(ctx, s.key(txTimestampSortedSet), hashHex)
			deleted++
		}

		// Execute batch delete
		_, err = pipe.Exec(ctx)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute batch delete: %w", err)
		}

		totalDeleted += deleted

		// Return partial results with error if there were parse failures
		if len(parseErrors) > 0 {
			return totalDeleted, fmt.Errorf("encountered %d errors during delete: %s",
				len(parseErrors), strings.Join(parseErrors, "; "))
		}

		// If we processed fewer than batch size, we're done
		if batchSize == 0 || int64(len(hashes)) < batchSize {
			break
		}

		// If we skipped all items in this batch, break to avoid infinite loop
		if skipped == len(hashes) {
			break
		}
	}

	return totalDeleted, nil
}

// Helper methods

func (s *TxStore) getRecordsByHashes(ctx context.Context, hashes []string) ([]*txkeeper.TxRecord, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(txKeyPrefix, h)
	}

	// Batch get
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	recs := make([]*txkeeper.TxRecord, 0, len(results))
	var deserializeErrors []string

	for i, result := range results {
		if result == nil {
			// Record was deleted since the index read, this is expected
			continue
		}

		data, ok := result.(string)
		if !ok {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: unexpected type %T", hashes[i], result))
			continue
		}

		rec, err := s.deserializeTxRecord([]byte(data))
		if err != nil {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: %v", hashes[i], err))
			continue
		}
		recs = append(recs, rec)
	}

	// Return partial results with error if there were deserialization failures
	if len(deserializeErrors) > 0 {
		return recs, fmt.Errorf("failed to deserialize %d transactions: %s", len(deserializeErrors), strings.Join(deserializeErrors, "; "))
	}

	return recs, nil
}

func (s *TxStore) serializeTxRecord(rec *txkeeper.TxRecord) ([]byte, error) {
	data := txRecordData{
		Hash:          rec.Hash.Hex(),
		From:          rec.From.Hex(),
		Nonce:         rec.Nonce,
		Status:        string(rec.Status),
		Confirmations: rec.Confirmations,
		FirstSeenAt:   rec.FirstSeenAt.UnixNano(),
		UpdatedAt:     rec.UpdatedAt.UnixNano(),
	}

	if rec.GasPrice != nil {
		data.GasPrice = rec.GasPrice.String()
	}
	if rec.MaxFeePerGas != nil {
		data.MaxFeePerGas = rec.MaxFeePerGas.String()
	}
	if rec.MaxPriorityFeePerGas != nil {
		data.MaxPriorityFeePerGas = rec.MaxPriorityFeePerGas.String()
	}

	// Serialize receipt as JSON (RLP for receipts is complex)
	if rec.Receipt != nil {
		receiptJSON, err := rec.Receipt.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal receipt: %w", err)
		}
		data.ReceiptJSON = receiptJSON
	}

	return json.Marshal(data)
}

func (s *TxStore) deserializeTxRecord(data []byte) (*txkeeper.TxRecord, error) {
	var d txRecordData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tx record: %w", err)
	}

	rec := &txkeeper.TxRecord{
		Hash:          common.HexToHash(d.Hash),
		From:          common.HexToAddress(d.From),
		Nonce:         d.Nonce,
		Status:        txkeeper.TxStatus(d.Status),
		Confirmations: d.Confirmations,
		FirstSeenAt:   time.Unix(0, d.FirstSeenAt),
		UpdatedAt:     time.Unix(0, d.UpdatedAt),
	}

	var err error
	if rec.GasPrice, err = parseBigInt(d.GasPrice); err != nil {
		return nil, fmt.Errorf("failed to parse gas_price: %w", err)
	}
	if rec.MaxFeePerGas, err = parseBigInt(d.MaxFeePerGas); err != nil {
		return nil, fmt.Errorf("failed to parse max_fee_per_gas: %w", err)
	}
	if rec.MaxPriorityFeePerGas, err = parseBigInt(d.MaxPriorityFeePerGas); err != nil {
		return nil, fmt.Errorf("failed to parse max_priority_fee_per_gas: %w", err)
	}

	// Deserialize receipt
	if len(d.ReceiptJSON) > 0 {
		receipt := new(types.Receipt)
		if err := receipt.UnmarshalJSON(d.ReceiptJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		rec.Receipt = receipt
	}

	return rec, nil
}

// parseBigInt decodes a decimal string into a big.Int. Empty means nil.
func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// Verify TxStore implements txkeeper.TxStore
var _ txkeeper.TxStore = (*TxStore)(nil)
