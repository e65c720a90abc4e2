// Package redis provides Redis-based implementations of txkeeper persistence interfaces.
//
// This package enables crash-resilient transaction management by persisting transaction
// and nonce state to Redis. It provides two separate store implementations:
//   - TxStore: implements txkeeper.TxStore for monitored transaction records
//   - NonceStore: implements txkeeper.NonceStore for promised nonce state
//
// # Basic Usage
//
//	import (
//	    "github.com/redis/go-redis/v9"
//	    "github.com/gboigwe/txkeeper"
//	    redisstore "github.com/gboigwe/txkeeper/persistence/redis"
//	)
//
//	// Create Redis client
//	client := redis.NewClient(&redis.Options{
//	    Addr: "localhost:6379",
//	})
//
//	// Create separate stores for transactions and nonces
//	txStore := redisstore.NewTxStore(client)
//	nonceStore := redisstore.NewNonceStore(client)
//
//	// Create a Keeper with persistence
//	keeper, err := txkeeper.NewKeeper(provider, signer,
//	    txkeeper.WithStores(nonceStore, txStore),
//	)
//
// # Multi-Tenant Usage
//
// Use key prefixes to isolate data for different applications or environments:
//
//	prodTxStore := redisstore.NewTxStore(client, redisstore.WithTxStoreKeyPrefix("prod"))
//	prodNonceStore := redisstore.NewNonceStore(client, redisstore.WithNonceStoreKeyPrefix("prod"))
//
//	testTxStore := redisstore.NewTxStore(client, redisstore.WithTxStoreKeyPrefix("test"))
//	testNonceStore := redisstore.NewNonceStore(client, redisstore.WithNonceStoreKeyPrefix("test"))
//
// # Separate Redis Instances
//
// You can use different Redis instances for TxStore and NonceStore:
//
//	txClient := redis.NewClient(&redis.Options{Addr: "redis-tx:6379"})
//	nonceClient := redis.NewClient(&redis.Options{Addr: "redis-nonce:6379"})
//
//	txStore := redisstore.NewTxStore(txClient)
//	nonceStore := redisstore.NewNonceStore(nonceClient)
//
// # Redis Key Structure
//
// TxStore uses the following key patterns:
//
//   - txkeeper:tx:{hash} - Transaction record (JSON)
//   - txkeeper:tx:pending - Set of all non-terminal transaction hashes
//   - txkeeper:tx:timestamp - Sorted set of tx hashes by first-seen time
//
// NonceStore uses the following key patterns:
//
//   - txkeeper:nonce:{address} - Nonce state (JSON)
//   - txkeeper:nonce:addresses - Set of all addresses with stored state
//
// # Thread Safety
//
// Both stores are thread-safe and can be used from multiple goroutines.
// Writes go through WATCH/MULTI/EXEC so concurrent updates never clobber
// a more final transaction status or regress a promised nonce.
//
// # Recovery
//
// On application restart, use the Keeper.Recover method to:
//
//  1. Reconcile stored nonce promises with chain state
//  2. Check and update status of pending transactions
//  3. Optionally resume monitoring pending transactions
//
// # Cleanup
//
// Use TxStore.DeleteOlderThan to periodically clean up old completed transactions:
//
//	deleted, err := txStore.DeleteOlderThan(ctx, 24*time.Hour)
//
// Use NonceStore.Cleanup to remove orphaned index entries:
//
//	removed, err := nonceStore.Cleanup(ctx)
//
// # Supported Redis Configurations
//
// Both stores work with:
//   - Standalone Redis
//   - Redis Sentinel
//   - Redis Cluster
//
// Simply pass the appropriate redis.UniversalClient implementation to NewTxStore or NewNonceStore.
package redis
