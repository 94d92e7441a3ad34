// Package storage provides the key-value primitives failsafe keeps message
// bookkeeping in.
//
// # Overview
//
// The Store interface is deliberately small. Every method maps to one redis
// command and is atomic on its own. Callers that combine several calls, such
// as the message state machine, rely only on the atomicity of the single
// primitives (SETNX, MSETNX, INCR) and never on a lock spanning calls.
//
//	┌─────────────────────────────────────┐
//	│     message.Message / dedup.Store   │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          storage.Store              │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌──────────┐      ┌────────────┐
//	    │  Memory  │      │   Redis    │
//	    │  Store   │      │   Store    │
//	    └──────────┘      └────────────┘
//
// # Implementations
//
// MemoryStore: in-memory map guarded by sync.RWMutex
//   - Used by tests and single-process setups
//   - Scan uses path.Match globbing
//
// RedisStore: go-redis client against the current redis master
//   - Native GET, SET, SETNX, MSETNX, INCR, DEL, EXISTS and SCAN
//   - go-redis retries are disabled; failover retries live in package dedup
//
// # Error Handling
//
// ErrKeyNotFound: Get on a missing key
//
// ErrNotInteger: Incr on a value that does not parse as an integer
//
// Redis reply and network errors are returned unchanged.
//
// # Usage Examples
//
//	store := storage.NewRedisStore("10.0.0.1:6379", storage.RedisOptions{DB: 4})
//	defer store.Close()
//
//	ok, err := store.SetNX(ctx, "msgid:q:42:mutex", "1700000000")
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    log.Println("mutex already held")
//	}
package storage
