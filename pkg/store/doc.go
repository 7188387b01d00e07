// Package store provides the named, versioned cache store used by the offline worker.
//
// A Storage holds any number of caches, each identified by a role name such as
// "dva-c02-trainer-static-v1". A Cache maps request keys to stored responses. There is
// no per-entry expiry: a cache is evicted as a whole when its generation is superseded.
//
// Features:
//
// - One stored response per request key per role (Put upserts)
// - Deterministic request keys (method + absolute URL + optional negotiation headers)
// - Independent body copies for cache writes and client delivery
// - Memory, Redis and SQLite backends behind the same interfaces
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	storage := store.NewMemoryStorage()
//
//	c, err := storage.Open(ctx, "trainer-runtime-v1")
//	if err != nil {
//		return err
//	}
//
//	key := store.NewRequestKey(req)
//	entry, err := c.Match(ctx, key)
//	if errors.Is(err, store.ErrCacheMiss) {
//		// Cache miss - fetch from the network
//	}
//
// # Storing Responses
//
//	// Convert HTTP response to entry; resp.Body stays readable for the caller
//	entry, err := store.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//
//	if err := c.Put(ctx, key, entry); err != nil {
//		return err
//	}
//
// Open creates a missing role; OpenExisting does not, and is what background
// writers use so that a purged generation stays purged.
//
// # Backends
//
// MemoryStorage keeps everything in process. RedisStorage stores each role as a hash
// and keeps the role list in a sorted set ordered by creation time. SQLiteStorage keeps
// roles and entries in two tables. Deleting a role is atomic in every backend: either
// the role and all its entries are gone, or nothing changed.
//
// # Metrics
//
//   - offline_cache_hits_total{role} - Cache hits
//   - offline_cache_misses_total - Cache misses
//   - offline_cache_writes_total{role} - Entries written
//   - offline_cache_errors_total{operation} - Store operation errors
//   - offline_cache_roles_deleted_total - Roles deleted
package store
