/*
Package cache provides the durable, importance-aware key-value cache.

Entries are stored as {data, timestamp, importance} envelopes in a kv.Store
under the "cache:" prefix, with an LRU-bounded in-memory layer in front.

	┌──────────────────────────────┐
	│        Store (memory)        │  LRU, MaxMemoryEntries
	└──────────────┬───────────────┘
	               │ miss / promote
	┌──────────────▼───────────────┐
	│   kv.Store (badger, valkey)  │  envelopes + access index
	└──────────────────────────────┘

# TTL

TTL is enforced on every read from the importance stored with the entry:

	critical  7 days
	high      3 days
	normal    24 hours
	low       6 hours

Expired and unreadable envelopes are purged and reported as a miss. Load and
Save never return errors; backend failures are logged.

# Eviction

Cleanup is housekeeping only. It removes keys not read for StaleAccessAge
that were read fewer than MinAccessCount times (ConstrainedMinAccessCount on
constrained platforms), at most once per SweepMinInterval. The Sweeper calls
it on a ticker; nothing triggers it from construction.

	store := cache.New(backend, cache.DefaultConfig(), logger)
	sweeper := cache.NewSweeper(store)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	store.Save("habits:user-1", payload, types.ImportanceCritical)
	if data, ok := store.Load("habits:user-1", types.ImportanceCritical); ok {
		...
	}
*/
package cache
