/*
Package types provides the shared data model of the offline sync and caching layer.

Everything that crosses a package boundary lives here: cache envelopes and
their importance tiers, sync queue items, connection status, cache policies
and user notifications. Packages under internal/ depend on these types but
never on each other's concrete structs.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│             pkg/offline.Client              │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴─────────┐   ┌──────────┴─────────┐
	│  internal/fetch   │   │ internal/syncqueue │
	│  (orchestrator)   │   │   (drain/enqueue)  │
	└───────────────────┘   └────────────────────┘
	   │      │      │         │          │
	┌──┴──┐┌──┴───┐┌─┴─────┐┌──┴────┐┌────┴──────┐
	│cache││policy││network││ retry ││ storage/* │
	└─────┘└──────┘└───────┘└───────┘└───────────┘

# Importance and TTL

An entry is valid iff now - timestamp <= TTL(importance), where the TTL table is

	ImportanceCritical  7 days
	ImportanceHigh      3 days
	ImportanceNormal    24 hours
	ImportanceLow       6 hours

The importance stored in the envelope at write time is authoritative.

# Sync queue items

A SyncQueueItem with SyncedAt set is terminal and is never replayed. Items are
abandoned once RetryCount reaches MaxRetryAttempts and are recorded as
DroppedItem values.

# Thread Safety

Values in this package are plain data. Interfaces (NetworkState, Notifier)
must be safe for concurrent use by their implementations.
*/
package types
