/*
Package config provides configuration management for habitsync.

A Configuration is assembled in three layers, each overriding the previous:

 1. Built-in defaults from NewDefault
 2. A YAML file loaded with LoadFromFile
 3. HABITSYNC_* environment variables applied by LoadFromEnv

Validate runs last and reports every invalid section at once.

# Sections

	global:      log level, format and file, the signed-in user id
	platform:    constrained device mode (smaller cache, fewer probes)
	cache:       KV-backed adaptive cache limits and sweep interval
	fetch:       default fetch policy, importance and query stale time
	network:     connectivity probe URL, interval and quality thresholds
	retry:       attempt counts and backoff delays for reads and sync
	sync:        queue batch size, drain throttle, entity tables, breaker
	storage:     KV backend, optional SQL queue table, optional S3 remote
	monitoring:  Prometheus metrics endpoint, health thresholds, local status API

Example file:

	global:
	  log_level: INFO
	  user_id: user-1
	fetch:
	  default_policy: network-first
	  stale_time: 5m
	sync:
	  batch_size: 10
	  min_drain_interval: 30s
	storage:
	  kv:
	    backend: badger
	    dir: /var/lib/habitsync/kv
	  remote:
	    enabled: true
	    bucket: habit-data
	    region: us-east-1

Environment overrides use the same names in upper case:

	HABITSYNC_LOG_LEVEL=DEBUG
	HABITSYNC_DEFAULT_POLICY=cache-first
	HABITSYNC_KV_BACKEND=valkey
	HABITSYNC_VALKEY_ADDRESS=localhost:6379
	HABITSYNC_S3_BUCKET=habit-data

# Derived settings

Components never read the raw sections directly. Helpers such as CacheConfig,
NetworkConfig, SyncQueue, FetchRetry and SyncRetry fold the platform and
retry sections into the component configs so constrained mode and attempt
counts are applied in one place.
*/
package config
