package cache

import (
	"container/list"
	"context"
	"encoding/json"
	stderr "errors"
	"strconv"
	"sync"
	"time"

	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Storage layout inside the kv.Store.
const (
	KeyPrefix      = "cache:"
	accessIndexKey = "cache-meta:access"
	lastSweepKey   = "cache-meta:last-sweep"
)

// Config represents cache configuration
type Config struct {
	// MaxMemoryEntries bounds the in-memory hot layer; the persistent copy is kept on eviction.
	MaxMemoryEntries int `yaml:"max_memory_entries"`
	// StaleAccessAge is how long a key may go unread before the sweep considers it.
	StaleAccessAge time.Duration `yaml:"stale_access_age"`
	// MinAccessCount protects keys read at least this often from the sweep.
	MinAccessCount int `yaml:"min_access_count"`
	// ConstrainedMinAccessCount replaces MinAccessCount when Constrained is set.
	ConstrainedMinAccessCount int  `yaml:"constrained_min_access_count"`
	Constrained               bool `yaml:"-"`
	// SweepMinInterval rate limits Cleanup.
	SweepMinInterval time.Duration `yaml:"sweep_min_interval"`
	// SweepInterval is the Sweeper tick.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// StorageTimeout bounds each kv.Store call.
	StorageTimeout time.Duration `yaml:"storage_timeout"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxMemoryEntries:          1000,
		StaleAccessAge:            7 * 24 * time.Hour,
		MinAccessCount:            5,
		ConstrainedMinAccessCount: 3,
		SweepMinInterval:          time.Hour,
		SweepInterval:             time.Hour,
		StorageTimeout:            2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMemoryEntries <= 0 {
		c.MaxMemoryEntries = d.MaxMemoryEntries
	}
	if c.StaleAccessAge <= 0 {
		c.StaleAccessAge = d.StaleAccessAge
	}
	if c.MinAccessCount <= 0 {
		c.MinAccessCount = d.MinAccessCount
	}
	if c.ConstrainedMinAccessCount <= 0 {
		c.ConstrainedMinAccessCount = d.ConstrainedMinAccessCount
	}
	if c.SweepMinInterval <= 0 {
		c.SweepMinInterval = d.SweepMinInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = d.StorageTimeout
	}
	return c
}

// envelope is the persisted form. Importance is a pointer so envelopes
// written without one can be told apart.
type envelope struct {
	Data       []byte            `json:"data"`
	Timestamp  int64             `json:"timestamp"`
	Importance *types.Importance `json:"importance,omitempty"`
}

type memItem struct {
	entry   types.CacheEntry
	element *list.Element
}

// Store is the durable key-value cache: an LRU-bounded in-memory layer in
// front of a kv.Store, with importance-based TTLs checked on every read.
type Store struct {
	mu        sync.Mutex
	config    Config
	backend   kv.Store
	logger    *utils.StructuredLogger
	metrics   *metrics.Collector
	now       func() time.Time
	items     map[string]*memItem
	lru       *list.List
	access    map[string]*types.CacheAccessStat
	dirty     bool
	lastSweep time.Time
	stats     types.CacheStats
}

// New creates a cache over backend and restores the access index and the
// last sweep time from it.
func New(backend kv.Store, config Config, logger *utils.StructuredLogger) *Store {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Store{
		config:  config.withDefaults(),
		backend: backend,
		logger:  logger.WithComponent("cache"),
		now:     time.Now,
		items:   make(map[string]*memItem),
		lru:     list.New(),
		access:  make(map[string]*types.CacheAccessStat),
	}
	s.restoreIndex()
	return s
}

// WithClock replaces the time source. Call before the store is shared.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithMetrics attaches a collector. Call before the store is shared.
func (s *Store) WithMetrics(c *metrics.Collector) *Store {
	s.metrics = c
	return s
}

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.StorageTimeout)
}

// Save writes data under key with a fresh timestamp. Persistence failures are
// logged; the in-memory copy stays authoritative for the process lifetime.
func (s *Store) Save(key string, data []byte, importance types.Importance) {
	now := s.now()
	buf := make([]byte, len(data))
	copy(buf, data)
	entry := types.CacheEntry{Key: key, Data: buf, Timestamp: now.UnixMilli(), Importance: importance}

	s.mu.Lock()
	s.putMemoryLocked(entry)
	s.touchLocked(key, now)
	s.mu.Unlock()

	raw, err := json.Marshal(envelope{Data: buf, Timestamp: entry.Timestamp, Importance: &importance})
	if err == nil {
		ctx, cancel := s.opCtx()
		err = s.backend.Set(ctx, KeyPrefix+key, raw)
		cancel()
	}
	if err != nil {
		s.logger.Warn("Failed to persist cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.metrics.RecordCacheOperation("save", "error")
	} else {
		s.metrics.RecordCacheOperation("save", "ok")
	}
}

// Load returns the cached payload for key if it is within its TTL. The TTL
// comes from the importance stored with the entry; importance is only used for
// envelopes persisted without one. Expired or unreadable entries are purged.
func (s *Store) Load(key string, importance types.Importance) ([]byte, bool) {
	now := s.now()

	s.mu.Lock()
	if item, ok := s.items[key]; ok {
		if item.entry.ValidAt(now) {
			s.lru.MoveToFront(item.element)
			s.touchLocked(key, now)
			s.stats.Hits++
			out := append([]byte(nil), item.entry.Data...)
			s.mu.Unlock()
			s.metrics.RecordCacheOperation("load", "hit")
			return out, true
		}
		s.mu.Unlock()
		s.purge(key, "expired")
		return nil, false
	}
	s.mu.Unlock()

	entry, status := s.readPersistent(key, importance)
	switch status {
	case "miss":
		s.recordMiss("miss")
		return nil, false
	case "corrupt", "expired":
		s.purge(key, status)
		return nil, false
	}
	if !entry.ValidAt(now) {
		s.purge(key, "expired")
		return nil, false
	}

	s.mu.Lock()
	s.putMemoryLocked(entry)
	s.touchLocked(key, now)
	s.stats.Hits++
	s.mu.Unlock()
	s.metrics.RecordCacheOperation("load", "hit")
	return append([]byte(nil), entry.Data...), true
}

// Has reports whether a valid entry exists for key without recording access.
func (s *Store) Has(key string) bool {
	now := s.now()

	s.mu.Lock()
	item, ok := s.items[key]
	valid := ok && item.entry.ValidAt(now)
	s.mu.Unlock()
	if ok {
		return valid
	}

	entry, status := s.readPersistent(key, types.ImportanceNormal)
	return status == "ok" && entry.ValidAt(now)
}

// Invalidate removes key from both layers.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	s.removeMemoryLocked(key)
	delete(s.access, key)
	s.dirty = true
	s.mu.Unlock()

	s.removePersistent(key)
	s.metrics.RecordCacheOperation("invalidate", "ok")
	s.flushIndex()
}

// Clear removes every entry this store knows about.
func (s *Store) Clear() {
	s.mu.Lock()
	keys := make(map[string]struct{}, len(s.access)+len(s.items))
	for k := range s.access {
		keys[k] = struct{}{}
	}
	for k := range s.items {
		keys[k] = struct{}{}
	}
	s.items = make(map[string]*memItem)
	s.lru.Init()
	s.access = make(map[string]*types.CacheAccessStat)
	s.dirty = true
	s.mu.Unlock()

	for k := range keys {
		s.removePersistent(k)
	}
	s.flushIndex()
}

// CleanupResult describes one eviction sweep.
type CleanupResult struct {
	Ran     bool
	Evicted []string
}

// Cleanup evicts keys that have not been read for StaleAccessAge and were
// read fewer than the minimum access count. It does nothing if the previous
// sweep ran less than SweepMinInterval before now.
func (s *Store) Cleanup(now time.Time) CleanupResult {
	s.mu.Lock()
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < s.config.SweepMinInterval {
		s.mu.Unlock()
		return CleanupResult{}
	}
	s.lastSweep = now

	threshold := s.config.MinAccessCount
	if s.config.Constrained {
		threshold = s.config.ConstrainedMinAccessCount
	}
	cutoff := now.Add(-s.config.StaleAccessAge).UnixMilli()

	var evicted []string
	for key, st := range s.access {
		if st.LastAccessed < cutoff && st.AccessCount < threshold {
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		s.removeMemoryLocked(key)
		delete(s.access, key)
	}
	s.stats.Evictions += uint64(len(evicted))
	s.dirty = true
	s.mu.Unlock()

	for _, key := range evicted {
		s.removePersistent(key)
		s.metrics.RecordCacheOperation("evict", "ok")
	}

	ctx, cancel := s.opCtx()
	if err := s.backend.Set(ctx, lastSweepKey, []byte(strconv.FormatInt(now.UnixMilli(), 10))); err != nil {
		s.logger.Warn("Failed to persist sweep time", map[string]interface{}{"error": err.Error()})
	}
	cancel()
	s.flushIndex()

	if len(evicted) > 0 {
		s.logger.Info("Cache sweep evicted entries", map[string]interface{}{
			"evicted":   len(evicted),
			"threshold": threshold,
		})
	}
	return CleanupResult{Ran: true, Evicted: evicted}
}

// AccessStat returns the access bookkeeping for key.
func (s *Store) AccessStat(key string) (types.CacheAccessStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.access[key]
	if !ok {
		return types.CacheAccessStat{}, false
	}
	return *st, true
}

// LastSweep returns the time of the last completed sweep.
func (s *Store) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

// Stats returns cache statistics
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = len(s.access)
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Flush persists pending access-index changes.
func (s *Store) Flush() {
	s.flushIndex()
}

func (s *Store) readPersistent(key string, fallback types.Importance) (types.CacheEntry, string) {
	ctx, cancel := s.opCtx()
	raw, err := s.backend.Get(ctx, KeyPrefix+key)
	cancel()
	if err != nil {
		if !stderr.Is(err, kv.ErrNotFound) {
			s.logger.Warn("Failed to read cache entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return types.CacheEntry{}, "miss"
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Timestamp <= 0 {
		s.logger.Debug("Discarding unreadable cache entry", map[string]interface{}{"key": key})
		return types.CacheEntry{}, "corrupt"
	}
	imp := fallback
	if env.Importance != nil {
		imp = *env.Importance
	}
	return types.CacheEntry{Key: key, Data: env.Data, Timestamp: env.Timestamp, Importance: imp}, "ok"
}

func (s *Store) purge(key, reason string) {
	s.mu.Lock()
	s.removeMemoryLocked(key)
	delete(s.access, key)
	s.dirty = true
	s.stats.Misses++
	if reason == "expired" {
		s.stats.Expired++
	}
	s.mu.Unlock()

	s.removePersistent(key)
	s.metrics.RecordCacheOperation("load", reason)
}

func (s *Store) recordMiss(result string) {
	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()
	s.metrics.RecordCacheOperation("load", result)
}

func (s *Store) removePersistent(key string) {
	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.backend.Remove(ctx, KeyPrefix+key); err != nil {
		s.logger.Warn("Failed to remove cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *Store) putMemoryLocked(entry types.CacheEntry) {
	if item, ok := s.items[entry.Key]; ok {
		item.entry = entry
		s.lru.MoveToFront(item.element)
		return
	}
	s.items[entry.Key] = &memItem{entry: entry, element: s.lru.PushFront(entry.Key)}
	for len(s.items) > s.config.MaxMemoryEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		// Dropping from memory only; the persistent copy still serves reads.
		s.removeMemoryLocked(oldest.Value.(string))
	}
}

func (s *Store) removeMemoryLocked(key string) {
	if item, ok := s.items[key]; ok {
		s.lru.Remove(item.element)
		delete(s.items, key)
	}
}

func (s *Store) touchLocked(key string, now time.Time) {
	st, ok := s.access[key]
	if !ok {
		st = &types.CacheAccessStat{Key: key}
		s.access[key] = st
	}
	st.AccessCount++
	st.LastAccessed = now.UnixMilli()
	s.dirty = true
}

func (s *Store) flushIndex() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := make([]types.CacheAccessStat, 0, len(s.access))
	for _, st := range s.access {
		snapshot = append(snapshot, *st)
	}
	s.dirty = false
	s.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err == nil {
		ctx, cancel := s.opCtx()
		err = s.backend.Set(ctx, accessIndexKey, raw)
		cancel()
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.logger.Warn("Failed to persist access index", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Store) restoreIndex() {
	ctx, cancel := s.opCtx()
	defer cancel()

	if raw, err := s.backend.Get(ctx, accessIndexKey); err == nil {
		var stats []types.CacheAccessStat
		if err := json.Unmarshal(raw, &stats); err != nil {
			s.logger.Warn("Discarding unreadable access index", map[string]interface{}{"error": err.Error()})
		}
		for i := range stats {
			st := stats[i]
			s.access[st.Key] = &st
		}
	}
	if raw, err := s.backend.Get(ctx, lastSweepKey); err == nil {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			s.lastSweep = time.UnixMilli(ms)
		}
	}
}
