package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Importance classifies a cache entry and controls its TTL.
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceNormal
	ImportanceHigh
	ImportanceCritical
)

// TTL returns the lifetime of an entry saved with this importance.
func (i Importance) TTL() time.Duration {
	switch i {
	case ImportanceCritical:
		return 7 * 24 * time.Hour
	case ImportanceHigh:
		return 3 * 24 * time.Hour
	case ImportanceLow:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func (i Importance) String() string {
	switch i {
	case ImportanceCritical:
		return "critical"
	case ImportanceHigh:
		return "high"
	case ImportanceNormal:
		return "normal"
	case ImportanceLow:
		return "low"
	default:
		return fmt.Sprintf("importance(%d)", int(i))
	}
}

// ParseImportance accepts the lower-case tier names.
func ParseImportance(s string) (Importance, error) {
	switch strings.ToLower(s) {
	case "critical":
		return ImportanceCritical, nil
	case "high":
		return ImportanceHigh, nil
	case "", "normal":
		return ImportanceNormal, nil
	case "low":
		return ImportanceLow, nil
	}
	return ImportanceNormal, fmt.Errorf("unknown importance %q", s)
}

// NetworkQuality is the coarse classification of the current connection.
type NetworkQuality string

const (
	QualityGood       NetworkQuality = "good"
	QualityAcceptable NetworkQuality = "acceptable"
	QualityPoor       NetworkQuality = "poor"
	QualityOffline    NetworkQuality = "offline"
)

// CachePolicy governs whether a read favours the network or the local cache.
type CachePolicy string

const (
	PolicyNetworkFirst CachePolicy = "network-first"
	PolicyCacheFirst   CachePolicy = "cache-first"
	PolicyCacheOnly    CachePolicy = "cache-only"
	PolicyNetworkOnly  CachePolicy = "network-only"
)

// Action is the kind of mutation carried by a sync queue item.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// MaxRetryAttempts bounds how often a sync item is replayed before it is dropped.
const MaxRetryAttempts = 5

// CacheKey joins the parts of a logical query key into a stable cache key.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// CacheEntry is the envelope persisted for every cached payload.
type CacheEntry struct {
	Key        string     `json:"-"`
	Data       []byte     `json:"data"`
	Timestamp  int64      `json:"timestamp"`
	Importance Importance `json:"importance"`
}

// ValidAt reports whether the entry is still within its TTL at now.
func (e *CacheEntry) ValidAt(now time.Time) bool {
	age := now.UnixMilli() - e.Timestamp
	return age <= e.Importance.TTL().Milliseconds()
}

// CacheAccessStat is advisory bookkeeping used only by the eviction sweep.
type CacheAccessStat struct {
	Key          string `json:"key"`
	AccessCount  int    `json:"access_count"`
	LastAccessed int64  `json:"last_accessed"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// SyncQueueItem is one pending mutation awaiting application to the remote store.
type SyncQueueItem struct {
	// ID is assigned by the remote queue table once the item is persisted there.
	ID         string          `json:"id,omitempty"`
	LocalID    string          `json:"local_id,omitempty"`
	UserID     string          `json:"user_id"`
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Action     Action          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`

	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Synced reports whether the item is terminal.
func (i *SyncQueueItem) Synced() bool {
	return i.SyncedAt != nil
}

// DroppedItem records a mutation abandoned after exhausting its retries.
type DroppedItem struct {
	Item      SyncQueueItem `json:"item"`
	DroppedAt time.Time     `json:"dropped_at"`
	Reason    string        `json:"reason"`
}

// ConnectionStatus is the derived, never-persisted view of connectivity.
type ConnectionStatus struct {
	IsOnline     bool           `json:"is_online"`
	Latency      *time.Duration `json:"latency,omitempty"`
	Quality      NetworkQuality `json:"quality"`
	DownlinkMbps *float64       `json:"downlink_mbps,omitempty"`
	LastChecked  time.Time      `json:"last_checked"`
	Reliability  float64        `json:"reliability"`
}

// NotificationLevel distinguishes success toasts from warnings.
type NotificationLevel string

const (
	NotifySuccess NotificationLevel = "success"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is a user-visible message raised by the sync layer.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Count   int               `json:"count"`
}
