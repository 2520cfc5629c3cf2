package syncqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/habitkit/offlinesync/pkg/types"
)

// RemoteStore applies mutations to the remote data tables.
type RemoteStore interface {
	// Insert adds rows to table in one request. rows[i] is the payload of
	// entity ids[i].
	Insert(ctx context.Context, table string, ids []string, rows []json.RawMessage) error
	// Update patches a single row.
	Update(ctx context.Context, table, id string, data json.RawMessage) error
	// Delete removes rows by id in one request.
	Delete(ctx context.Context, table string, ids []string) error
}

// RemoteQueue is the server-side sync_queue table.
type RemoteQueue interface {
	// Insert persists item and returns it with its server ID set.
	Insert(ctx context.Context, item types.SyncQueueItem) (types.SyncQueueItem, error)
	// Pending returns unsynced, unfailed items oldest first, at most limit.
	Pending(ctx context.Context, limit int) ([]types.SyncQueueItem, error)
	// Count returns the number of unsynced, unfailed items.
	Count(ctx context.Context) (int64, error)
	MarkSynced(ctx context.Context, ids []string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// DefaultEntityTables maps entity types to remote table names.
func DefaultEntityTables() map[string]string {
	return map[string]string{
		"habit":            "habits",
		"habit_completion": "habit_completions",
		"goal":             "goals",
		"profile":          "profiles",
	}
}

// TableFor returns the remote table holding entityType rows.
func (p *Processor) TableFor(entityType string) string {
	if t, ok := p.config.EntityTables[entityType]; ok {
		return t
	}
	return entityType
}
