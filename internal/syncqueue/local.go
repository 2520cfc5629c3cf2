package syncqueue

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

// Keys of the persisted local lists.
const (
	LocalQueueKey = "sync-queue:local"
	DeadLetterKey = "sync-queue:dead-letters"
)

// localList is the on-device fallback queue. Every read-modify-write happens
// under Processor.localMu.
type localList struct {
	store kv.Store
}

func (l localList) load(ctx context.Context) ([]types.SyncQueueItem, error) {
	raw, err := l.store.Get(ctx, LocalQueueKey)
	if stderrors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to read local sync queue", err).
			WithComponent("syncqueue")
	}
	var items []types.SyncQueueItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "local sync queue is corrupt", err).
			WithComponent("syncqueue")
	}
	return items, nil
}

func (l localList) save(ctx context.Context, items []types.SyncQueueItem) error {
	if len(items) == 0 {
		if err := l.store.Remove(ctx, LocalQueueKey); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "failed to clear local sync queue", err).
				WithComponent("syncqueue")
		}
		return nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode local sync queue", err).
			WithComponent("syncqueue")
	}
	if err := l.store.Set(ctx, LocalQueueKey, raw); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to write local sync queue", err).
			WithComponent("syncqueue")
	}
	return nil
}

func (l localList) loadDead(ctx context.Context) ([]types.DroppedItem, error) {
	raw, err := l.store.Get(ctx, DeadLetterKey)
	if stderrors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to read dead letters", err).
			WithComponent("syncqueue")
	}
	var items []types.DroppedItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "dead letter list is corrupt", err).
			WithComponent("syncqueue")
	}
	return items, nil
}

func (l localList) saveDead(ctx context.Context, items []types.DroppedItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode dead letters", err).
			WithComponent("syncqueue")
	}
	if err := l.store.Set(ctx, DeadLetterKey, raw); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to write dead letters", err).
			WithComponent("syncqueue")
	}
	return nil
}

// applyChanges removes items by LocalID and upserts the rescheduled ones,
// leaving items enqueued since the drain started in place.
func applyChanges(items []types.SyncQueueItem, remove map[string]bool, upsert []types.SyncQueueItem) []types.SyncQueueItem {
	replaced := make(map[string]types.SyncQueueItem, len(upsert))
	for _, it := range upsert {
		replaced[it.LocalID] = it
	}

	out := make([]types.SyncQueueItem, 0, len(items)+len(upsert))
	for _, it := range items {
		if r, ok := replaced[it.LocalID]; ok {
			out = append(out, r)
			delete(replaced, it.LocalID)
			continue
		}
		if remove[it.LocalID] {
			continue
		}
		out = append(out, it)
	}
	for _, it := range upsert {
		if _, pending := replaced[it.LocalID]; pending {
			out = append(out, it)
		}
	}
	return out
}
