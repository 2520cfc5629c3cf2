package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/habitkit/offlinesync/internal/cache"
	"github.com/habitkit/offlinesync/internal/circuit"
	"github.com/habitkit/offlinesync/internal/notify"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/health"
	"github.com/habitkit/offlinesync/pkg/types"
)

// DefaultPriority is the priority of mutations queued without one.
const DefaultPriority = 1

// MutationResult reports how a mutation was handled.
type MutationResult struct {
	// Applied is true when the remote store accepted the write directly.
	Applied bool `json:"applied"`
	// Queued is true when the mutation was stored for a later drain.
	Queued bool                 `json:"queued"`
	Item   *types.SyncQueueItem `json:"item,omitempty"`
}

// Status is a point-in-time view of the sync layer.
type Status struct {
	Connection  types.ConnectionStatus `json:"connection"`
	Queue       syncqueue.Depth        `json:"queue"`
	Draining    bool                   `json:"draining"`
	LastDrain   time.Time              `json:"last_drain"`
	DeadLetters int                    `json:"dead_letters"`
	Cache       types.CacheStats       `json:"cache"`
	LastSweep   time.Time              `json:"last_sweep"`
	Breakers    []circuit.Stats        `json:"breakers"`
}

func encodePayload(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.NewError(errors.ErrCodeValidationFailed, "payload is not valid JSON").WithComponent("offline")
		}
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidationFailed, "payload is not serializable", err).WithComponent("offline")
	}
	return raw, nil
}

// QueueMutation records a change for the next drain. data is JSON encoded
// unless it already is json.RawMessage. Callers without an opinion on
// priority pass DefaultPriority.
func (c *Client) QueueMutation(ctx context.Context, entityID, entityType string, action types.Action, data interface{}, priority int) (types.SyncQueueItem, error) {
	raw, err := encodePayload(data)
	if err != nil {
		return types.SyncQueueItem{}, err
	}
	item, err := c.sync.Enqueue(ctx, entityID, entityType, action, raw, priority)
	if err != nil {
		return item, err
	}
	c.refreshDepth(ctx)
	return item, nil
}

// Mutate writes a change straight to the remote store when online. If the
// client is offline the change is queued and the call succeeds; if the write
// itself fails the change is queued and an ErrCodeMutationQueued error
// carrying the failure is returned so the caller can tell the user.
func (c *Client) Mutate(ctx context.Context, entityID, entityType string, action types.Action, data interface{}) (MutationResult, error) {
	if !action.Valid() {
		return MutationResult{}, errors.NewError(errors.ErrCodeInvalidAction, "unknown sync action").
			WithComponent("offline").
			WithOperation("mutate").
			WithContext("action", string(action))
	}
	raw, err := encodePayload(data)
	if err != nil {
		return MutationResult{}, err
	}

	if c.remote == nil || !c.monitor.IsOnline() {
		return c.enqueue(ctx, entityID, entityType, action, raw)
	}

	table := c.sync.TableFor(entityType)
	breaker := c.breakers.Get(table)
	applyErr := breaker.Execute(ctx, func(ctx context.Context) error {
		switch action {
		case types.ActionAdd:
			return c.remote.Insert(ctx, table, []string{entityID}, []json.RawMessage{raw})
		case types.ActionUpdate:
			return c.remote.Update(ctx, table, entityID, raw)
		default:
			return c.remote.Delete(ctx, table, []string{entityID})
		}
	})
	if applyErr == nil {
		c.health.RecordSuccess(ComponentRemote)
		c.metrics.RecordSyncItems(action, "applied", 1)
		return MutationResult{Applied: true}, nil
	}

	// Queueing a payload the store rejected would only dead-letter it later.
	if errors.HasCode(applyErr, errors.ErrCodeValidationFailed) {
		return MutationResult{}, applyErr
	}
	if !errors.HasCode(applyErr, errors.ErrCodeCircuitOpen) {
		c.health.RecordError(ComponentRemote, applyErr)
	}
	c.logger.Warn("Remote write failed, queueing mutation", map[string]interface{}{
		"entity_id":   entityID,
		"entity_type": entityType,
		"action":      action,
		"error":       applyErr.Error(),
	})

	res, err := c.enqueue(ctx, entityID, entityType, action, raw)
	if err != nil {
		return res, err
	}
	return res, errors.Wrap(errors.ErrCodeMutationQueued, "change saved offline and will sync later", applyErr).
		WithComponent("offline").
		WithOperation("mutate").
		WithContext("entity_id", entityID)
}

func (c *Client) enqueue(ctx context.Context, entityID, entityType string, action types.Action, raw json.RawMessage) (MutationResult, error) {
	item, err := c.sync.Enqueue(ctx, entityID, entityType, action, raw, DefaultPriority)
	if err != nil {
		return MutationResult{}, err
	}
	c.refreshDepth(ctx)
	return MutationResult{Queued: true, Item: &item}, nil
}

func (c *Client) refreshDepth(ctx context.Context) {
	if depth, err := c.sync.Pending(ctx); err == nil {
		c.metrics.SetQueueDepth(int(depth.Total()))
	}
}

func (c *Client) requireRemote(op string) error {
	if c.remote == nil {
		return errors.NewError(errors.ErrCodeNotInitialized, "no remote store configured").
			WithComponent("offline").
			WithOperation(op)
	}
	return nil
}

// ProcessSyncQueue drains the queue unless offline, already draining or
// rate limited; a skipped drain is reported in DrainResult.Skipped.
func (c *Client) ProcessSyncQueue(ctx context.Context) (*syncqueue.DrainResult, error) {
	if err := c.requireRemote("process_sync_queue"); err != nil {
		return nil, err
	}
	return c.sync.Process(ctx)
}

// DrainNow drains the queue without the rate limit.
func (c *Client) DrainNow(ctx context.Context) (*syncqueue.DrainResult, error) {
	if err := c.requireRemote("drain_now"); err != nil {
		return nil, err
	}
	return c.sync.DrainNow(ctx)
}

// PendingMutations returns the local fallback queue.
func (c *Client) PendingMutations(ctx context.Context) ([]types.SyncQueueItem, error) {
	return c.sync.LocalItems(ctx)
}

// DeadLetters returns mutations dropped after exhausting their retries.
func (c *Client) DeadLetters(ctx context.Context) ([]types.DroppedItem, error) {
	return c.sync.DeadLetters(ctx)
}

// ClearDeadLetters acknowledges every dropped mutation.
func (c *Client) ClearDeadLetters(ctx context.Context) error {
	return c.sync.ClearDeadLetters(ctx)
}

// Status collects connectivity, queue, cache and breaker state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	st := Status{
		Connection: c.monitor.Status(),
		Draining:   c.sync.InFlight(),
		LastDrain:  c.sync.LastDrain(),
		Cache:      c.cache.Stats(),
		LastSweep:  c.cache.LastSweep(),
		Breakers:   c.breakers.Stats(),
	}

	depth, err := c.sync.Pending(ctx)
	if err != nil {
		return st, err
	}
	st.Queue = depth

	dead, err := c.sync.DeadLetters(ctx)
	if err != nil {
		return st, err
	}
	st.DeadLetters = len(dead)
	return st, nil
}

// SetOnline applies a platform connectivity event.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// Probe measures the connection now, subject to the probe throttle.
func (c *Client) Probe(ctx context.Context) types.ConnectionStatus {
	return c.monitor.Check(ctx)
}

// Health checks every backing component.
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// SweepCache runs one eviction sweep now.
func (c *Client) SweepCache() cache.CleanupResult {
	return c.sweeper.RunOnce()
}

// Subscribe delivers future notifications until cancel is called.
func (c *Client) Subscribe(buffer int) (<-chan notify.Event, func()) {
	return c.hub.Subscribe(buffer)
}

// Notifications returns up to limit recent notifications, newest first.
func (c *Client) Notifications(limit int) []notify.Event {
	return c.hub.History(limit)
}
