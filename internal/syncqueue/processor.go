// Package syncqueue queues mutations made while offline (or while the remote
// store is failing) and drains them to the remote store once online.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/habitkit/offlinesync/internal/circuit"
	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/retry"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Reasons a drain did not run.
const (
	SkipOffline     = "offline"
	SkipInFlight    = "in-flight"
	SkipRateLimited = "rate-limited"
)

// Config contains sync queue configuration
type Config struct {
	BatchSize        int               `yaml:"batch_size"`         // Remote items loaded per drain
	SubBatchSize     int               `yaml:"sub_batch_size"`     // Items per remote request group
	MinDrainInterval time.Duration     `yaml:"min_drain_interval"` // Between completed drains
	NotifyThreshold  int               `yaml:"notify_threshold"`   // Applied count above which a success notice is sent
	MaxRetryAttempts int               `yaml:"max_retry_attempts"`
	MaxDeadLetters   int               `yaml:"max_dead_letters"`
	UserID           string            `yaml:"user_id"`
	EntityTables     map[string]string `yaml:"entity_tables"`
}

// DefaultConfig returns the default sync queue configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		SubBatchSize:     10,
		MinDrainInterval: 30 * time.Second,
		NotifyThreshold:  2,
		MaxRetryAttempts: types.MaxRetryAttempts,
		MaxDeadLetters:   100,
		EntityTables:     DefaultEntityTables(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = d.SubBatchSize
	}
	if c.MinDrainInterval <= 0 {
		c.MinDrainInterval = d.MinDrainInterval
	}
	if c.NotifyThreshold <= 0 {
		c.NotifyThreshold = d.NotifyThreshold
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.MaxDeadLetters <= 0 {
		c.MaxDeadLetters = d.MaxDeadLetters
	}
	if c.EntityTables == nil {
		c.EntityTables = d.EntityTables
	}
	return c
}

// DrainResult summarises one drain.
type DrainResult struct {
	Skipped      string        `json:"skipped,omitempty"`
	Applied      int           `json:"applied"`
	Retried      int           `json:"retried"`
	Dropped      int           `json:"dropped"`
	Superseded   int           `json:"superseded"`
	Deferred     int           `json:"deferred"`
	Untouched    int           `json:"untouched"`
	StoppedEarly bool          `json:"stopped_early,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Depth is the number of items waiting to be applied.
type Depth struct {
	Local  int   `json:"local"`
	Remote int64 `json:"remote"`
}

// Total returns local plus remote.
func (d Depth) Total() int64 {
	return int64(d.Local) + d.Remote
}

// Processor owns the local fallback queue and drains both queues.
type Processor struct {
	config   Config
	local    localList
	remote   RemoteStore
	queue    RemoteQueue
	network  types.NetworkState
	strategy *retry.Strategy
	breakers *circuit.Manager
	notifier types.Notifier
	metrics  *metrics.Collector
	logger   *utils.StructuredLogger
	now      func() time.Time
	newID    func() string

	localMu sync.Mutex

	draining  int32
	stateMu   sync.Mutex
	lastDrain time.Time
}

// New creates a processor. queue may be nil, in which case every mutation is
// kept in the local list until drained.
func New(store kv.Store, remote RemoteStore, queue RemoteQueue, network types.NetworkState, config Config, logger *utils.StructuredLogger) *Processor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Processor{
		config:   config.withDefaults(),
		local:    localList{store: store},
		remote:   remote,
		queue:    queue,
		network:  network,
		strategy: retry.NewStrategy(retry.SyncConfig()),
		breakers: circuit.NewManager(circuit.DefaultConfig(), logger),
		logger:   logger.WithComponent("syncqueue"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithStrategy replaces the backoff strategy used to schedule retries.
func (p *Processor) WithStrategy(s *retry.Strategy) *Processor {
	p.strategy = s
	return p
}

// WithBreakers replaces the per-table circuit breakers.
func (p *Processor) WithBreakers(m *circuit.Manager) *Processor {
	p.breakers = m
	return p
}

// WithNotifier sets the user notification sink.
func (p *Processor) WithNotifier(n types.Notifier) *Processor {
	p.notifier = n
	return p
}

// WithMetrics attaches a collector.
func (p *Processor) WithMetrics(c *metrics.Collector) *Processor {
	p.metrics = c
	return p
}

// WithClock replaces the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Breakers returns the per-table circuit breakers.
func (p *Processor) Breakers() *circuit.Manager {
	return p.breakers
}

// Enqueue records a mutation. While online it goes to the remote queue table;
// when offline, or if that insert fails, it is appended to the local list.
func (p *Processor) Enqueue(ctx context.Context, entityID, entityType string, action types.Action, data json.RawMessage, priority int) (types.SyncQueueItem, error) {
	if !action.Valid() {
		return types.SyncQueueItem{}, errors.NewError(errors.ErrCodeInvalidAction, "unknown sync action").
			WithComponent("syncqueue").
			WithOperation("enqueue").
			WithContext("action", string(action))
	}

	item := types.SyncQueueItem{
		UserID:     p.config.UserID,
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Data:       data,
		CreatedAt:  p.now(),
		Priority:   priority,
	}

	if p.queue != nil && p.isOnline() {
		stored, err := p.queue.Insert(ctx, item)
		if err == nil {
			p.logger.Debug("Queued mutation remotely", map[string]interface{}{
				"entity_id": entityID,
				"action":    action,
				"id":        stored.ID,
			})
			return stored, nil
		}
		p.logger.Warn("Remote queue insert failed, keeping mutation locally", map[string]interface{}{
			"entity_id": entityID,
			"error":     err.Error(),
		})
	}

	item.LocalID = p.newID()

	p.localMu.Lock()
	defer p.localMu.Unlock()

	items, err := p.loadLocalLocked(ctx)
	if err != nil {
		return types.SyncQueueItem{}, err
	}
	items = append(items, item)
	if err := p.local.save(ctx, items); err != nil {
		return types.SyncQueueItem{}, err
	}

	p.logger.Debug("Queued mutation locally", map[string]interface{}{
		"entity_id": entityID,
		"action":    action,
		"local_id":  item.LocalID,
		"depth":     len(items),
	})
	return item, nil
}

// loadLocalLocked reads the local list; a corrupt list is discarded.
func (p *Processor) loadLocalLocked(ctx context.Context) ([]types.SyncQueueItem, error) {
	items, err := p.local.load(ctx)
	if errors.HasCode(err, errors.ErrCodeCacheCorrupt) {
		p.logger.Error("Discarding corrupt local sync queue", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, nil
	}
	return items, err
}

// Process drains both queues if online, no drain is running and the last
// drain completed at least MinDrainInterval ago. A skipped drain is reported
// through DrainResult.Skipped, not an error.
func (p *Processor) Process(ctx context.Context) (*DrainResult, error) {
	return p.run(ctx, true)
}

// DrainNow is Process without the rate limit.
func (p *Processor) DrainNow(ctx context.Context) (*DrainResult, error) {
	return p.run(ctx, false)
}

// InFlight reports whether a drain is running.
func (p *Processor) InFlight() bool {
	return atomic.LoadInt32(&p.draining) == 1
}

// LastDrain returns when the last drain completed.
func (p *Processor) LastDrain() time.Time {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.lastDrain
}

func (p *Processor) isOnline() bool {
	return p.network == nil || p.network.IsOnline()
}

func (p *Processor) run(ctx context.Context, rateLimited bool) (*DrainResult, error) {
	if !p.isOnline() {
		p.metrics.RecordDrain(SkipOffline)
		return &DrainResult{Skipped: SkipOffline}, nil
	}
	if !atomic.CompareAndSwapInt32(&p.draining, 0, 1) {
		p.metrics.RecordDrain(SkipInFlight)
		return &DrainResult{Skipped: SkipInFlight}, nil
	}
	defer atomic.StoreInt32(&p.draining, 0)

	if rateLimited {
		last := p.LastDrain()
		if !last.IsZero() && p.now().Sub(last) < p.config.MinDrainInterval {
			p.metrics.RecordDrain(SkipRateLimited)
			return &DrainResult{Skipped: SkipRateLimited}, nil
		}
	}

	start := p.now()
	res, err := p.drain(ctx)
	res.Duration = p.now().Sub(start)

	p.stateMu.Lock()
	p.lastDrain = p.now()
	p.stateMu.Unlock()

	switch {
	case err != nil:
		p.metrics.RecordDrain("failed")
	case res.StoppedEarly:
		p.metrics.RecordDrain("circuit-open")
	default:
		p.metrics.RecordDrain("completed")
	}
	return res, err
}

type entry struct {
	item  types.SyncQueueItem
	local bool
}

type dropped struct {
	entry
	reason string
}

type drainPlan struct {
	ready      []entry
	superseded []entry
	dropped    []dropped
	deferred   int
}

// supersedes reports whether a wins over b for the same entity: the newer
// mutation wins, and on equal timestamps the local copy wins.
func supersedes(a, b entry) bool {
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.After(b.item.CreatedAt)
	}
	return a.local && !b.local
}

func (p *Processor) plan(remote, local []types.SyncQueueItem, now time.Time) drainPlan {
	var pl drainPlan

	// A local item with a server ID is the retry copy of that remote row.
	retrying := make(map[string]bool)
	for _, it := range local {
		if it.ID != "" {
			retrying[it.ID] = true
		}
	}

	candidates := make([]entry, 0, len(remote)+len(local))
	for _, it := range remote {
		if !retrying[it.ID] {
			candidates = append(candidates, entry{item: it})
		}
	}
	for _, it := range local {
		candidates = append(candidates, entry{item: it, local: true})
	}

	index := make(map[string]int)
	var winners []entry
	for _, e := range candidates {
		if e.item.RetryCount >= p.config.MaxRetryAttempts {
			pl.dropped = append(pl.dropped, dropped{entry: e, reason: "retry limit reached"})
			continue
		}
		if !e.item.Action.Valid() {
			pl.dropped = append(pl.dropped, dropped{entry: e, reason: "unknown action " + string(e.item.Action)})
			continue
		}

		key := e.item.EntityType + "/" + e.item.EntityID
		i, seen := index[key]
		switch {
		case !seen:
			index[key] = len(winners)
			winners = append(winners, e)
		case supersedes(e, winners[i]):
			pl.superseded = append(pl.superseded, winners[i])
			winners[i] = e
		default:
			pl.superseded = append(pl.superseded, e)
		}
	}

	for _, e := range winners {
		if e.item.NextAttemptAt.After(now) {
			pl.deferred++
			continue
		}
		pl.ready = append(pl.ready, e)
	}
	return pl
}

type tableGroup struct {
	table   string
	entries []entry
}

// groupByTable keeps first-seen table order and item order within a table.
func (p *Processor) groupByTable(entries []entry) []tableGroup {
	var groups []tableGroup
	index := make(map[string]int)
	for _, e := range entries {
		table := p.TableFor(e.item.EntityType)
		i, ok := index[table]
		if !ok {
			i = len(groups)
			index[table] = i
			groups = append(groups, tableGroup{table: table})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	return groups
}

type failure struct {
	entry
	err error
}

type drainOutcome struct {
	applied      []entry
	failed       []failure
	untouched    int
	stoppedEarly bool
}

// drainOrder is the fixed order actions are applied in.
var drainOrder = []types.Action{types.ActionDelete, types.ActionUpdate, types.ActionAdd}

func (p *Processor) drain(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}

	var remote []types.SyncQueueItem
	if p.queue != nil {
		items, err := p.queue.Pending(ctx, p.config.BatchSize)
		if err != nil {
			p.logger.Warn("Failed to load remote sync queue, draining local items only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			remote = items
		}
	}

	p.localMu.Lock()
	local, err := p.loadLocalLocked(ctx)
	p.localMu.Unlock()
	if err != nil {
		return res, err
	}

	pl := p.plan(remote, local, p.now())
	res.Deferred = pl.deferred

	byAction := make(map[types.Action][]entry)
	for _, e := range pl.ready {
		byAction[e.item.Action] = append(byAction[e.item.Action], e)
	}

	var out drainOutcome
	for _, action := range drainOrder {
		for _, g := range p.groupByTable(byAction[action]) {
			for start := 0; start < len(g.entries); start += p.config.SubBatchSize {
				end := start + p.config.SubBatchSize
				if end > len(g.entries) {
					end = len(g.entries)
				}
				chunk := g.entries[start:end]

				if out.stoppedEarly || ctx.Err() != nil {
					out.untouched += len(chunk)
					continue
				}
				breaker := p.breakers.Get(g.table)
				if !breaker.Allow() {
					p.logger.Warn("Remote table circuit open, stopping drain", map[string]interface{}{
						"table": g.table,
					})
					out.stoppedEarly = true
					out.untouched += len(chunk)
					continue
				}

				var errs []error
				switch action {
				case types.ActionDelete:
					errs = p.processDeleteBatch(ctx, breaker, g.table, chunk)
				case types.ActionUpdate:
					errs = p.processUpdateBatch(ctx, breaker, g.table, chunk)
				case types.ActionAdd:
					errs = p.processAddBatch(ctx, breaker, g.table, chunk)
				}
				p.collect(ctx, chunk, errs, &out)
			}
		}
	}

	return p.finish(ctx, res, pl, out)
}

func (p *Processor) processDeleteBatch(ctx context.Context, b *circuit.Breaker, table string, chunk []entry) []error {
	ids := make([]string, len(chunk))
	for i, e := range chunk {
		ids[i] = e.item.EntityID
	}
	err := b.Execute(ctx, func(ctx context.Context) error {
		return p.remote.Delete(ctx, table, ids)
	})
	return repeat(err, len(chunk))
}

// processUpdateBatch issues one request per item concurrently and waits for
// all of them; one failure does not cancel the others.
func (p *Processor) processUpdateBatch(ctx context.Context, b *circuit.Breaker, table string, chunk []entry) []error {
	errs := make([]error, len(chunk))
	var g errgroup.Group
	for i, e := range chunk {
		g.Go(func() error {
			errs[i] = b.Execute(ctx, func(ctx context.Context) error {
				return p.remote.Update(ctx, table, e.item.EntityID, e.item.Data)
			})
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (p *Processor) processAddBatch(ctx context.Context, b *circuit.Breaker, table string, chunk []entry) []error {
	ids := make([]string, len(chunk))
	rows := make([]json.RawMessage, len(chunk))
	for i, e := range chunk {
		ids[i] = e.item.EntityID
		rows[i] = e.item.Data
	}
	err := b.Execute(ctx, func(ctx context.Context) error {
		return p.remote.Insert(ctx, table, ids, rows)
	})
	return repeat(err, len(chunk))
}

func repeat(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func (p *Processor) collect(ctx context.Context, chunk []entry, errs []error, out *drainOutcome) {
	for i, e := range chunk {
		err := errs[i]
		switch {
		case err == nil:
			out.applied = append(out.applied, e)
		case errors.HasCode(err, errors.ErrCodeCircuitOpen):
			// Rejected before reaching the remote store; no attempt to count.
			out.stoppedEarly = true
			out.untouched++
		case ctx.Err() != nil:
			out.untouched++
		default:
			p.logger.Warn("Failed to apply sync item", map[string]interface{}{
				"entity_id":   e.item.EntityID,
				"action":      e.item.Action,
				"retry_count": e.item.RetryCount,
				"error":       err.Error(),
			})
			out.failed = append(out.failed, failure{entry: e, err: err})
		}
	}
}

func (p *Processor) finish(ctx context.Context, res *DrainResult, pl drainPlan, out drainOutcome) (*DrainResult, error) {
	now := p.now()
	remove := make(map[string]bool)
	var synced []string
	var upsert []types.SyncQueueItem
	drops := pl.dropped

	retire := func(e entry) {
		if e.item.ID != "" {
			synced = append(synced, e.item.ID)
		}
		if e.local {
			remove[e.item.LocalID] = true
		}
	}
	for _, e := range out.applied {
		retire(e)
	}
	for _, e := range pl.superseded {
		retire(e)
	}

	for _, f := range out.failed {
		it := f.item
		it.RetryCount++
		it.LastError = f.err.Error()
		// A payload the remote store rejected as invalid never succeeds.
		if it.RetryCount >= p.config.MaxRetryAttempts || errors.HasCode(f.err, errors.ErrCodeValidationFailed) {
			drops = append(drops, dropped{entry: entry{item: it, local: f.local}, reason: it.LastError})
			continue
		}
		it.NextAttemptAt = now.Add(p.strategy.Delay(it.RetryCount - 1))
		if it.LocalID == "" {
			it.LocalID = p.newID()
		}
		upsert = append(upsert, it)
	}

	var dead []types.DroppedItem
	for _, d := range drops {
		if d.local {
			remove[d.item.LocalID] = true
		}
		if d.item.ID != "" && p.queue != nil {
			if err := p.queue.MarkFailed(ctx, d.item.ID, d.reason, now); err != nil {
				p.logger.Warn("Failed to mark sync item failed", map[string]interface{}{
					"id":    d.item.ID,
					"error": err.Error(),
				})
			}
		}
		p.logger.Error("Dropping sync item after repeated failures", map[string]interface{}{
			"entity_id":   d.item.EntityID,
			"entity_type": d.item.EntityType,
			"action":      d.item.Action,
			"retry_count": d.item.RetryCount,
			"reason":      d.reason,
		})
		dead = append(dead, types.DroppedItem{Item: d.item, DroppedAt: now, Reason: d.reason})
	}

	p.localMu.Lock()
	local, err := p.loadLocalLocked(ctx)
	if err == nil {
		err = p.local.save(ctx, applyChanges(local, remove, upsert))
	}
	p.localMu.Unlock()
	if err != nil {
		return res, err
	}

	if len(synced) > 0 && p.queue != nil {
		if err := p.queue.MarkSynced(ctx, synced, now); err != nil {
			p.logger.Warn("Failed to mark sync items synced", map[string]interface{}{
				"count": len(synced),
				"error": err.Error(),
			})
		}
	}
	if len(dead) > 0 {
		p.recordDeadLetters(ctx, dead)
	}

	res.Applied = len(out.applied)
	res.Retried = len(upsert)
	res.Dropped = len(drops)
	res.Superseded = len(pl.superseded)
	res.Untouched = out.untouched
	res.StoppedEarly = out.stoppedEarly

	p.recordItems(out.applied, "applied")
	p.recordItems(pl.superseded, "superseded")
	for _, f := range out.failed {
		p.metrics.RecordSyncItems(f.item.Action, "failed", 1)
	}
	for _, d := range drops {
		p.metrics.RecordSyncItems(d.item.Action, "dropped", 1)
	}

	if res.Dropped > 0 {
		p.notify(ctx, types.Notification{
			Level:   types.NotifyWarning,
			Title:   "Some changes could not be saved",
			Message: fmt.Sprintf("%d changes could not be saved", res.Dropped),
			Count:   res.Dropped,
		})
	}
	if res.Applied > p.config.NotifyThreshold {
		p.notify(ctx, types.Notification{
			Level:   types.NotifySuccess,
			Title:   "Changes synced",
			Message: fmt.Sprintf("%d offline changes synced", res.Applied),
			Count:   res.Applied,
		})
	}

	if depth, err := p.Pending(ctx); err == nil {
		p.metrics.SetQueueDepth(int(depth.Total()))
	}

	p.logger.Info("Sync queue drained", map[string]interface{}{
		"applied":       res.Applied,
		"retried":       res.Retried,
		"dropped":       res.Dropped,
		"superseded":    res.Superseded,
		"deferred":      res.Deferred,
		"untouched":     res.Untouched,
		"stopped_early": res.StoppedEarly,
	})
	return res, nil
}

func (p *Processor) recordItems(entries []entry, result string) {
	for _, e := range entries {
		p.metrics.RecordSyncItems(e.item.Action, result, 1)
	}
}

func (p *Processor) recordDeadLetters(ctx context.Context, dead []types.DroppedItem) {
	p.localMu.Lock()
	defer p.localMu.Unlock()

	existing, err := p.local.loadDead(ctx)
	if err != nil {
		p.logger.Warn("Resetting unreadable dead letter list", map[string]interface{}{"error": err.Error()})
		existing = nil
	}
	all := append(existing, dead...)
	if over := len(all) - p.config.MaxDeadLetters; over > 0 {
		all = all[over:]
	}
	if err := p.local.saveDead(ctx, all); err != nil {
		p.logger.Error("Failed to persist dead letters", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Processor) notify(ctx context.Context, n types.Notification) {
	if p.notifier != nil {
		p.notifier.Notify(ctx, n)
	}
}

// Pending reports how many items are waiting in each queue.
func (p *Processor) Pending(ctx context.Context) (Depth, error) {
	p.localMu.Lock()
	local, err := p.loadLocalLocked(ctx)
	p.localMu.Unlock()
	if err != nil {
		return Depth{}, err
	}

	d := Depth{Local: len(local)}
	if p.queue != nil && p.isOnline() {
		n, err := p.queue.Count(ctx)
		if err != nil {
			return d, err
		}
		d.Remote = n
	}
	return d, nil
}

// LocalItems returns a copy of the local fallback list.
func (p *Processor) LocalItems(ctx context.Context) ([]types.SyncQueueItem, error) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	return p.loadLocalLocked(ctx)
}

// DeadLetters returns items dropped after exhausting their retries, oldest first.
func (p *Processor) DeadLetters(ctx context.Context) ([]types.DroppedItem, error) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	return p.local.loadDead(ctx)
}

// ClearDeadLetters acknowledges all dropped items.
func (p *Processor) ClearDeadLetters(ctx context.Context) error {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	if err := p.local.store.Remove(ctx, DeadLetterKey); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to clear dead letters", err).
			WithComponent("syncqueue")
	}
	return nil
}
