package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

// DefaultStaleTime is how long a query result is served without refetching
// on a good connection.
const DefaultStaleTime = 5 * time.Minute

// Get fetches key and decodes the payload into T. Network values are encoded
// as JSON before they are cached.
func Get[T any](ctx context.Context, o *Orchestrator, key string, fn func(ctx context.Context) (T, error), opts Options) (T, *Result, error) {
	var zero T
	res, err := o.Fetch(ctx, key, encodeRemote(fn), opts)
	if err != nil {
		return zero, nil, err
	}

	var out T
	if err := json.Unmarshal(res.Data, &out); err != nil {
		if res.Source == SourceCache {
			o.cache.Invalidate(key)
		}
		return zero, res, errors.Wrap(errors.ErrCodeCacheCorrupt, "payload does not match the requested type", err).
			WithComponent("fetch").
			WithContext("key", key).
			WithContext("source", string(res.Source))
	}
	return out, res, nil
}

func encodeRemote[T any](fn func(ctx context.Context) (T, error)) RemoteFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidationFailed, "remote value is not serializable", err).
				WithComponent("fetch")
		}
		return raw, nil
	}
}

// QueryOptions configure a Query.
type QueryOptions struct {
	Options
	// StaleTime is the base freshness window, scaled by the policy engine for
	// the current connection.
	StaleTime time.Duration
}

// State is the caller-visible snapshot of a query.
type State[T any] struct {
	Data             T
	HasData          bool
	Source           Source
	UpdatedAt        time.Time
	IsLoading        bool
	IsFetching       bool
	IsInitialLoading bool
	IsError          bool
	Err              error
	NetworkQuality   types.NetworkQuality
	IsOnline         bool
}

// Query tracks one logical read across repeated loads. Concurrent loads
// share a single fetch.
type Query[T any] struct {
	o    *Orchestrator
	key  string
	fn   func(ctx context.Context) (T, error)
	opts QueryOptions

	group singleflight.Group

	mu    sync.RWMutex
	state State[T]
}

// NewQuery creates a query. Nothing is fetched until Load or Refetch.
func NewQuery[T any](o *Orchestrator, key string, fn func(ctx context.Context) (T, error), opts QueryOptions) *Query[T] {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	return &Query[T]{
		o:    o,
		key:  key,
		fn:   fn,
		opts: opts,
		state: State[T]{
			IsLoading:        true,
			IsInitialLoading: true,
		},
	}
}

// Key returns the cache key of the query.
func (q *Query[T]) Key() string {
	return q.key
}

// State returns the current snapshot with live connectivity fields.
func (q *Query[T]) State() State[T] {
	q.mu.RLock()
	s := q.state
	q.mu.RUnlock()

	if n := q.o.Network(); n != nil {
		s.IsOnline, s.NetworkQuality = n.IsOnline(), n.Quality()
	}
	return s
}

// Load returns the current data, fetching only when the last result is older
// than the stale time for the current connection.
func (q *Query[T]) Load(ctx context.Context) (State[T], error) {
	if q.fresh() {
		return q.State(), nil
	}
	return q.run(ctx, q.opts.Options)
}

// Refetch ignores the stale time. A cache-first query goes to the network.
func (q *Query[T]) Refetch(ctx context.Context) (State[T], error) {
	opts := q.opts.Options
	if opts.Policy == types.PolicyCacheFirst {
		opts.Policy = types.PolicyNetworkFirst
	}
	return q.run(ctx, opts)
}

// Invalidate drops the cached payload and marks the query stale.
func (q *Query[T]) Invalidate() {
	q.o.cache.Invalidate(q.key)
	q.mu.Lock()
	q.state.UpdatedAt = time.Time{}
	q.mu.Unlock()
}

func (q *Query[T]) fresh() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.state.HasData || q.state.IsError {
		return false
	}
	n := q.o.Network()
	stale := q.o.Policy().StaleTime(q.opts.StaleTime, n.IsOnline(), n.Quality())
	return q.o.now().Sub(q.state.UpdatedAt) < stale
}

func (q *Query[T]) run(ctx context.Context, opts Options) (State[T], error) {
	q.mu.Lock()
	q.state.IsFetching = true
	q.state.IsLoading = !q.state.HasData
	q.mu.Unlock()

	_, err, _ := q.group.Do(q.key, func() (interface{}, error) {
		data, res, err := Get(ctx, q.o, q.key, q.fn, opts)

		q.mu.Lock()
		defer q.mu.Unlock()
		if err == nil {
			q.state.Data = data
			q.state.HasData = true
			q.state.Source = res.Source
			q.state.UpdatedAt = q.o.now()
		}
		q.state.IsError = err != nil
		q.state.Err = err
		q.state.IsFetching = false
		q.state.IsLoading = false
		q.state.IsInitialLoading = false
		return nil, err
	})
	return q.State(), err
}
