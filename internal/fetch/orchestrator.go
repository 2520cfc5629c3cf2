// Package fetch composes the cache store, policy engine, network monitor and
// retry strategy into a single read path.
//
// A fetch asks the policy engine for a plan, serves the cache when the plan
// allows it, and otherwise calls the caller's remote function with retries.
// Successful network results are cached under the fetch key with the
// requested importance. When the network path fails the orchestrator falls
// back to the cache unless the policy is network-only.
package fetch

import (
	"context"
	"time"

	"github.com/habitkit/offlinesync/internal/cache"
	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/policy"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/retry"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Source identifies where a result came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// RemoteFunc loads the current value of one logical query from the remote store.
type RemoteFunc func(ctx context.Context) ([]byte, error)

// Options control one fetch.
type Options struct {
	Policy     types.CachePolicy
	Importance types.Importance
	// RetryCount overrides the retry attempt budget when positive.
	RetryCount int
}

// Result is a fetched payload plus how it was obtained.
type Result struct {
	Data           []byte               `json:"data"`
	Source         Source               `json:"source"`
	Duration       time.Duration        `json:"duration"`
	Attempts       int                  `json:"attempts"`
	NetworkQuality types.NetworkQuality `json:"network_quality"`
	IsOnline       bool                 `json:"is_online"`
}

// Orchestrator runs fetches. It is safe for concurrent use.
type Orchestrator struct {
	cache   *cache.Store
	policy  *policy.Engine
	network types.NetworkState
	retry   retry.Config
	jitter  func(max time.Duration) time.Duration
	sleep   retry.SleepFunc
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates an orchestrator.
func New(store *cache.Store, engine *policy.Engine, network types.NetworkState, logger *utils.StructuredLogger) *Orchestrator {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if engine == nil {
		engine = policy.New(false)
	}
	return &Orchestrator{
		cache:   store,
		policy:  engine,
		network: network,
		retry:   retry.DefaultConfig(),
		sleep:   retry.ContextSleep,
		logger:  logger.WithComponent("fetch"),
		now:     time.Now,
	}
}

// WithRetryConfig replaces the fetch retry configuration.
func (o *Orchestrator) WithRetryConfig(c retry.Config) *Orchestrator {
	o.retry = c
	return o
}

// WithJitter replaces the backoff jitter source.
func (o *Orchestrator) WithJitter(fn func(max time.Duration) time.Duration) *Orchestrator {
	o.jitter = fn
	return o
}

// WithSleep replaces the wait between retries.
func (o *Orchestrator) WithSleep(fn retry.SleepFunc) *Orchestrator {
	o.sleep = fn
	return o
}

// WithMetrics attaches a collector.
func (o *Orchestrator) WithMetrics(c *metrics.Collector) *Orchestrator {
	o.metrics = c
	return o
}

// WithClock replaces the time source used for durations.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Policy returns the policy engine.
func (o *Orchestrator) Policy() *policy.Engine {
	return o.policy
}

// Network returns the connectivity view.
func (o *Orchestrator) Network() types.NetworkState {
	return o.network
}

// Fetch returns the value for key according to opts.Policy.
func (o *Orchestrator) Fetch(ctx context.Context, key string, fn RemoteFunc, opts Options) (*Result, error) {
	if fn == nil {
		return nil, errors.NewError(errors.ErrCodeValidationFailed, "remote function is required").
			WithComponent("fetch").
			WithContext("key", key)
	}
	pol, err := policy.ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}

	started := o.now()
	online, quality := o.network.IsOnline(), o.network.Quality()
	plan := o.policy.Next(pol, online, quality)
	decision := o.policy.Decide(pol, online, quality)

	switch plan {
	case policy.PlanCacheOnly, policy.PlanCacheOrFail:
		if data, ok := o.cache.Load(key, opts.Importance); ok {
			return o.cached(key, data, started, 0, online, quality, plan.String()), nil
		}
		o.metrics.RecordFetch(string(SourceCache), "miss", o.now().Sub(started))
		return nil, noCachedData(key, pol)
	case policy.PlanCacheThenNetwork:
		if data, ok := o.cache.Load(key, opts.Importance); ok {
			return o.cached(key, data, started, 0, online, quality, plan.String()), nil
		}
	}

	var data []byte
	outcome := o.retryer(opts).Run(ctx, func(ctx context.Context) error {
		callStarted := o.now()
		d, err := fn(ctx)
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordFetch(string(SourceNetwork), status, o.now().Sub(callStarted))
		if err != nil {
			return err
		}
		data = d
		return nil
	}, func() bool {
		return decision.FallbackToCache && o.cache.Has(key)
	})

	if outcome.Err == nil {
		o.cache.Save(key, data, opts.Importance)
		return &Result{
			Data:           data,
			Source:         SourceNetwork,
			Duration:       o.now().Sub(started),
			Attempts:       outcome.Attempts,
			NetworkQuality: quality,
			IsOnline:       online,
		}, nil
	}

	if decision.FallbackToCache {
		if cached, ok := o.cache.Load(key, opts.Importance); ok {
			o.logger.Info("Network fetch failed, serving cached data", map[string]interface{}{
				"key":      key,
				"attempts": outcome.Attempts,
				"reason":   outcome.Reason,
				"error":    outcome.Err.Error(),
			})
			return o.cached(key, cached, started, outcome.Attempts, online, quality, "fallback"), nil
		}
	}

	o.logger.Warn("Fetch failed", map[string]interface{}{
		"key":      key,
		"policy":   string(pol),
		"attempts": outcome.Attempts,
		"reason":   outcome.Reason,
		"error":    outcome.Err.Error(),
	})
	return nil, outcome.Err
}

func (o *Orchestrator) retryer(opts Options) *retry.Retryer {
	cfg := o.retry
	if opts.RetryCount > 0 {
		cfg.MaxAttempts = opts.RetryCount
	}
	strategy := retry.NewStrategy(cfg)
	if o.jitter != nil {
		strategy = strategy.WithJitter(o.jitter)
	}
	return retry.NewWithStrategy(strategy).WithNetwork(o.network).WithSleep(o.sleep)
}

func (o *Orchestrator) cached(key string, data []byte, started time.Time, attempts int,
	online bool, quality types.NetworkQuality, via string) *Result {
	elapsed := o.now().Sub(started)
	o.metrics.RecordFetch(string(SourceCache), "success", elapsed)
	o.logger.Debug("Serving cached data", map[string]interface{}{
		"key": key,
		"via": via,
	})
	return &Result{
		Data:           data,
		Source:         SourceCache,
		Duration:       elapsed,
		Attempts:       attempts,
		NetworkQuality: quality,
		IsOnline:       online,
	}
}

func noCachedData(key string, pol types.CachePolicy) error {
	return errors.NewError(errors.ErrCodeNoCachedData, "no cached data").
		WithComponent("fetch").
		WithOperation("fetch").
		WithContext("key", key).
		WithContext("policy", string(pol))
}
