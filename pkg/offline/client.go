// Package offline is the entry point of the sync layer. A Client wires the
// cache, policy engine, network monitor, fetch orchestrator and sync queue
// from one Configuration and owns their background loops.
package offline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/habitkit/offlinesync/internal/cache"
	"github.com/habitkit/offlinesync/internal/circuit"
	"github.com/habitkit/offlinesync/internal/config"
	"github.com/habitkit/offlinesync/internal/fetch"
	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/network"
	"github.com/habitkit/offlinesync/internal/notify"
	"github.com/habitkit/offlinesync/internal/policy"
	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/internal/storage/queuetable"
	"github.com/habitkit/offlinesync/internal/storage/s3"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/health"
	"github.com/habitkit/offlinesync/pkg/retry"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Health component names.
const (
	ComponentKV         = "kv"
	ComponentRemote     = "remote"
	ComponentQueueTable = "queue_table"
	ComponentSync       = "sync"
)

const healthProbeKey = "health:probe"

// Client is the caller-facing sync layer. It is safe for concurrent use.
type Client struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	metrics    *metrics.Collector
	ownMetrics bool

	kv     kv.Store
	ownsKV bool

	cache    *cache.Store
	sweeper  *cache.Sweeper
	monitor  *network.Monitor
	policy   *policy.Engine
	fetcher  *fetch.Orchestrator
	remote   syncqueue.RemoteStore
	s3       *s3.Store
	queue    syncqueue.RemoteQueue
	table    *queuetable.Table
	sync     *syncqueue.Processor
	breakers *circuit.Manager
	hub      *notify.Hub
	health   *health.Tracker

	extraNotifier types.Notifier
	httpClient    *http.Client
	jitter        func(max time.Duration) time.Duration
	sleep         retry.SleepFunc
	now           func() time.Time
	closeLog      func() error

	running     int32
	closed      int32
	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
	reconnected chan struct{}
	wasOnline   atomic.Bool
}

// New validates cfg and builds every component. A nil cfg uses
// config.NewDefault. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:      cfg,
		now:         time.Now,
		reconnected: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if err := c.init(ctx); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	cfg := c.config

	if c.logger == nil {
		logCfg, closer, err := cfg.LoggerConfig()
		if err != nil {
			return err
		}
		c.closeLog = closer
		logger, err := utils.NewStructuredLogger(logCfg)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create logger", err).WithComponent("offline")
		}
		c.logger = logger
	}
	if cfg.Global.UserID != "" {
		c.logger = c.logger.WithField("user_id", cfg.Global.UserID)
	}

	if c.metrics == nil {
		m, err := metrics.NewCollector(&cfg.Monitoring.Metrics)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "failed to create metrics collector", err).WithComponent("offline")
		}
		c.metrics = m
		c.ownMetrics = true
	}

	if c.kv == nil {
		store, err := kv.Open(cfg.Storage.KV)
		if err != nil {
			return err
		}
		c.kv = store
		c.ownsKV = true
	}

	c.cache = cache.New(c.kv, cfg.CacheConfig(), c.logger).
		WithClock(c.now).
		WithMetrics(c.metrics)
	c.sweeper = cache.NewSweeper(c.cache)

	c.monitor = network.New(cfg.NetworkConfig(), c.logger).
		WithClock(c.now).
		WithMetrics(c.metrics)
	if c.httpClient != nil {
		c.monitor.WithHTTPClient(c.httpClient)
	}

	c.policy = policy.New(cfg.Platform.Constrained)
	c.fetcher = fetch.New(c.cache, c.policy, c.monitor, c.logger).
		WithRetryConfig(cfg.FetchRetry()).
		WithMetrics(c.metrics).
		WithClock(c.now)
	if c.jitter != nil {
		c.fetcher.WithJitter(c.jitter)
	}
	if c.sleep != nil {
		c.fetcher.WithSleep(c.sleep)
	}

	if c.remote == nil && cfg.Storage.Remote.Enabled {
		store, err := s3.New(ctx, &cfg.Storage.Remote.Config, c.logger)
		if err != nil {
			return err
		}
		c.s3 = store
		c.remote = store
	}

	if c.queue == nil && cfg.Storage.QueueTable.Enabled {
		table, err := queuetable.Open(ctx, cfg.QueueTableConfig())
		if err != nil {
			return err
		}
		c.table = table
		c.queue = table
	}

	c.breakers = circuit.NewManager(cfg.Sync.CircuitBreaker, c.logger).WithClock(c.now)

	c.hub = notify.NewHub(notify.DefaultHistorySize, c.logger).
		WithMetrics(c.metrics).
		WithClock(c.now)
	var notifier types.Notifier = c.hub
	if c.extraNotifier != nil {
		notifier = notify.Multi(c.hub, c.extraNotifier)
	}

	c.sync = syncqueue.New(c.kv, c.remote, c.queue, c.monitor, cfg.SyncQueue(), c.logger).
		WithStrategy(retry.NewStrategy(cfg.SyncRetry())).
		WithBreakers(c.breakers).
		WithNotifier(notifier).
		WithMetrics(c.metrics).
		WithClock(c.now)

	c.health = health.NewTracker(cfg.Monitoring.Health, c.logger).WithClock(c.now)
	c.registerHealthChecks()

	c.wasOnline.Store(c.monitor.IsOnline())

	c.logger.Info("Offline sync client ready", map[string]interface{}{
		"kv_backend":     cfg.Storage.KV.Backend,
		"remote_store":   c.remote != nil,
		"queue_table":    c.queue != nil,
		"default_policy": cfg.DefaultPolicy(),
		"constrained":    cfg.Platform.Constrained,
	})
	return nil
}

func (c *Client) registerHealthChecks() {
	c.health.Register(ComponentKV, func(ctx context.Context) error {
		if err := c.kv.Set(ctx, healthProbeKey, []byte("ok")); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "kv write probe failed", err).WithComponent("offline")
		}
		if _, err := c.kv.Get(ctx, healthProbeKey); err != nil {
			return errors.Wrap(errors.ErrCodeStorageRead, "kv read probe failed", err).WithComponent("offline")
		}
		return c.kv.Remove(ctx, healthProbeKey)
	})
	if c.s3 != nil {
		c.health.Register(ComponentRemote, c.s3.HealthCheck)
	} else if c.remote != nil {
		c.health.Register(ComponentRemote, nil)
	}
	if c.queue != nil {
		c.health.Register(ComponentQueueTable, func(ctx context.Context) error {
			_, err := c.queue.Count(ctx)
			return err
		})
	}
	c.health.Register(ComponentSync, func(context.Context) error {
		return c.breakers.HealthCheck()
	})
}

// Start runs the network monitor, cache sweeper, health checks and metrics
// endpoint, and drains the sync queue after connectivity returns when
// auto-drain is enabled.
func (c *Client) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "client already started").WithComponent("offline")
	}

	if err := c.monitor.Start(ctx); err != nil {
		atomic.StoreInt32(&c.running, 0)
		return err
	}
	c.sweeper.Start(ctx)
	if err := c.health.Start(ctx); err != nil {
		c.logger.Warn("Health checks not started", map[string]interface{}{"error": err.Error()})
	}
	if c.ownMetrics {
		if err := c.metrics.Start(ctx); err != nil {
			c.logger.Warn("Metrics endpoint not started", map[string]interface{}{"error": err.Error()})
		}
	}

	c.wasOnline.Store(c.monitor.IsOnline())
	c.unsubscribe = c.monitor.Subscribe(c.onConnectivity)

	c.stopCh = make(chan struct{})
	if c.config.Sync.AutoDrain {
		c.wg.Add(1)
		go c.autoDrain(ctx, c.stopCh)
	}

	c.logger.Info("Offline sync client started", map[string]interface{}{
		"auto_drain": c.config.Sync.AutoDrain,
	})
	return nil
}

// onConnectivity runs on the monitor's goroutine and must not block.
func (c *Client) onConnectivity(st types.ConnectionStatus) {
	was := c.wasOnline.Swap(st.IsOnline)
	if was || !st.IsOnline {
		return
	}
	// Failures recorded while offline say nothing about the remote store.
	c.breakers.ResetAll()
	select {
	case c.reconnected <- struct{}{}:
	default:
	}
}

func (c *Client) autoDrain(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-c.reconnected:
		}

		// Connectivity often flaps right after reconnecting.
		timer := time.NewTimer(c.config.Sync.ReconnectDebounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.monitor.IsOnline() || c.remote == nil {
			continue
		}
		res, err := c.sync.Process(ctx)
		if err != nil {
			c.logger.Warn("Automatic sync after reconnect failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		c.logger.Debug("Automatic sync after reconnect", map[string]interface{}{
			"applied": res.Applied,
			"skipped": res.Skipped,
		})
	}
}

// Close stops background work, flushes the cache index and releases the
// resources the client opened.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.stopCh)
		c.wg.Wait()
		c.monitor.Stop()
		c.sweeper.Stop()
		c.health.Stop()
		if c.ownMetrics {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.metrics.Stop(ctx); err != nil {
				c.logger.Warn("Failed to stop metrics endpoint", map[string]interface{}{"error": err.Error()})
			}
			cancel()
		}
	}

	c.cache.Flush()
	c.logger.Info("Offline sync client closed")
	return c.release()
}

func (c *Client) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.table != nil {
		keep(c.table.Close())
		c.table = nil
	}
	if c.ownsKV && c.kv != nil {
		keep(c.kv.Close())
		c.ownsKV = false
	}
	if c.closeLog != nil {
		keep(c.closeLog())
		c.closeLog = nil
	}
	return first
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Configuration {
	return c.config
}

// Network returns the connectivity monitor.
func (c *Client) Network() *network.Monitor {
	return c.monitor
}

// Cache returns the adaptive cache.
func (c *Client) Cache() *cache.Store {
	return c.cache
}

// Metrics returns the metrics collector.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Logger returns the client's logger.
func (c *Client) Logger() *utils.StructuredLogger {
	return c.logger
}
