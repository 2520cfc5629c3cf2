package offline

import (
	"net/http"
	"time"

	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/retry"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Option configures a Client before its components are built.
type Option func(*Client) error

// WithLogger sets the logger. Without it the logger is built from the
// configuration's global section.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithKV uses store for local persistence instead of opening the configured
// backend. The caller keeps ownership and closes it.
func WithKV(store kv.Store) Option {
	return func(c *Client) error {
		if store == nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "kv store is nil").WithComponent("offline")
		}
		c.kv = store
		return nil
	}
}

// WithRemoteStore applies drained mutations through rs instead of the
// configured S3 store.
func WithRemoteStore(rs syncqueue.RemoteStore) Option {
	return func(c *Client) error {
		c.remote = rs
		return nil
	}
}

// WithRemoteQueue uses q as the server-side sync queue table.
func WithRemoteQueue(q syncqueue.RemoteQueue) Option {
	return func(c *Client) error {
		c.queue = q
		return nil
	}
}

// WithMetrics shares an existing collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithNotifier forwards every notification to n as well as the built-in hub.
func WithNotifier(n types.Notifier) Option {
	return func(c *Client) error {
		c.extraNotifier = n
		return nil
	}
}

// WithHTTPClient sets the client used for connectivity probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithClock replaces the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now == nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "clock is nil").WithComponent("offline")
		}
		c.now = now
		return nil
	}
}

// WithRetryTiming replaces the jitter source and sleep used between fetch
// retries.
func WithRetryTiming(jitter func(max time.Duration) time.Duration, sleep retry.SleepFunc) Option {
	return func(c *Client) error {
		c.jitter = jitter
		c.sleep = sleep
		return nil
	}
}
