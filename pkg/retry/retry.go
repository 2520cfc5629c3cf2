// Package retry provides the retry/backoff strategy shared by fetches and sync queue drains
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the failure count at which retries stop
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the exponential part of the delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// MaxJitter is the exclusive upper bound of the random delay added to every backoff
	MaxJitter time.Duration `yaml:"max_jitter" json:"max_jitter"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the fetch retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultFetchAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxJitter:   DefaultMaxJitter,
	}
}

// SyncConfig returns the configuration used for sync queue items
func SyncConfig() Config {
	c := DefaultConfig()
	c.MaxAttempts = types.MaxRetryAttempts
	return c
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultFetchAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome describes how a retried operation ended.
type Outcome struct {
	Attempts int
	Reason   string
	Err      error
}

// Retryer runs an operation until it succeeds or the strategy stops it.
type Retryer struct {
	strategy *Strategy
	network  types.NetworkState
	sleep    SleepFunc
	onRetry  func(attempt int, err error, delay time.Duration)
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	return &Retryer{
		strategy: NewStrategy(config),
		sleep:    ContextSleep,
		onRetry:  config.OnRetry,
	}
}

// NewWithStrategy creates a Retryer around an existing strategy.
func NewWithStrategy(s *Strategy) *Retryer {
	return &Retryer{strategy: s, sleep: ContextSleep, onRetry: s.config.OnRetry}
}

// Strategy returns the underlying strategy.
func (r *Retryer) Strategy() *Strategy {
	return r.strategy
}

// WithNetwork returns a copy that consults ns for connectivity and quality.
func (r *Retryer) WithNetwork(ns types.NetworkState) *Retryer {
	c := *r
	c.network = ns
	return &c
}

// WithSleep returns a copy that waits with fn between attempts.
func (r *Retryer) WithSleep(fn SleepFunc) *Retryer {
	c := *r
	c.sleep = fn
	return &c
}

// WithOnRetry returns a copy with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	c := *r
	c.onRetry = callback
	return &c
}

// DoWithContext executes fn with retry logic and context support
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	return r.Run(ctx, fn, nil).Err
}

// Run executes fn until it succeeds, returns a non-retryable error, or the
// strategy declines another attempt. hasFallback may be nil.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, hasFallback func() bool) Outcome {
	var lastErr error
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return Outcome{Attempts: failures, Reason: "canceled",
				Err: errors.Wrap(errors.ErrCodeOperationCanceled, "operation canceled", ctx.Err())}
		default:
		}

		err := fn(ctx)
		if err == nil {
			return Outcome{Attempts: failures + 1, Reason: ReasonRetry}
		}
		lastErr = err
		failures++

		if !errors.IsRetryable(err) {
			return Outcome{Attempts: failures, Reason: "non-retryable", Err: err}
		}

		online, quality := true, types.QualityGood
		if r.network != nil {
			online, quality = r.network.IsOnline(), r.network.Quality()
		}
		fallback := hasFallback != nil && hasFallback()
		decision := r.strategy.Decide(failures, online, quality, fallback)
		if !decision.Retry {
			return Outcome{Attempts: failures, Reason: decision.Reason, Err: lastErr}
		}

		delay := r.strategy.Delay(failures - 1)
		if r.onRetry != nil {
			r.onRetry(failures, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return Outcome{Attempts: failures, Reason: "canceled",
				Err: errors.Wrap(errors.ErrCodeOperationCanceled,
					fmt.Sprintf("operation canceled after %d attempts", failures), err)}
		}
	}
}
