package retry

import (
	"math/rand/v2"
	"time"

	"github.com/habitkit/offlinesync/pkg/types"
)

// Default limits. Fetches give up after DefaultFetchAttempts failures, sync
// queue items after types.MaxRetryAttempts.
const (
	DefaultFetchAttempts = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultMaxJitter     = time.Second
)

// Reasons reported by Decide.
const (
	ReasonRetry       = "retry"
	ReasonServeCache  = "serve-cache"
	ReasonOffline     = "offline"
	ReasonMaxAttempts = "max-attempts"
	ReasonPoorNetwork = "poor-network"
)

// Decision is the outcome of consulting the strategy after a failure.
type Decision struct {
	Retry  bool
	Reason string
}

// Strategy decides whether a failed operation should be repeated and how long
// to wait before doing so.
type Strategy struct {
	config Config
	jitter func(max time.Duration) time.Duration
}

// NewStrategy creates a strategy, applying defaults for zero values.
func NewStrategy(config Config) *Strategy {
	return &Strategy{config: config.withDefaults(), jitter: randomJitter}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// WithJitter replaces the jitter source; fn receives MaxJitter and must return
// a value in [0, MaxJitter).
func (s *Strategy) WithJitter(fn func(max time.Duration) time.Duration) *Strategy {
	return &Strategy{config: s.config, jitter: fn}
}

// Config returns the effective configuration.
func (s *Strategy) Config() Config {
	return s.config
}

// MaxAttempts returns the failure count at which retries stop.
func (s *Strategy) MaxAttempts() int {
	return s.config.MaxAttempts
}

// Decide evaluates the rules in order: connectivity, attempt budget, then
// connection quality.
func (s *Strategy) Decide(failureCount int, isOnline bool, quality types.NetworkQuality, hasCacheFallback bool) Decision {
	if !isOnline {
		if hasCacheFallback {
			return Decision{Retry: false, Reason: ReasonServeCache}
		}
		return Decision{Retry: false, Reason: ReasonOffline}
	}
	if failureCount >= s.config.MaxAttempts {
		return Decision{Retry: false, Reason: ReasonMaxAttempts}
	}
	if quality == types.QualityPoor && failureCount >= 1 {
		return Decision{Retry: false, Reason: ReasonPoorNetwork}
	}
	return Decision{Retry: true, Reason: ReasonRetry}
}

// ShouldRetry is Decide reduced to its boolean.
func (s *Strategy) ShouldRetry(failureCount int, isOnline bool, quality types.NetworkQuality, hasCacheFallback bool) bool {
	return s.Decide(failureCount, isOnline, quality, hasCacheFallback).Retry
}

// Delay returns min(MaxDelay, BaseDelay*2^attempt) plus jitter in [0, MaxJitter).
// Negative attempts are treated as zero.
func (s *Strategy) Delay(attempt int) time.Duration {
	return s.Backoff(attempt) + s.jitter(s.config.MaxJitter)
}

// Backoff is Delay without jitter.
func (s *Strategy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := s.config.BaseDelay
	// Doubling stops at the cap, so large attempts cannot overflow.
	for i := 0; i < attempt && d < s.config.MaxDelay; i++ {
		d *= 2
	}
	if d > s.config.MaxDelay {
		d = s.config.MaxDelay
	}
	return d
}
