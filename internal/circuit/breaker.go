// Package circuit guards remote writes so a failing backend is not hammered
// while the sync queue drains.
package circuit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected until Timeout elapses
	StateOpen
	// StateHalfOpen - a limited number of trial requests pass
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Maximum number of requests allowed to pass through when state is half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Period of the closed state after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state after which the breaker enters half-open state
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that trip the default ReadyToTrip
	FailureThreshold uint32 `yaml:"failure_threshold"`

	ReadyToTrip   func(counts Counts) bool                  `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool                      `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for remote sync writes.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	logger *utils.StructuredLogger
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker; zero config fields take DefaultConfig values.
func New(name string, config Config, logger *utils.StructuredLogger) *Breaker {
	d := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = d.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool {
			return c.ConsecutiveFailures >= threshold
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.WithComponent("circuit").WithField("breaker", name),
		now:    time.Now,
		state:  StateClosed,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// WithClock replaces the time source. Call before the breaker is shared.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	b.expiry = now().Add(b.config.Interval)
	return b
}

// defaultIsSuccessful counts only transient errors against the backend.
// A rejected payload says nothing about backend health, nor does a canceled
// caller.
func defaultIsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.HasCode(err, errors.ErrCodeOperationCanceled) || err == context.Canceled {
		return true
	}
	return !errors.IsRetryable(err)
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

// Allow reports whether a request would currently be admitted, without
// consuming a half-open slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.now())
	if state == StateOpen {
		return false
	}
	return state != StateHalfOpen || b.counts.Requests < b.config.MaxRequests
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if state == StateOpen {
		return rejected("circuit breaker is open", b.name)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return rejected("too many requests in half-open state", b.name)
	}

	b.counts.onRequest(now)
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if !b.expiry.After(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	fields := map[string]interface{}{"from": prev.String(), "to": state.String()}
	if state == StateOpen {
		b.logger.Warn("Circuit opened", fields)
	} else {
		b.logger.Info("Circuit state changed", fields)
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, b.now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// ErrOpenState and ErrTooManyRequests match any rejection via errors.Is.
var (
	// ErrOpenState is returned when the breaker is open
	ErrOpenState = errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent("circuit")

	// ErrTooManyRequests is returned when the half-open trial slots are taken
	ErrTooManyRequests = errors.NewError(errors.ErrCodeCircuitOpen, "too many requests in half-open state").
				WithComponent("circuit")
)

func rejected(msg, name string) error {
	return errors.NewError(errors.ErrCodeCircuitOpen, msg).
		WithComponent("circuit").
		WithContext("breaker", name)
}

// Manager hands out one breaker per remote table.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *utils.StructuredLogger
	now      func() time.Time
}

// NewManager creates a new breaker manager
func NewManager(config Config, logger *utils.StructuredLogger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock sets the time source for breakers created afterwards.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Get gets or creates the breaker with the given name
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.config, m.logger).WithClock(m.now)
	m.breakers[name] = b
	return b
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}

// Stats represents statistics for a single breaker
type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns statistics for all breakers, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, Stats{Name: b.Name(), State: b.State().String(), Counts: b.Counts()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// HealthCheck returns an error naming every open breaker.
func (m *Manager) HealthCheck() error {
	var open []string
	for _, s := range m.Stats() {
		if s.State == StateOpen.String() {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breakers open").
			WithComponent("circuit").
			WithContext("breakers", strings.Join(open, ","))
	}
	return nil
}
