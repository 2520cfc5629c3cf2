// Package health tracks the health of the sync layer's backing services and
// degrades them step by step as consecutive errors accumulate.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// State represents the health state of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates the component is failing intermittently
	StateDegraded

	// StateReadOnly indicates reads still work but writes are rejected
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth is a snapshot of one component.
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Report is the result of checking every component.
type Report struct {
	Overall    State             `json:"overall"`
	Components []ComponentHealth `json:"components"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval is the period of the background check loop
	CheckInterval time.Duration `yaml:"check_interval"`

	// CheckTimeout bounds a single component check
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        time.Minute,
		CheckTimeout:         5 * time.Second,
	}
}

// StateChangeCallback is called after a component changes state.
type StateChangeCallback func(component string, from, to State, err error)

type component struct {
	ComponentHealth
	check CheckFunc
}

// Tracker tracks the health of multiple components. It is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	callbacks  []StateChangeCallback
	config     Config
	logger     *utils.StructuredLogger
	now        func() time.Time

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTracker creates a new health tracker
func NewTracker(config Config, logger *utils.StructuredLogger) *Tracker {
	d := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = d.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = d.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = d.CheckTimeout
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
		logger:     logger.WithComponent("health"),
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Register adds a component. check may be nil for components whose health is
// only reported through RecordSuccess and RecordError.
func (t *Tracker) Register(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, exists := t.components[name]; exists {
		c.check = check
		return
	}
	now := t.now()
	t.components[name] = &component{
		ComponentHealth: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		},
		check: check,
	}
}

// OnStateChange registers a callback for every state transition.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful operation. Each success cancels one
// earlier error; the component recovers once the error count reaches zero.
func (t *Tracker) RecordSuccess(name string) {
	t.record(name, nil)
}

// RecordError records a failed operation.
func (t *Tracker) RecordError(name string, err error) {
	if err == nil {
		err = errors.NewError(errors.ErrCodeInternalError, "unknown failure")
	}
	t.record(name, err)
}

func (t *Tracker) record(name string, err error) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	from := c.State
	c.LastCheck = t.now()
	if err == nil {
		if c.ConsecutiveErrors > 0 {
			c.ConsecutiveErrors--
		}
		if c.ConsecutiveErrors == 0 && c.State != StateHealthy {
			t.transitionLocked(c, StateHealthy)
		}
	} else {
		c.ConsecutiveErrors++
		c.LastError = err.Error()
		switch {
		case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
			t.transitionLocked(c, StateUnavailable)
		case c.ConsecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				t.transitionLocked(c, StateReadOnly)
			} else {
				t.transitionLocked(c, StateDegraded)
			}
		}
	}
	to, lastErr := c.State, c.LastError
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if from == to {
		return
	}
	fields := map[string]interface{}{
		"component": name,
		"from":      from.String(),
		"to":        to.String(),
	}
	if to == StateHealthy {
		t.logger.Info("Component recovered", fields)
	} else {
		fields["error"] = lastErr
		t.logger.Warn("Component health changed", fields)
	}
	for _, cb := range callbacks {
		cb(name, from, to, err)
	}
}

// transitionLocked must be called with t.mu held.
func (t *Tracker) transitionLocked(c *component, to State) {
	if c.State == to {
		return
	}
	c.State = to
	c.LastStateChange = t.now()
	if to == StateHealthy {
		c.ConsecutiveErrors = 0
		c.LastError = ""
	}
}

// isWriteError reports errors after which reads may still succeed.
func isWriteError(err error) bool {
	return errors.HasCode(err, errors.ErrCodeAccessDenied) ||
		errors.HasCode(err, errors.ErrCodeStorageWrite) ||
		errors.HasCode(err, errors.ErrCodeQuotaExceeded)
}

// State returns the current state of a component; unknown components are unavailable.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.State
	}
	return StateUnavailable
}

// Component returns a snapshot of one component.
func (t *Tracker) Component(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return ComponentHealth{}, false
	}
	return c.ComponentHealth, true
}

// Components returns snapshots of every component sorted by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.ComponentHealth)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst component state.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// CanWrite reports whether writes to the component should be attempted.
func (t *Tracker) CanWrite(name string) bool {
	state := t.State(name)
	return state == StateHealthy || state == StateDegraded
}

// Check runs every registered check concurrently and returns the resulting report.
func (t *Tracker) Check(ctx context.Context) Report {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
			defer cancel()
			if err := check(cctx); err != nil {
				t.RecordError(name, err)
			} else {
				t.RecordSuccess(name)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Report{Overall: t.Overall(), Components: t.Components()}
}

// Start runs Check every CheckInterval until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "health checks already running").WithComponent("health")
	}
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.loop(ctx, t.stopCh)
	return nil
}

// Stop ends the check loop.
func (t *Tracker) Stop() {
	if !atomic.CompareAndSwapInt32(&t.running, 1, 0) {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) loop(ctx context.Context, stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}
