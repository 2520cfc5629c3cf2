// Package network tracks connectivity and classifies connection quality from
// periodic latency probes.
package network

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Config configures probing and classification.
type Config struct {
	// ProbeURL receives HEAD requests; empty disables probing.
	ProbeURL string `yaml:"probe_url"`
	// ProbeTimeout is clamped to [MinProbeTimeout, MaxProbeTimeout].
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// BaseInterval is the probe period while online on an unconstrained platform.
	BaseInterval time.Duration `yaml:"base_interval"`
	// MaxInterval caps the scaled period.
	MaxInterval time.Duration `yaml:"max_interval"`
	// MinProbeInterval throttles Check regardless of caller count.
	MinProbeInterval time.Duration `yaml:"min_probe_interval"`
	// HistorySize bounds the ping ring.
	HistorySize int `yaml:"history_size"`
	// ReliabilityWindow is the trailing window reliability is computed over.
	ReliabilityWindow time.Duration `yaml:"reliability_window"`
	// GoodLatency and PoorLatency are the classification thresholds.
	GoodLatency time.Duration `yaml:"good_latency"`
	PoorLatency time.Duration `yaml:"poor_latency"`

	Constrained bool `yaml:"-"`
}

// Probe timeout bounds and interval multipliers.
const (
	MinProbeTimeout           = time.Second
	MaxProbeTimeout           = 5 * time.Second
	OfflineIntervalFactor     = 4
	ConstrainedIntervalFactor = 2
)

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:      3 * time.Second,
		BaseInterval:      30 * time.Second,
		MaxInterval:       5 * time.Minute,
		MinProbeInterval:  30 * time.Second,
		HistorySize:       20,
		ReliabilityWindow: time.Hour,
		GoodLatency:       200 * time.Millisecond,
		PoorLatency:       500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProbeTimeout < MinProbeTimeout {
		c.ProbeTimeout = MinProbeTimeout
	}
	if c.ProbeTimeout > MaxProbeTimeout {
		c.ProbeTimeout = MaxProbeTimeout
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MinProbeInterval < 0 {
		c.MinProbeInterval = 0
	} else if c.MinProbeInterval == 0 {
		c.MinProbeInterval = d.MinProbeInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ReliabilityWindow <= 0 {
		c.ReliabilityWindow = d.ReliabilityWindow
	}
	if c.GoodLatency <= 0 {
		c.GoodLatency = d.GoodLatency
	}
	if c.PoorLatency <= 0 {
		c.PoorLatency = d.PoorLatency
	}
	return c
}

type ping struct {
	at      time.Time
	latency time.Duration
	ok      bool
}

// Monitor owns the connection status. It is safe for concurrent use.
type Monitor struct {
	config  Config
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	client  *http.Client
	now     func() time.Time

	mu          sync.RWMutex
	online      bool
	quality     types.NetworkQuality
	latency     *time.Duration
	downlink    *float64
	lastChecked time.Time
	lastProbe   time.Time
	history     []ping
	next        int

	subMu   sync.Mutex
	subs    map[int]func(types.ConnectionStatus)
	nextSub int

	group singleflight.Group

	running int32
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a monitor that starts online with quality good.
func New(config Config, logger *utils.StructuredLogger) *Monitor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	config = config.withDefaults()
	return &Monitor{
		config:  config,
		logger:  logger.WithComponent("network"),
		client:  &http.Client{},
		now:     time.Now,
		online:  true,
		quality: types.QualityGood,
		history: make([]ping, 0, config.HistorySize),
		subs:    make(map[int]func(types.ConnectionStatus)),
		wake:    make(chan struct{}, 1),
	}
}

// WithClock replaces the time source. Call before the monitor is shared.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// WithMetrics attaches a collector. Call before the monitor is shared.
func (m *Monitor) WithMetrics(c *metrics.Collector) *Monitor {
	m.metrics = c
	return m
}

// WithHTTPClient replaces the probe client. Call before the monitor is shared.
func (m *Monitor) WithHTTPClient(c *http.Client) *Monitor {
	m.client = c
	return m
}

// Status returns a snapshot of the connection status.
func (m *Monitor) Status() types.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() types.ConnectionStatus {
	st := types.ConnectionStatus{
		IsOnline:    m.online,
		Quality:     m.quality,
		LastChecked: m.lastChecked,
		Reliability: m.reliabilityLocked(),
	}
	if m.latency != nil {
		l := *m.latency
		st.Latency = &l
	}
	if m.downlink != nil {
		d := *m.downlink
		st.DownlinkMbps = &d
	}
	return st
}

// IsOnline reports the last platform connectivity signal.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Quality returns the current classification.
func (m *Monitor) Quality() types.NetworkQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// SetOnline applies a platform online/offline event. Going offline sets
// quality to offline at once; coming online assumes good until the next probe.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		m.quality = types.QualityGood
		// Re-measure promptly after reconnecting.
		m.lastProbe = time.Time{}
	} else {
		m.quality = types.QualityOffline
		m.latency = nil
	}
	m.lastChecked = m.now()
	st := m.statusLocked()
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", map[string]interface{}{
		"online":  online,
		"quality": st.Quality,
	})
	m.metrics.SetNetworkStatus(st.Quality, st.Reliability)
	m.publish(st)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetDownlink records the platform's downlink estimate in Mbps.
func (m *Monitor) SetDownlink(mbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downlink = &mbps
}

// Subscribe registers fn for status changes and returns its cancel func.
// fn runs on the goroutine that caused the change and must not block.
func (m *Monitor) Subscribe(fn func(types.ConnectionStatus)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Monitor) publish(st types.ConnectionStatus) {
	m.subMu.Lock()
	fns := make([]func(types.ConnectionStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Classify maps a probe latency to a quality.
func (m *Monitor) Classify(latency time.Duration) types.NetworkQuality {
	switch {
	case latency < m.config.GoodLatency:
		return types.QualityGood
	case latency <= m.config.PoorLatency:
		return types.QualityAcceptable
	default:
		return types.QualityPoor
	}
}

// Interval returns the current probe period.
func (m *Monitor) Interval() time.Duration {
	d := m.config.BaseInterval
	if !m.IsOnline() {
		d *= OfflineIntervalFactor
	}
	if m.config.Constrained {
		d *= ConstrainedIntervalFactor
	}
	if d > m.config.MaxInterval {
		d = m.config.MaxInterval
	}
	return d
}

// Check probes if allowed and returns the resulting status. No probe is made
// while offline, without a probe URL, or within MinProbeInterval of the last
// one; concurrent callers share a single in-flight probe.
func (m *Monitor) Check(ctx context.Context) types.ConnectionStatus {
	m.mu.RLock()
	skip := !m.online || m.config.ProbeURL == "" ||
		(!m.lastProbe.IsZero() && m.now().Sub(m.lastProbe) < m.config.MinProbeInterval)
	m.mu.RUnlock()
	if skip {
		return m.Status()
	}

	v, _, _ := m.group.Do("probe", func() (interface{}, error) {
		m.mu.Lock()
		if !m.lastProbe.IsZero() && m.now().Sub(m.lastProbe) < m.config.MinProbeInterval {
			m.mu.Unlock()
			return m.Status(), nil
		}
		m.lastProbe = m.now()
		m.mu.Unlock()

		m.probe(ctx)
		return m.Status(), nil
	})
	return v.(types.ConnectionStatus)
}

func (m *Monitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := m.now()
	err := m.head(ctx)
	latency := m.now().Sub(start)

	m.mu.Lock()
	m.recordLocked(ping{at: start, latency: latency, ok: err == nil})
	changed := false
	// A failed probe is inconclusive; only SetOnline(false) means offline.
	if err == nil && m.online {
		q := m.Classify(latency)
		changed = q != m.quality
		m.quality = q
		m.latency = &latency
	}
	m.lastChecked = m.now()
	st := m.statusLocked()
	m.mu.Unlock()

	m.metrics.RecordProbe(latency, err == nil)
	m.metrics.SetNetworkStatus(st.Quality, st.Reliability)

	if err != nil {
		m.logger.Debug("Latency probe failed", map[string]interface{}{
			"url":   m.config.ProbeURL,
			"error": err.Error(),
		})
		return
	}
	if changed {
		m.logger.Info("Network quality changed", map[string]interface{}{
			"quality":    st.Quality,
			"latency_ms": latency.Milliseconds(),
		})
		m.publish(st)
	}
}

func (m *Monitor) head(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid probe url", err).WithComponent("network")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		code := errors.ErrCodeNetworkError
		if ctx.Err() == context.DeadlineExceeded {
			code = errors.ErrCodeConnectionTimeout
		}
		return errors.Wrap(code, "probe failed", err).WithComponent("network")
	}
	_ = resp.Body.Close()
	return nil
}

func (m *Monitor) recordLocked(p ping) {
	if len(m.history) < m.config.HistorySize {
		m.history = append(m.history, p)
		return
	}
	m.history[m.next] = p
	m.next = (m.next + 1) % m.config.HistorySize
}

func (m *Monitor) reliabilityLocked() float64 {
	cutoff := m.now().Add(-m.config.ReliabilityWindow)
	total, ok := 0, 0
	for _, p := range m.history {
		if p.at.Before(cutoff) {
			continue
		}
		total++
		if p.ok {
			ok++
		}
	}
	if total == 0 {
		return 100
	}
	return float64(ok) * 100 / float64(total)
}

// Start runs the probe loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already running").WithComponent("network")
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)
	return nil
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)
	for {
		timer := time.NewTimer(m.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-m.wake:
			// Connectivity changed; recompute the interval.
			timer.Stop()
			m.Check(ctx)
		case <-timer.C:
			m.Check(ctx)
		}
	}
}
