package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/habitkit/offlinesync/pkg/types"
)

// Collector exports cache, fetch, sync and network metrics. A nil *Collector
// and a disabled one both accept every Record call as a no-op.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	cacheOps        *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchTotal      *prometheus.CounterVec
	syncItems       *prometheus.CounterVec
	syncDrains      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	probeLatency    prometheus.Histogram
	probeTotal      *prometheus.CounterVec
	networkQuality  prometheus.Gauge
	reliability     prometheus.Gauge
	notifications   *prometheus.CounterVec

	// Internal tracking for the debug endpoint
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "habitsync",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks counts for one operation name
type OperationMetrics struct {
	Count         int64     `json:"count"`
	Errors        int64     `json:"errors"`
	LastOperation time.Time `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled && c.registry != nil
}

// Registry exposes the underlying registry (nil when disabled).
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	}
	return mux
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(_ context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c != nil && c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheOperation counts a cache operation (save, load, invalidate, evict)
// and its result (hit, miss, expired, ok, error).
func (c *Collector) RecordCacheOperation(op, result string) {
	if !c.enabled() {
		return
	}
	c.cacheOps.WithLabelValues(op, result).Inc()
	c.track("cache_"+op, result == "error")
}

// RecordFetch records a completed fetch by where the data came from.
func (c *Collector) RecordFetch(source, status string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.fetchTotal.WithLabelValues(source, status).Inc()
	c.fetchDuration.WithLabelValues(source).Observe(duration.Seconds())
	c.track("fetch", status != "success")
}

// RecordSyncItems counts sync queue items by action and result (applied, retried, dropped, superseded).
func (c *Collector) RecordSyncItems(action types.Action, result string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.syncItems.WithLabelValues(string(action), result).Add(float64(n))
}

// RecordDrain counts drain invocations by outcome (completed, in-flight, rate-limited, offline, circuit-open).
func (c *Collector) RecordDrain(outcome string) {
	if !c.enabled() {
		return
	}
	c.syncDrains.WithLabelValues(outcome).Inc()
	c.track("drain", false)
}

// SetQueueDepth sets the number of pending sync items.
func (c *Collector) SetQueueDepth(n int) {
	if !c.enabled() {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordProbe records one latency probe.
func (c *Collector) RecordProbe(latency time.Duration, success bool) {
	if !c.enabled() {
		return
	}
	result := "success"
	if success {
		c.probeLatency.Observe(latency.Seconds())
	} else {
		result = "failure"
	}
	c.probeTotal.WithLabelValues(result).Inc()
	c.track("probe", !success)
}

// SetNetworkStatus publishes quality and reliability gauges.
func (c *Collector) SetNetworkStatus(quality types.NetworkQuality, reliability float64) {
	if !c.enabled() {
		return
	}
	c.networkQuality.Set(QualityValue(quality))
	c.reliability.Set(reliability)
}

// RecordNotification counts user-visible notifications by level.
func (c *Collector) RecordNotification(level types.NotificationLevel) {
	if !c.enabled() {
		return
	}
	c.notifications.WithLabelValues(string(level)).Inc()
}

// QualityValue maps quality to a gauge value: 3 good, 2 acceptable, 1 poor, 0 offline.
func QualityValue(q types.NetworkQuality) float64 {
	switch q {
	case types.QualityGood:
		return 3
	case types.QualityAcceptable:
		return 2
	case types.QualityPoor:
		return 1
	default:
		return 0
	}
}

// GetMetrics returns a snapshot of the internal operation counters
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)
	return metrics
}

// ResetMetrics resets the internal operation counters
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) track(operation string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	if failed {
		m.Errors++
	}
	m.LastOperation = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_operations_total",
		Help: "Cache operations by operation and result",
	}, []string{"op", "result"})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "fetch_duration_seconds",
		Help:    "Duration of orchestrated fetches in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"source"})

	c.fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "fetch_total",
		Help: "Orchestrated fetches by source and status",
	}, []string{"source", "status"})

	c.syncItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sync_items_total",
		Help: "Sync queue items processed by action and result",
	}, []string{"action", "result"})

	c.syncDrains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sync_drains_total",
		Help: "Sync queue drain invocations by outcome",
	}, []string{"outcome"})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "sync_queue_depth",
		Help: "Pending sync queue items",
	})

	c.probeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "network_latency_seconds",
		Help:    "Latency of successful network probes",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
	})

	c.probeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "network_probes_total",
		Help: "Network probes by result",
	}, []string{"result"})

	c.networkQuality = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "network_quality",
		Help: "Current network quality (3 good, 2 acceptable, 1 poor, 0 offline)",
	})

	c.reliability = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "network_reliability",
		Help: "Percentage of successful probes in the trailing hour",
	})

	c.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "notifications_total",
		Help: "User-visible notifications raised by level",
	}, []string{"level"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheOps,
		c.fetchDuration,
		c.fetchTotal,
		c.syncItems,
		c.syncDrains,
		c.queueDepth,
		c.probeLatency,
		c.probeTotal,
		c.networkQuality,
		c.reliability,
		c.notifications,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.GetMetrics())
}
