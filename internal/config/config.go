package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v2"

	"github.com/habitkit/offlinesync/internal/cache"
	"github.com/habitkit/offlinesync/internal/circuit"
	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/internal/network"
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

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HABITSYNC_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Platform   PlatformConfig   `yaml:"platform"`
	Cache      cache.Config     `yaml:"cache"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Network    network.Config   `yaml:"network"`
	Retry      RetryConfig      `yaml:"retry"`
	Sync       SyncConfig       `yaml:"sync"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	UserID    string `yaml:"user_id"`
}

// PlatformConfig describes the runtime the library is embedded in.
type PlatformConfig struct {
	// Constrained marks mobile or battery-saving runtimes: probes back off
	// further, stale times stretch and the eviction sweep is stricter.
	Constrained bool `yaml:"constrained"`
}

// FetchConfig holds defaults for reads that do not specify them.
type FetchConfig struct {
	DefaultPolicy     string        `yaml:"default_policy"`
	DefaultImportance string        `yaml:"default_importance"`
	StaleTime         time.Duration `yaml:"stale_time"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	FetchAttempts int           `yaml:"fetch_attempts"`
	SyncAttempts  int           `yaml:"sync_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxJitter     time.Duration `yaml:"max_jitter"`
}

// SyncConfig represents sync queue settings
type SyncConfig struct {
	syncqueue.Config `yaml:",inline"`
	// AutoDrain drains the queue shortly after connectivity returns.
	AutoDrain         bool           `yaml:"auto_drain"`
	ReconnectDebounce time.Duration  `yaml:"reconnect_debounce"`
	CircuitBreaker    circuit.Config `yaml:"circuit_breaker"`
}

// StorageConfig groups the local and remote storage backends.
type StorageConfig struct {
	KV         kv.Config        `yaml:"kv"`
	QueueTable QueueTableConfig `yaml:"queue_table"`
	Remote     RemoteConfig     `yaml:"remote"`
}

// QueueTableConfig configures the durable remote sync queue table.
type QueueTableConfig struct {
	Enabled           bool `yaml:"enabled"`
	queuetable.Config `yaml:",inline"`
}

// RemoteConfig configures the S3 remote data store.
type RemoteConfig struct {
	Enabled   bool `yaml:"enabled"`
	s3.Config `yaml:",inline"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config `yaml:"metrics"`
	Health  health.Config  `yaml:"health"`
	API     APIConfig      `yaml:"api"`
}

// APIConfig configures the local status API served by the sync agent.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: cache.DefaultConfig(),
		Fetch: FetchConfig{
			DefaultPolicy:     string(types.PolicyNetworkFirst),
			DefaultImportance: types.ImportanceNormal.String(),
			StaleTime:         5 * time.Minute,
		},
		Network: network.DefaultConfig(),
		Retry: RetryConfig{
			FetchAttempts: retry.DefaultFetchAttempts,
			SyncAttempts:  types.MaxRetryAttempts,
			BaseDelay:     retry.DefaultBaseDelay,
			MaxDelay:      retry.DefaultMaxDelay,
			MaxJitter:     retry.DefaultMaxJitter,
		},
		Sync: SyncConfig{
			Config:            syncqueue.DefaultConfig(),
			AutoDrain:         true,
			ReconnectDebounce: 2 * time.Second,
			CircuitBreaker:    circuit.DefaultConfig(),
		},
		Storage: StorageConfig{
			KV: kv.Config{Backend: kv.BackendMemory},
			QueueTable: QueueTableConfig{
				Config: queuetable.Config{Driver: "sqlite"},
			},
			Remote: RemoteConfig{
				Config: *s3.NewDefaultConfig(),
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: *metrics.DefaultConfig(),
			Health:  health.DefaultConfig(),
			API: APIConfig{
				Address:      "localhost:8787",
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from HABITSYNC_* environment variables.
// Unparseable numeric and duration values are reported, not ignored.
func (c *Configuration) LoadFromEnv() error {
	var bad []string
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true" || val == "1"
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = d
		}
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)
	str("USER_ID", &c.Global.UserID)
	boolean("CONSTRAINED", &c.Platform.Constrained)

	// Fetch and network
	str("DEFAULT_POLICY", &c.Fetch.DefaultPolicy)
	duration("STALE_TIME", &c.Fetch.StaleTime)
	str("PROBE_URL", &c.Network.ProbeURL)
	duration("PROBE_TIMEOUT", &c.Network.ProbeTimeout)

	// Sync queue
	integer("BATCH_SIZE", &c.Sync.BatchSize)
	duration("MIN_DRAIN_INTERVAL", &c.Sync.MinDrainInterval)
	boolean("AUTO_DRAIN", &c.Sync.AutoDrain)
	integer("SYNC_ATTEMPTS", &c.Retry.SyncAttempts)
	integer("FETCH_ATTEMPTS", &c.Retry.FetchAttempts)

	// Storage
	str("KV_BACKEND", &c.Storage.KV.Backend)
	str("KV_DIR", &c.Storage.KV.Dir)
	str("VALKEY_ADDRESS", &c.Storage.KV.Valkey.Address)
	str("VALKEY_PASSWORD", &c.Storage.KV.Valkey.Password)
	boolean("QUEUE_TABLE_ENABLED", &c.Storage.QueueTable.Enabled)
	str("QUEUE_DRIVER", &c.Storage.QueueTable.Driver)
	str("QUEUE_DSN", &c.Storage.QueueTable.DSN)
	boolean("REMOTE_ENABLED", &c.Storage.Remote.Enabled)
	str("S3_BUCKET", &c.Storage.Remote.Bucket)
	str("S3_PREFIX", &c.Storage.Remote.Prefix)
	str("S3_REGION", &c.Storage.Remote.Region)
	str("S3_ENDPOINT", &c.Storage.Remote.Endpoint)

	// Monitoring
	boolean("METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	integer("METRICS_PORT", &c.Monitoring.Metrics.Port)
	boolean("API_ENABLED", &c.Monitoring.API.Enabled)
	str("API_ADDRESS", &c.Monitoring.API.Address)

	if len(bad) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment values").
			WithComponent("config").
			WithContext("variables", strings.Join(bad, ","))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to marshal config", err).WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to create config directory", err).WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to write config file", err).WithComponent("config")
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	err := validation.Errors{
		"global": validation.ValidateStruct(&c.Global,
			validation.Field(&c.Global.LogLevel, validation.Required,
				validation.In("TRACE", "DEBUG", "INFO", "WARN", "ERROR")),
			validation.Field(&c.Global.LogFormat, validation.In("text", "json")),
		),
		"fetch": validation.ValidateStruct(&c.Fetch,
			validation.Field(&c.Fetch.DefaultPolicy, validation.In(
				string(types.PolicyNetworkFirst), string(types.PolicyCacheFirst),
				string(types.PolicyCacheOnly), string(types.PolicyNetworkOnly))),
			validation.Field(&c.Fetch.DefaultImportance, validation.In("critical", "high", "normal", "low")),
			validation.Field(&c.Fetch.StaleTime, validation.Min(time.Duration(0))),
		),
		"network": validation.ValidateStruct(&c.Network,
			validation.Field(&c.Network.ProbeURL, is.URL),
			validation.Field(&c.Network.HistorySize, validation.Min(1)),
			validation.Field(&c.Network.PoorLatency, validation.By(func(interface{}) error {
				if c.Network.PoorLatency > 0 && c.Network.PoorLatency < c.Network.GoodLatency {
					return fmt.Errorf("must not be below good_latency")
				}
				return nil
			})),
		),
		"retry": validation.ValidateStruct(&c.Retry,
			validation.Field(&c.Retry.FetchAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Retry.SyncAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Retry.BaseDelay, validation.Required),
			validation.Field(&c.Retry.MaxDelay, validation.Required, validation.By(func(interface{}) error {
				if c.Retry.MaxDelay < c.Retry.BaseDelay {
					return fmt.Errorf("must not be below base_delay")
				}
				return nil
			})),
		),
		"sync": validation.ValidateStruct(&c.Sync.Config,
			validation.Field(&c.Sync.BatchSize, validation.Required, validation.Min(1)),
			validation.Field(&c.Sync.SubBatchSize, validation.Required, validation.Min(1)),
			validation.Field(&c.Sync.NotifyThreshold, validation.Min(0)),
		),
		"storage.kv": validation.ValidateStruct(&c.Storage.KV,
			validation.Field(&c.Storage.KV.Backend, validation.Required,
				validation.In(kv.BackendMemory, kv.BackendBadger, kv.BackendValkey)),
			validation.Field(&c.Storage.KV.Dir,
				validation.When(c.Storage.KV.Backend == kv.BackendBadger, validation.Required)),
		),
		"storage.kv.valkey": validation.ValidateStruct(&c.Storage.KV.Valkey,
			validation.Field(&c.Storage.KV.Valkey.Address,
				validation.When(c.Storage.KV.Backend == kv.BackendValkey, validation.Required)),
		),
		"storage.queue_table": validation.ValidateStruct(&c.Storage.QueueTable.Config,
			validation.Field(&c.Storage.QueueTable.Driver,
				validation.When(c.Storage.QueueTable.Enabled, validation.Required, validation.In("sqlite", "postgres"))),
			validation.Field(&c.Storage.QueueTable.DSN,
				validation.When(c.Storage.QueueTable.Enabled && c.Storage.QueueTable.Driver == "postgres", validation.Required)),
		),
		"storage.remote": validation.ValidateStruct(&c.Storage.Remote.Config,
			validation.Field(&c.Storage.Remote.Bucket, validation.When(c.Storage.Remote.Enabled, validation.Required)),
			validation.Field(&c.Storage.Remote.Endpoint, is.URL),
			validation.Field(&c.Storage.Remote.Concurrency, validation.Min(1)),
		),
		"monitoring.metrics": validation.ValidateStruct(&c.Monitoring.Metrics,
			validation.Field(&c.Monitoring.Metrics.Port,
				validation.When(c.Monitoring.Metrics.Enabled, validation.Required, validation.Min(1), validation.Max(65535))),
		),
		"monitoring.api": validation.ValidateStruct(&c.Monitoring.API,
			validation.Field(&c.Monitoring.API.Address, validation.When(c.Monitoring.API.Enabled, validation.Required)),
			validation.Field(&c.Monitoring.API.ReadTimeout, validation.Min(time.Duration(0))),
			validation.Field(&c.Monitoring.API.WriteTimeout, validation.Min(time.Duration(0))),
		),
	}.Filter()

	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, "invalid configuration", err).WithComponent("config")
	}
	return nil
}

// DefaultPolicy returns the parsed default fetch policy.
func (c *Configuration) DefaultPolicy() types.CachePolicy {
	if p := types.CachePolicy(c.Fetch.DefaultPolicy); p != "" {
		return p
	}
	return types.PolicyNetworkFirst
}

// DefaultImportance returns the parsed default importance.
func (c *Configuration) DefaultImportance() types.Importance {
	imp, _ := types.ParseImportance(c.Fetch.DefaultImportance)
	return imp
}

// FetchRetry returns the retry configuration for fetches.
func (c *Configuration) FetchRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.Retry.FetchAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		MaxJitter:   c.Retry.MaxJitter,
	}
}

// SyncRetry returns the retry configuration for sync queue items.
func (c *Configuration) SyncRetry() retry.Config {
	cfg := c.FetchRetry()
	cfg.MaxAttempts = c.Retry.SyncAttempts
	return cfg
}

// SyncQueue returns the sync queue configuration with the global user and
// retry budget applied.
func (c *Configuration) SyncQueue() syncqueue.Config {
	cfg := c.Sync.Config
	if cfg.UserID == "" {
		cfg.UserID = c.Global.UserID
	}
	if c.Retry.SyncAttempts > 0 {
		cfg.MaxRetryAttempts = c.Retry.SyncAttempts
	}
	return cfg
}

// CacheConfig returns the cache configuration with platform settings applied.
func (c *Configuration) CacheConfig() cache.Config {
	cfg := c.Cache
	cfg.Constrained = c.Platform.Constrained
	return cfg
}

// NetworkConfig returns the monitor configuration with platform settings applied.
func (c *Configuration) NetworkConfig() network.Config {
	cfg := c.Network
	cfg.Constrained = c.Platform.Constrained
	return cfg
}

// QueueTableConfig returns the queue table configuration scoped to the global user.
func (c *Configuration) QueueTableConfig() queuetable.Config {
	cfg := c.Storage.QueueTable.Config
	if cfg.UserID == "" {
		cfg.UserID = c.Global.UserID
	}
	return cfg
}

// LoggerConfig builds the logger configuration. The returned closer releases
// the log file when one is configured.
func (c *Configuration) LoggerConfig() (*utils.StructuredLoggerConfig, func() error, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeConfigValidation, "invalid log level", err).WithComponent("config")
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeConfigValidation, "invalid log format", err).WithComponent("config")
	}

	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	closer := func() error { return nil }

	if c.Global.LogFile != "" {
		f, err := os.OpenFile(c.Global.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to open log file", err).
				WithComponent("config").
				WithContext("file", c.Global.LogFile)
		}
		cfg.Output = f
		closer = f.Close
	}
	return cfg, closer, nil
}
