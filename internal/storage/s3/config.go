package s3

import (
	"time"
)

// Config represents the S3 remote store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"` // Key prefix for every table
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Concurrency    int           `yaml:"concurrency"` // Parallel PutObject calls per bulk insert
}

// NewDefaultConfig returns a default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		Prefix:         "habitsync",
		MaxRetries:     3,
		RequestTimeout: 10 * time.Second,
		Concurrency:    8,
	}
}

func (c *Config) withDefaults() *Config {
	d := NewDefaultConfig()
	out := *c
	if out.Region == "" {
		out.Region = d.Region
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = d.RequestTimeout
	}
	if out.Concurrency <= 0 {
		out.Concurrency = d.Concurrency
	}
	return &out
}
