// Package kv defines the local persistence boundary: a plain key to bytes
// store with no TTL, querying or iteration, plus its backends.
package kv

import (
	"context"

	"github.com/habitkit/offlinesync/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist. Compare with errors.Is.
var ErrNotFound = errors.NewError(errors.ErrCodeKeyNotFound, "key not found").WithComponent("kv")

// Store is the persistent key-value boundary used by the cache and the local sync queue.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendValkey = "valkey"
)

// Config selects and configures a backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Dir     string       `yaml:"dir"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

// Open builds the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendBadger:
		return OpenBadger(BadgerConfig{Dir: cfg.Dir})
	case BackendValkey:
		return NewValkey(cfg.Valkey)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown kv backend").
			WithComponent("kv").
			WithContext("backend", cfg.Backend)
	}
}
