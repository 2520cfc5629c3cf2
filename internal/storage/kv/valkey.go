package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/habitkit/offlinesync/pkg/errors"
)

// DefaultValkeyConnectTimeout bounds the initial ping.
const DefaultValkeyConnectTimeout = 5 * time.Second

// ValkeyConfig configures the shared-cache backend.
type ValkeyConfig struct {
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Valkey is a Store on a Valkey (Redis protocol) server.
type Valkey struct {
	inner  valkeylib.Client
	prefix string
}

// NewValkey connects and pings the server.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultValkeyConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Valkey{inner: inner, prefix: prefix}, nil
}

func (v *Valkey) key(k string) string {
	return v.prefix + k
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := v.inner.Do(ctx, v.inner.B().Get().Key(v.key(key)).Build()).AsBytes()
	if valkeylib.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "valkey get", err).WithComponent("kv")
	}
	return out, nil
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte) error {
	cmd := v.inner.B().Set().Key(v.key(key)).Value(valkeylib.BinaryString(value)).Build()
	if err := v.inner.Do(ctx, cmd).Error(); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "valkey set", err).WithComponent("kv")
	}
	return nil
}

func (v *Valkey) Remove(ctx context.Context, key string) error {
	if err := v.inner.Do(ctx, v.inner.B().Del().Key(v.key(key)).Build()).Error(); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "valkey del", err).WithComponent("kv")
	}
	return nil
}

func (v *Valkey) Close() error {
	v.inner.Close()
	return nil
}
