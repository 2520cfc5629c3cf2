package kv

import (
	"context"
	stderr "errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/habitkit/offlinesync/pkg/errors"
)

// BadgerConfig configures the on-device store.
type BadgerConfig struct {
	Dir string
	// InMemory keeps everything in RAM; Dir is ignored.
	InMemory bool
}

// Badger is a Store backed by an embedded BadgerDB.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database in cfg.Dir.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "badger directory is required").WithComponent("kv")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir).
			WithSyncWrites(false).
			WithCompactL0OnClose(true).
			WithValueThreshold(1024)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "failed to open badger", err).WithComponent("kv")
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if stderr.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "badger get", err).WithComponent("kv")
	}
	return out, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "badger set", err).WithComponent("kv")
	}
	return nil
}

func (b *Badger) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !stderr.Is(err, badger.ErrKeyNotFound) {
		return errors.Wrap(errors.ErrCodeStorageWrite, "badger remove", err).WithComponent("kv")
	}
	return nil
}

// RunGC reclaims value log space. ErrNoRewrite is not an error.
func (b *Badger) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !stderr.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
