package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/habitkit/offlinesync/internal/storage/kv"
)

// Sweeper runs Store.Cleanup on a fixed schedule. Cleanup's own rate limit
// still applies, so a tick shorter than SweepMinInterval is harmless.
type Sweeper struct {
	store    *Store
	interval time.Duration

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper for store using the store's SweepInterval.
func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{store: store, interval: store.config.SweepInterval}
}

// Start begins the periodic sweep. It returns immediately; the loop ends when
// ctx is done or Stop is called.
func (sw *Sweeper) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&sw.running, 0, 1) {
		return
	}
	sw.stopCh = make(chan struct{})
	sw.wg.Add(1)
	go sw.loop(ctx, sw.stopCh)
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (sw *Sweeper) Stop() {
	if !atomic.CompareAndSwapInt32(&sw.running, 1, 0) {
		return
	}
	close(sw.stopCh)
	sw.wg.Wait()
}

func (sw *Sweeper) loop(ctx context.Context, stopCh chan struct{}) {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			sw.RunOnce()
		}
	}
}

// RunOnce performs a single sweep now and compacts the backend if it supports it.
// A rate-limited sweep still persists pending access-index changes.
func (sw *Sweeper) RunOnce() CleanupResult {
	res := sw.store.Cleanup(sw.store.now())
	if !res.Ran {
		sw.store.Flush()
		return res
	}
	if b, ok := sw.store.backend.(*kv.Badger); ok {
		if err := b.RunGC(); err != nil {
			sw.store.logger.Warn("Value log GC failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return res
}
