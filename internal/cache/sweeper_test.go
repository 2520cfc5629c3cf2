package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/pkg/types"
)

func TestSweeper_RunsOnSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	store, clock := newTestStore(t, kv.NewMemory(), cfg)
	store.Save("stale", []byte("v"), types.ImportanceCritical)
	clock.Advance(8 * 24 * time.Hour)

	sweeper := NewSweeper(store)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		return !store.LastSweep().IsZero()
	}, time.Second, 5*time.Millisecond)

	_, tracked := store.AccessStat("stale")
	assert.False(t, tracked)
}

func TestSweeper_NotTriggeredByConstruction(t *testing.T) {
	store, _ := newTestStore(t, kv.NewMemory(), DefaultConfig())
	_ = NewSweeper(store)
	assert.True(t, store.LastSweep().IsZero())
}

func TestSweeper_StopAndContext(t *testing.T) {
	store, _ := newTestStore(t, kv.NewMemory(), DefaultConfig())
	sweeper := NewSweeper(store)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)
	sweeper.Start(ctx) // second start is a no-op
	cancel()
	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeper_RunOnceWithBadger(t *testing.T) {
	b, err := kv.OpenBadger(kv.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	store, _ := newTestStore(t, b, DefaultConfig())
	res := NewSweeper(store).RunOnce()
	assert.True(t, res.Ran)
}
