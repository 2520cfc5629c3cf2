package kv

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, s.Set(ctx, "cache:habits", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "cache:habits")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	require.NoError(t, s.Set(ctx, "cache:habits", []byte(`{"a":2}`)))
	got, err = s.Get(ctx, "cache:habits")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))

	require.NoError(t, s.Remove(ctx, "cache:habits"))
	_, err = s.Get(ctx, "cache:habits")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, s.Remove(ctx, "never-existed"))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	runStoreContract(t, m)

	buf := []byte("abc")
	require.NoError(t, m.Set(context.Background(), "k", buf))
	buf[0] = 'z'
	got, _ := m.Get(context.Background(), "k")
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, 1, m.Len())

	m.FailWrites = true
	assert.Error(t, m.Set(context.Background(), "k2", buf))
}

func TestBadgerStore(t *testing.T) {
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	runStoreContract(t, b)
	assert.NoError(t, b.RunGC())
}

func TestBadgerStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, b.Set(context.Background(), "sync:local", []byte("[]")))
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(context.Background(), "sync:local")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got))

	_, err = OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestValkeyStore(t *testing.T) {
	addr := os.Getenv("HABITSYNC_TEST_VALKEY_ADDR")
	if addr == "" {
		t.Skip("HABITSYNC_TEST_VALKEY_ADDR not set")
	}
	v, err := NewValkey(ValkeyConfig{Address: addr, KeyPrefix: "habitsync-test"})
	if err != nil {
		t.Skip("No valkey")
	}
	defer v.Close()
	runStoreContract(t, v)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(Config{Backend: "etcd"})
	assert.Error(t, err)
}
