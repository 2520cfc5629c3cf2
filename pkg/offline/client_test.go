package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/internal/config"
	"github.com/habitkit/offlinesync/internal/fetch"
	"github.com/habitkit/offlinesync/internal/storage/kv"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/health"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

type remoteCall struct {
	op    string
	table string
	ids   []string
	data  string
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []remoteCall
	fail  error
}

var _ syncqueue.RemoteStore = (*fakeRemote)(nil)

func (f *fakeRemote) record(c remoteCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeRemote) Insert(_ context.Context, table string, ids []string, rows []json.RawMessage) error {
	data := make([]string, len(rows))
	for i, r := range rows {
		data[i] = string(r)
	}
	return f.record(remoteCall{op: "insert", table: table, ids: ids, data: fmt.Sprint(data)})
}

func (f *fakeRemote) Update(_ context.Context, table, id string, data json.RawMessage) error {
	return f.record(remoteCall{op: "update", table: table, ids: []string{id}, data: string(data)})
}

func (f *fakeRemote) Delete(_ context.Context, table string, ids []string) error {
	return f.record(remoteCall{op: "delete", table: table, ids: ids})
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.UserID = "user-1"
	cfg.Monitoring.Metrics.Enabled = false
	cfg.Sync.ReconnectDebounce = 10 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Configuration, opts ...Option) (*Client, *fakeRemote) {
	t.Helper()
	remote := &fakeRemote{}
	opts = append([]Option{
		WithLogger(utils.NewNopLogger()),
		WithRemoteStore(remote),
		WithRetryTiming(
			func(time.Duration) time.Duration { return 0 },
			func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		),
	}, opts...)

	client, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, remote
}

func TestClient_OfflineRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, remote := newTestClient(t, testConfig())

	client.SetOnline(false)
	item, err := client.QueueMutation(ctx, "habit-1", "habit", types.ActionUpdate, map[string]bool{"completed": true}, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, item.LocalID)
	assert.Equal(t, "user-1", item.UserID)
	assert.Equal(t, 3, item.Priority)

	pending, err := client.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := client.ProcessSyncQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.SkipOffline, res.Skipped)
	assert.Empty(t, remote.Calls())

	client.SetOnline(true)
	res, err = client.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].op)
	assert.Equal(t, "habits", calls[0].table)
	assert.Equal(t, []string{"habit-1"}, calls[0].ids)
	assert.JSONEq(t, `{"completed":true}`, calls[0].data)

	pending, err = client.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClient_QueuePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage.KV = kv.Config{Backend: kv.BackendBadger, Dir: t.TempDir()}

	first, err := New(ctx, cfg, WithLogger(utils.NewNopLogger()), WithRemoteStore(&fakeRemote{}))
	require.NoError(t, err)
	first.SetOnline(false)
	_, err = first.QueueMutation(ctx, "goal-1", "goal", types.ActionAdd, json.RawMessage(`{"id":"goal-1"}`), DefaultPriority)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, WithLogger(utils.NewNopLogger()), WithRemoteStore(&fakeRemote{}))
	require.NoError(t, err)
	defer second.Close()

	pending, err := second.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "goal-1", pending[0].EntityID)
}

func TestClient_Mutate(t *testing.T) {
	ctx := context.Background()

	t.Run("applies directly when online", func(t *testing.T) {
		client, remote := newTestClient(t, testConfig())

		res, err := client.Mutate(ctx, "habit-1", "habit", types.ActionAdd, map[string]string{"name": "Read"})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.False(t, res.Queued)

		calls := remote.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "insert", calls[0].op)
		assert.Equal(t, "habits", calls[0].table)
		assert.Equal(t, []string{"habit-1"}, calls[0].ids)

		pending, err := client.PendingMutations(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("queues silently when offline", func(t *testing.T) {
		client, remote := newTestClient(t, testConfig())
		client.SetOnline(false)

		res, err := client.Mutate(ctx, "habit-1", "habit", types.ActionDelete, nil)
		require.NoError(t, err)
		assert.True(t, res.Queued)
		require.NotNil(t, res.Item)
		assert.Equal(t, types.ActionDelete, res.Item.Action)
		assert.Empty(t, remote.Calls())
	})

	t.Run("queues and reports a failed write", func(t *testing.T) {
		client, remote := newTestClient(t, testConfig())
		remote.setFail(errors.NewError(errors.ErrCodeRemoteApply, "remote rejected"))

		res, err := client.Mutate(ctx, "habit-1", "habit", types.ActionUpdate, map[string]bool{"completed": true})
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeMutationQueued))
		assert.True(t, errors.HasCode(err, errors.ErrCodeRemoteApply), "cause is kept")
		assert.True(t, res.Queued)

		pending, err := client.PendingMutations(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		remoteHealth, ok := client.health.Component(ComponentRemote)
		require.True(t, ok)
		assert.Equal(t, 1, remoteHealth.ConsecutiveErrors)
	})

	t.Run("does not queue a payload the store rejects", func(t *testing.T) {
		client, remote := newTestClient(t, testConfig())
		remote.setFail(errors.NewError(errors.ErrCodeValidationFailed, "row id conflicts with entity id"))

		res, err := client.Mutate(ctx, "habit-1", "habit", types.ActionAdd, map[string]string{"id": "client-1"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
		assert.False(t, errors.HasCode(err, errors.ErrCodeMutationQueued))
		assert.False(t, res.Queued)

		pending, err := client.PendingMutations(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		client, _ := newTestClient(t, testConfig())

		_, err := client.Mutate(ctx, "habit-1", "habit", types.Action("upsert"), nil)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidAction))
	})

	t.Run("rejects invalid raw payloads", func(t *testing.T) {
		client, _ := newTestClient(t, testConfig())

		_, err := client.Mutate(ctx, "habit-1", "habit", types.ActionAdd, []byte("{not json"))
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
	})
}

func TestClient_FetchFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, testConfig())
	key := types.CacheKey("habits", "user-1")

	res, err := client.Fetch(ctx, key, func(context.Context) ([]byte, error) {
		return []byte(`["habit-1"]`), nil
	}, client.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, fetch.SourceNetwork, res.Source)

	res, err = client.Fetch(ctx, key, func(context.Context) ([]byte, error) {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "connection reset")
	}, fetch.Options{})
	require.NoError(t, err)
	assert.Equal(t, fetch.SourceCache, res.Source)
	assert.Equal(t, `["habit-1"]`, string(res.Data))
	assert.Equal(t, 3, res.Attempts)
}

func TestClient_GetAndQuery(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, testConfig())

	type goal struct {
		ID     string `json:"id"`
		Target int    `json:"target"`
	}

	goals, _, err := Get(ctx, client, "goals:user-1", func(context.Context) ([]goal, error) {
		return []goal{{ID: "goal-1", Target: 10}}, nil
	}, fetch.Options{})
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, 10, goals[0].Target)

	client.SetOnline(false)
	q := NewQuery(client, "goals:user-1", func(context.Context) ([]goal, error) {
		return nil, errors.NewError(errors.ErrCodeNetworkError, "offline")
	}, fetch.QueryOptions{})

	state, err := q.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, fetch.SourceCache, state.Source)
	assert.False(t, state.IsOnline)
	assert.Equal(t, types.QualityOffline, state.NetworkQuality)
	assert.Equal(t, goals, state.Data)
}

func TestClient_RequiresRemoteStoreToDrain(t *testing.T) {
	client, err := New(context.Background(), testConfig(), WithLogger(utils.NewNopLogger()))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ProcessSyncQueue(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))
	_, err = client.DrainNow(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))

	res, err := client.Mutate(context.Background(), "habit-1", "habit", types.ActionDelete, nil)
	require.NoError(t, err)
	assert.True(t, res.Queued)
}

func TestClient_AutoDrainOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, remote := newTestClient(t, testConfig())
	require.NoError(t, client.Start(ctx))
	assert.True(t, errors.HasCode(client.Start(ctx), errors.ErrCodeAlreadyStarted))

	client.SetOnline(false)
	_, err := client.QueueMutation(ctx, "habit-1", "habit", types.ActionUpdate, map[string]bool{"completed": true}, DefaultPriority)
	require.NoError(t, err)

	client.SetOnline(true)
	require.Eventually(t, func() bool { return len(remote.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := client.PendingMutations(ctx)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestClient_SuccessNotification(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var forwarded []types.Notification
	client, _ := newTestClient(t, testConfig(), WithNotifier(types.NotifierFunc(func(_ context.Context, n types.Notification) {
		mu.Lock()
		forwarded = append(forwarded, n)
		mu.Unlock()
	})))

	events, cancel := client.Subscribe(4)
	defer cancel()

	client.SetOnline(false)
	for i := 1; i <= 3; i++ {
		_, err := client.QueueMutation(ctx, fmt.Sprintf("habit-%d", i), "habit", types.ActionUpdate, map[string]int{"streak": i}, DefaultPriority)
		require.NoError(t, err)
	}
	client.SetOnline(true)

	res, err := client.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	select {
	case e := <-events:
		assert.Equal(t, types.NotifySuccess, e.Notification.Level)
		assert.Equal(t, 3, e.Notification.Count)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
	require.Len(t, client.Notifications(0), 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, forwarded, 1)
	assert.Equal(t, 3, forwarded[0].Count)
}

func TestClient_StatusAndHealth(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, testConfig())

	client.SetOnline(false)
	_, err := client.QueueMutation(ctx, "habit-1", "habit", types.ActionDelete, nil, DefaultPriority)
	require.NoError(t, err)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Connection.IsOnline)
	assert.Equal(t, types.QualityOffline, st.Connection.Quality)
	assert.Equal(t, 1, st.Queue.Local)
	assert.False(t, st.Draining)
	assert.Zero(t, st.DeadLetters)

	report := client.Health(ctx)
	assert.Equal(t, health.StateHealthy, report.Overall)
	names := make([]string, len(report.Components))
	for i, c := range report.Components {
		names[i] = c.Name
	}
	assert.Equal(t, []string{ComponentKV, ComponentRemote, ComponentSync}, names)
}

func TestClient_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Fetch.DefaultPolicy = "stale-while-revalidate"

	_, err := New(context.Background(), cfg)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
}
