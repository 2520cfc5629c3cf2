package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "habitsync", Subsystem: "test"})
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		if c.config.Port != 9464 {
			t.Errorf("default port = %d, want 9464", c.config.Port)
		}
		if c.config.Namespace != "habitsync" {
			t.Errorf("default namespace = %q, want habitsync", c.config.Namespace)
		}
		assert.NotNil(t, c.Registry())
	})

	t.Run("with disabled config", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		if c.registry != nil {
			t.Error("disabled collector should not have registry")
		}
		c.RecordCacheOperation("load", "hit")
		c.SetQueueDepth(4)
		assert.Empty(t, c.GetMetrics())
	})
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordCacheOperation("save", "ok")
	c.RecordFetch("network", "success", time.Second)
	c.RecordSyncItems(types.ActionAdd, "applied", 2)
	c.RecordDrain("completed")
	c.SetQueueDepth(1)
	c.RecordProbe(time.Millisecond, true)
	c.SetNetworkStatus(types.QualityGood, 100)
	c.RecordNotification(types.NotifySuccess)
	assert.Nil(t, c.Registry())
	assert.NoError(t, c.Stop(context.Background()))
}

func TestRecording(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheOperation("load", "hit")
	c.RecordCacheOperation("load", "hit")
	c.RecordCacheOperation("load", "miss")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheOps.WithLabelValues("load", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheOps.WithLabelValues("load", "miss")))

	c.RecordSyncItems(types.ActionDelete, "applied", 3)
	c.RecordSyncItems(types.ActionDelete, "applied", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.syncItems.WithLabelValues("delete", "applied")))

	c.SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth))

	c.SetNetworkStatus(types.QualityAcceptable, 87.5)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.networkQuality))
	assert.Equal(t, 87.5, testutil.ToFloat64(c.reliability))

	c.RecordProbe(120*time.Millisecond, true)
	c.RecordProbe(0, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.probeTotal.WithLabelValues("failure")))

	c.RecordFetch("cache", "success", 3*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchTotal.WithLabelValues("cache", "success")))

	ops := c.GetMetrics()["operations"].(map[string]OperationMetrics)
	assert.Equal(t, int64(3), ops["cache_load"].Count)
	assert.Equal(t, int64(1), ops["probe"].Errors)

	c.ResetMetrics()
	assert.Empty(t, c.GetMetrics()["operations"])
}

func TestQualityValue(t *testing.T) {
	tests := []struct {
		q    types.NetworkQuality
		want float64
	}{
		{types.QualityGood, 3},
		{types.QualityAcceptable, 2},
		{types.QualityPoor, 1},
		{types.QualityOffline, 0},
	}
	for _, tt := range tests {
		if got := QualityValue(tt.q); got != tt.want {
			t.Errorf("QualityValue(%s) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordDrain("completed")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `habitsync_test_sync_drains_total{outcome="completed"} 1`))

	resp2, err := http.Get(srv.URL + "/debug/operations")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
