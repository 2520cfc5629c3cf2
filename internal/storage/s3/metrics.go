package s3

import (
	"sync"
	"time"
)

// StoreMetrics tracks remote store request metrics
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

type metricsRecorder struct {
	mu      sync.RWMutex
	metrics StoreMetrics
}

// record adds one request with a rolling average latency.
func (m *metricsRecorder) record(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.Requests++
	if err != nil {
		m.metrics.Errors++
		m.metrics.LastError = err.Error()
		m.metrics.LastErrorTime = time.Now()
	}

	if m.metrics.Requests == 1 {
		m.metrics.AverageLatency = duration
	} else {
		m.metrics.AverageLatency = time.Duration(
			(int64(m.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (m *metricsRecorder) uploaded(n int) {
	m.mu.Lock()
	m.metrics.BytesUploaded += int64(n)
	m.mu.Unlock()
}

func (m *metricsRecorder) downloaded(n int) {
	m.mu.Lock()
	m.metrics.BytesDownloaded += int64(n)
	m.mu.Unlock()
}

func (m *metricsRecorder) snapshot() StoreMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
