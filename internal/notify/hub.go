// Package notify delivers user-visible sync notifications. The Hub logs and
// counts every notification, keeps a short history, and fans it out to
// subscribers without ever blocking the sender.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/habitkit/offlinesync/internal/metrics"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// DefaultHistorySize bounds the retained notification history.
const DefaultHistorySize = 50

// Event is a delivered notification.
type Event struct {
	Notification types.Notification `json:"notification"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Hub implements types.Notifier.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	history     []Event
	maxHistory  int

	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

var _ types.Notifier = (*Hub)(nil)

// NewHub creates a hub retaining up to maxHistory events.
func NewHub(maxHistory int, logger *utils.StructuredLogger) *Hub {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Hub{
		subscribers: make(map[int]chan Event),
		maxHistory:  maxHistory,
		logger:      logger.WithComponent("notify"),
		now:         time.Now,
	}
}

// WithMetrics attaches a collector.
func (h *Hub) WithMetrics(c *metrics.Collector) *Hub {
	h.metrics = c
	return h
}

// WithClock replaces the time source.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Notify records n and delivers it to every subscriber with buffer space.
func (h *Hub) Notify(_ context.Context, n types.Notification) {
	fields := map[string]interface{}{
		"title": n.Title,
		"count": n.Count,
	}
	switch n.Level {
	case types.NotifyError:
		h.logger.Error(n.Message, fields)
	case types.NotifyWarning:
		h.logger.Warn(n.Message, fields)
	default:
		h.logger.Info(n.Message, fields)
	}
	h.metrics.RecordNotification(n.Level)

	event := Event{Notification: n, Timestamp: h.now()}

	// Sends happen under the lock so a concurrent cancel cannot close a
	// channel mid-send; they never block.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append([]Event{event}, h.history...)
	if len(h.history) > h.maxHistory {
		h.history = h.history[:h.maxHistory]
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is behind, skip
		}
	}
}

// Subscribe returns a channel of future events and a cancel function that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 10
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// History returns up to limit events, newest first. A non-positive limit
// returns everything retained.
func (h *Hub) History(limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Event, limit)
	copy(out, h.history[:limit])
	return out
}

// Multi returns a notifier that forwards to each of ns in order.
func Multi(ns ...types.Notifier) types.Notifier {
	return types.NotifierFunc(func(ctx context.Context, n types.Notification) {
		for _, target := range ns {
			if target != nil {
				target.Notify(ctx, n)
			}
		}
	})
}
