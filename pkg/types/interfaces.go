package types

import "context"

// NetworkState exposes the current connectivity view to consumers that must
// not mutate it (policy decisions, retry decisions, drains).
type NetworkState interface {
	Status() ConnectionStatus
	IsOnline() bool
	Quality() NetworkQuality
}

// Notifier delivers user-visible notifications. Implementations must not block
// the caller for long and must never fail it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}
