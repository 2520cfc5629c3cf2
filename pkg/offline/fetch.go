package offline

import (
	"context"

	"github.com/habitkit/offlinesync/internal/fetch"
)

// DefaultOptions returns fetch options carrying the configured default policy
// and importance.
func (c *Client) DefaultOptions() fetch.Options {
	return fetch.Options{
		Policy:     c.config.DefaultPolicy(),
		Importance: c.config.DefaultImportance(),
	}
}

// withDefaults fills an unset policy. Importance has no unset value; start
// from DefaultOptions to inherit the configured one.
func (c *Client) withDefaults(opts fetch.Options) fetch.Options {
	if opts.Policy == "" {
		opts.Policy = c.config.DefaultPolicy()
	}
	return opts
}

// Fetch resolves one opaque payload through the cache policy, retrying and
// falling back to the cache as the policy allows.
func (c *Client) Fetch(ctx context.Context, key string, fn fetch.RemoteFunc, opts fetch.Options) (*fetch.Result, error) {
	return c.fetcher.Fetch(ctx, key, fn, c.withDefaults(opts))
}

// Get is Fetch for a JSON-encodable value.
func Get[T any](ctx context.Context, c *Client, key string, fn func(ctx context.Context) (T, error), opts fetch.Options) (T, *fetch.Result, error) {
	return fetch.Get(ctx, c.fetcher, key, fn, c.withDefaults(opts))
}

// NewQuery creates a stateful query bound to key. A zero StaleTime uses the
// configured one.
func NewQuery[T any](c *Client, key string, fn func(ctx context.Context) (T, error), opts fetch.QueryOptions) *fetch.Query[T] {
	opts.Options = c.withDefaults(opts.Options)
	if opts.StaleTime <= 0 {
		opts.StaleTime = c.config.Fetch.StaleTime
	}
	return fetch.NewQuery(c.fetcher, key, fn, opts)
}

// Invalidate drops the cached payload for key.
func (c *Client) Invalidate(key string) {
	c.cache.Invalidate(key)
}
