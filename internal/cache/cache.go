// Package cache provides a short-TTL cache for conflict-guard answers. The
// guard's output is advisory, so a few seconds of staleness is acceptable and
// running without a cache at all is always safe.
package cache

import (
	"context"
	"time"
)

// ReservedSKUCache stores computed reserved-SKU sets keyed by query.
type ReservedSKUCache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, skuIDs []string, ttl time.Duration) error
	Close() error
}

// Noop satisfies ReservedSKUCache without caching anything. Used when no
// Redis address is configured.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Get(context.Context, string) ([]string, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, []string, time.Duration) error { return nil }

func (Noop) Close() error { return nil }
