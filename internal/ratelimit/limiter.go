package ratelimit

import "context"

// Limiter admits or rejects work per caller key within a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
