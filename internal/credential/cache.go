package credential

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CachedResolver wraps a Resolver with a size-bounded TTL cache.
// Concurrent lookups for the same key are coalesced into one upstream call.
// Only successful lookups are cached.
type CachedResolver struct {
	resolver Resolver
	cache    *expirable.LRU[string, string]
	sf       singleflight.Group
}

// NewCachedResolver caches up to size secrets for ttl each.
func NewCachedResolver(resolver Resolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		resolver: resolver,
		cache:    expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, keyID string) (string, error) {
	if secret, ok := c.cache.Get(keyID); ok {
		return secret, nil
	}

	result, err, _ := c.sf.Do(keyID, func() (any, error) {
		// Another caller may have populated the cache while we waited.
		if secret, ok := c.cache.Get(keyID); ok {
			return secret, nil
		}
		secret, err := c.resolver.Resolve(ctx, keyID)
		if err != nil {
			return "", err
		}
		c.cache.Add(keyID, secret)
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Purge drops every cached secret, e.g. after the credentials file is reloaded.
func (c *CachedResolver) Purge() {
	c.cache.Purge()
}
