package repo

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/iamkalio/sre-agent/internal/cache"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

// countingCache is an in-memory cache that records how many lookups hit.
type countingCache struct {
	*cache.MemoryProvider
	hits atomic.Int64
}

func newStubCache() *countingCache {
	return &countingCache{MemoryProvider: cache.NewMemoryProvider()}
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.MemoryProvider.Get(ctx, key)
	if err == nil {
		c.hits.Add(1)
	}
	return value, err
}
