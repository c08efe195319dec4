package download

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cognitedata/cdffs/internal/metrics"
)

// Fetcher reads byte ranges of an object.
type Fetcher interface {
	Read(ctx context.Context, id string, start, end int64) ([]byte, error)
}

// ContentCache keeps whole objects in memory. Concurrent readers of an
// uncached object share one download. Failed downloads are not cached.
type ContentCache struct {
	fetcher Fetcher
	group   singleflight.Group

	mu   sync.RWMutex
	data map[string][]byte
}

// NewContentCache creates an empty cache.
func NewContentCache(fetcher Fetcher) *ContentCache {
	return &ContentCache{fetcher: fetcher, data: make(map[string][]byte)}
}

// Get returns the whole object, downloading it on first use.
func (c *ContentCache) Get(ctx context.Context, id string) ([]byte, error) {
	if b, ok := c.lookup(id); ok {
		metrics.RecordContentCacheLookup(true)
		return b, nil
	}
	metrics.RecordContentCacheLookup(false)

	// the shared download is detached from this caller's cancellation
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		if b, ok := c.lookup(id); ok {
			return b, nil
		}
		b, err := c.fetcher.Read(fetchCtx, id, -1, -1)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.data[id] = b
		c.mu.Unlock()
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Evict drops the cached content of id.
func (c *ContentCache) Evict(id string) {
	c.mu.Lock()
	delete(c.data, id)
	c.mu.Unlock()
}

func (c *ContentCache) lookup(id string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.data[id]
	return b, ok
}
