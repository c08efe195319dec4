// Package download reads object content through short-lived download URLs.
package download

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cognitedata/cdffs/internal/metrics"
)

// DefaultURLTTL is how long a download URL is reused. Signed URLs live
// longer than this on every supported backend.
const DefaultURLTTL = 28 * time.Second

// URLCache remembers download URLs per external id. Expired URLs are
// evicted lazily on the next lookup; no janitor goroutine runs.
type URLCache struct {
	c *cache.Cache
}

// NewURLCache creates a cache whose entries live for ttl.
func NewURLCache(ttl time.Duration) *URLCache {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &URLCache{c: cache.New(ttl, -1)}
}

// Get returns the cached URL for id. Expired entries count as misses and
// are overwritten by the next Set.
func (u *URLCache) Get(id string) (string, bool) {
	v, ok := u.c.Get(id)
	metrics.RecordURLCacheLookup(ok)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set caches url for id.
func (u *URLCache) Set(id, url string) {
	u.c.SetDefault(id, url)
}

// Evict drops the URL cached for id.
func (u *URLCache) Evict(id string) {
	u.c.Delete(id)
}

// Len returns the number of entries, expired or not.
func (u *URLCache) Len() int {
	return u.c.ItemCount()
}
