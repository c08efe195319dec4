// Package dircache caches remote listings as a tree of directory entries.
//
// Entries are keyed by their parent directory, using slash-trimmed paths
// ("" is the root). A listing key is marked fresh only after a complete,
// unbounded remote listing succeeds, and stays fresh for the configured
// expiry. Objects written through the cache are never overwritten by a later
// listing, so a freshly committed size is not replaced by stale metadata.
package dircache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cognitedata/cdffs/internal/cdfpath"
	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/storage"
)

// Unbounded requests a complete listing.
const Unbounded = -1

// DefaultExpiry is how long an unbounded listing is served from cache.
const DefaultExpiry = 60 * time.Second

// ErrAlreadyExists is returned by Mkdir when the directory is known.
var ErrAlreadyExists = errors.New("already exists")

// Kind is the type of a directory entry.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Entry is one file or directory inside a parent directory.
type Entry struct {
	Kind Kind
	Name string // full slash-trimmed path
	Size int64  // -1 when unknown; always -1 for directories
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDirectory }

// Lister lists remote objects.
type Lister interface {
	ListObjects(ctx context.Context, q storage.ListQuery) ([]storage.ObjectInfo, error)
}

// entrySet keeps entries in insertion order with unique names.
type entrySet struct {
	items []Entry
	index map[string]int
}

func newEntrySet() *entrySet {
	return &entrySet{index: make(map[string]int)}
}

func (s *entrySet) upsert(e Entry) {
	if i, ok := s.index[e.Name]; ok {
		s.items[i] = e
		return
	}
	s.index[e.Name] = len(s.items)
	s.items = append(s.items, e)
}

func (s *entrySet) has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Cache is the directory cache. It is safe for concurrent use.
type Cache struct {
	lister Lister
	expiry time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	dirs    map[string]*entrySet
	fresh   map[string]time.Time
	written map[string]struct{}
}

// New creates a cache backed by lister. A zero expiry uses DefaultExpiry.
func New(lister Lister, expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Cache{
		lister:  lister,
		expiry:  expiry,
		now:     time.Now,
		dirs:    make(map[string]*entrySet),
		fresh:   make(map[string]time.Time),
		written: make(map[string]struct{}),
	}
}

// Get returns a copy of the entries cached for path.
func (c *Cache) Get(path string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.dirs[cdfpath.Key(path)]
	metrics.RecordDirCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return slices.Clone(set.items), true
}

// Invalidate drops the entries cached for exactly path, along with its
// listing freshness.
func (c *Cache) Invalidate(path string) {
	key := cdfpath.Key(path)
	c.mu.Lock()
	delete(c.dirs, key)
	delete(c.fresh, key)
	c.mu.Unlock()
}

// Fresh reports whether the listing of (rootDir, idPrefix) is still served
// from cache.
func (c *Cache) Fresh(rootDir, idPrefix string) bool {
	key := cdfpath.ListKey(rootDir, idPrefix)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isFresh(key)
}

func (c *Cache) isFresh(key string) bool {
	if _, ok := c.dirs[key]; !ok {
		return false
	}
	at, ok := c.fresh[key]
	return ok && c.now().Sub(at) < c.expiry
}

// PopulateFromList lists (rootDir, idPrefix) remotely and merges the result.
// An unbounded listing of a fresh key is served from cache. A listing error
// leaves the cache untouched and is reported as storage.ErrNotFound.
func (c *Cache) PopulateFromList(ctx context.Context, rootDir, idPrefix string, limit int) error {
	key := cdfpath.ListKey(rootDir, idPrefix)
	unbounded := limit <= 0

	if unbounded && c.Fresh(rootDir, idPrefix) {
		return nil
	}

	q := storage.ListQuery{ExternalIDPrefix: idPrefix, Limit: storage.NoLimit}
	if rootDir != "/" && rootDir != "" {
		q.DirectoryPrefix = rootDir
	}
	if !unbounded {
		q.Limit = limit
	}

	objects, err := c.lister.ListObjects(ctx, q)
	metrics.RecordRemoteListing(err == nil)
	if err != nil {
		logging.WithContext(ctx).Warn("remote listing failed",
			logging.String("key", key), logging.Err(err))
		return fmt.Errorf("list %q: %w: %w", key, storage.ErrNotFound, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, obj := range objects {
		if obj.ExternalID == "" {
			continue
		}
		dir := obj.Directory
		if dir == "" {
			dir = "/"
		}
		name := cdfpath.Join(dir, obj.ExternalID)
		parent := cdfpath.Parent(name)
		set := c.set(parent)
		if _, ok := c.written[name]; !ok || !set.has(name) {
			set.upsert(Entry{Kind: KindFile, Name: name, Size: obj.Size()})
		}
		c.registerAncestors(parent)
	}

	if unbounded {
		c.fresh[key] = c.now()
	} else {
		delete(c.fresh, key)
	}
	return nil
}

// WriteThrough publishes a committed object without a remote call.
func (c *Cache) WriteThrough(rootDir, objectID string, size int64) {
	name := cdfpath.Join(rootDir, objectID)
	parent := cdfpath.Parent(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.set(parent).upsert(Entry{Kind: KindFile, Name: name, Size: size})
	c.written[name] = struct{}{}
	c.registerAncestors(parent)
}

// Mkdir registers an empty directory. It fails with ErrAlreadyExists when the
// directory is cached and existOK is false.
func (c *Cache) Mkdir(path string, existOK bool) error {
	key := cdfpath.Key(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.dirs[key]; ok {
		if existOK {
			return nil
		}
		return fmt.Errorf("mkdir %q: %w", key, ErrAlreadyExists)
	}
	c.dirs[key] = newEntrySet()
	c.registerAncestors(key)
	return nil
}

// List serves a listing of queriedPath, which resolved to (rootDir,
// idPrefix). Bounded listings bypass and then drop the cached entries, so
// a partial result is never served to a later unbounded query.
func (c *Cache) List(ctx context.Context, queriedPath, rootDir, idPrefix string, limit int) ([]Entry, error) {
	bounded := limit > 0
	if bounded {
		c.Invalidate(rootDir)
		c.Invalidate(queriedPath)
	}

	if err := c.PopulateFromList(ctx, rootDir, idPrefix, limit); err != nil {
		return nil, err
	}

	entries, ok := c.Get(queriedPath)
	if !ok {
		want := cdfpath.Key(queriedPath)
		rootEntries, _ := c.Get(rootDir)
		for _, e := range rootEntries {
			if e.Name == want {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("ls %q: %w", want, storage.ErrNotFound)
		}
	}

	if bounded {
		c.Invalidate(queriedPath)
	}
	return entries, nil
}

// Lookup returns the entry for a single path from its parent's cached set.
func (c *Cache) Lookup(path string) (Entry, bool) {
	key := cdfpath.Key(path)
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.dirs[cdfpath.Parent(key)]
	if !ok || key == "" {
		return Entry{}, false
	}
	i, ok := set.index[key]
	if !ok {
		return Entry{}, false
	}
	return set.items[i], true
}

// set returns the entry set for key, creating it. Callers hold c.mu.
func (c *Cache) set(key string) *entrySet {
	s, ok := c.dirs[key]
	if !ok {
		s = newEntrySet()
		c.dirs[key] = s
	}
	return s
}

// registerAncestors adds key and each of its ancestors as a directory entry
// of its own parent. Callers hold c.mu.
func (c *Cache) registerAncestors(key string) {
	for key != "" {
		parent := cdfpath.Parent(key)
		if s := c.set(parent); !s.has(key) {
			s.upsert(Entry{Kind: KindDirectory, Name: key, Size: -1})
		}
		key = parent
	}
}
