// Package modelcache implements ModelCache: a byte-budgeted LRU of model
// artifacts fetched from the blob store by model id. Concurrent acquires of
// the same model id are coalesced with golang.org/x/sync/singleflight so
// only one caller ever downloads a given artifact at a time.
package modelcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// Fetcher resolves a model id to its artifact bytes and blob handle. In
// production this is a thin wrapper resolving model id -> blob handle ->
// blobstore.Store.Get; tests substitute a deterministic double.
type Fetcher interface {
	Fetch(ctx context.Context, modelID string) ([]byte, error)
}

type entry struct {
	id       string
	data     []byte
	size     int64
	refCount int
	elem     *list.Element
}

// Cache is ModelCache: acquire/release around a byte-budgeted LRU.
type Cache struct {
	log     *logger.Logger
	fetch   Fetcher
	budget  int64
	group   singleflight.Group

	mu    sync.Mutex
	used  int64
	lru   *list.List // front = most recently used
	byID  map[string]*entry
}

func New(log *logger.Logger, fetch Fetcher, budgetBytes int64) *Cache {
	return &Cache{
		log:    log.With("service", "ModelCache"),
		fetch:  fetch,
		budget: budgetBytes,
		lru:    list.New(),
		byID:   make(map[string]*entry),
	}
}

// Acquire returns the resident bytes for modelID, fetching and inserting on
// miss. Concurrent acquires of the same id share one fetch. The returned
// refcount is held until a matching Release.
func (c *Cache) Acquire(ctx context.Context, modelID string) ([]byte, *domain.Error) {
	c.mu.Lock()
	if e, ok := c.byID[modelID]; ok {
		e.refCount++
		c.lru.MoveToFront(e.elem)
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(modelID, func() (any, error) {
		data, err := c.fetch.Fetch(ctx, modelID)
		if err != nil {
			return nil, err
		}
		if derr := c.insert(modelID, data); derr != nil {
			return nil, derr
		}
		return data, nil
	})
	if err != nil {
		if de, ok := err.(*domain.Error); ok {
			return nil, de
		}
		return nil, domain.NewError(domain.ErrModelFetchFailed, fmt.Sprintf("fetch model %s", modelID), err)
	}

	c.mu.Lock()
	if e, ok := c.byID[modelID]; ok {
		e.refCount++
		c.lru.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	return v.([]byte), nil
}

// insert adds a freshly fetched artifact, evicting LRU-order refcount-zero
// entries until it fits. Returns CacheFull if no evictable entry remains.
func (c *Cache) insert(modelID string, data []byte) *domain.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[modelID]; ok {
		_ = existing
		return nil // another racer already inserted it before this one ran (should not happen under singleflight, but keep idempotent)
	}

	size := int64(len(data))
	for c.budget > 0 && c.used+size > c.budget {
		victim := c.evictOneLocked()
		if victim == nil {
			return domain.NewError(domain.ErrCacheFull, fmt.Sprintf("no evictable entry for %d byte insert of %s", size, modelID), nil)
		}
	}

	e := &entry{id: modelID, data: data, size: size}
	e.elem = c.lru.PushFront(e)
	c.byID[modelID] = e
	c.used += size
	return nil
}

// evictOneLocked evicts the least-recently-used refcount-zero entry and
// returns it, or nil if none is evictable. Caller holds c.mu.
func (c *Cache) evictOneLocked() *entry {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refCount == 0 {
			c.lru.Remove(el)
			delete(c.byID, e.id)
			c.used -= e.size
			return e
		}
	}
	return nil
}

// Release decrements modelID's refcount. A refcount-zero entry becomes
// evictable but stays resident (and in LRU order) until a later insert needs
// the room, so a hot model that is released and immediately reacquired
// avoids a redundant fetch.
func (c *Cache) Release(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[modelID]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
}

// Snapshot returns every resident entry's cache metadata, for diagnostics and
// the pre-warm loop's frequency accounting.
func (c *Cache) Snapshot() []domain.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CacheEntry, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, domain.CacheEntry{ModelID: e.id, SizeBytes: e.size, RefCount: e.refCount})
	}
	return out
}

// blobFetcher adapts a blobstore.Store plus a model-id-to-handle resolver
// into a Fetcher.
type blobFetcher struct {
	store   blobstore.Store
	resolve func(modelID string) (blobstore.Handle, error)
}

func NewBlobFetcher(store blobstore.Store, resolve func(modelID string) (blobstore.Handle, error)) Fetcher {
	return &blobFetcher{store: store, resolve: resolve}
}

func (f *blobFetcher) Fetch(ctx context.Context, modelID string) ([]byte, error) {
	handle, err := f.resolve(modelID)
	if err != nil {
		return nil, err
	}
	return f.store.Get(ctx, handle)
}
