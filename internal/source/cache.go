package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// elevationEntry is the cache layer id for composited elevation.
const elevationEntry = mapframe.LayerID(-1)

type cacheKey struct {
	layer mapframe.LayerID
	addr  tilekey.Address
}

type cacheShard struct {
	mu    sync.RWMutex
	cache map[cacheKey][]byte
	order []cacheKey // FIFO order for eviction
}

// Cached is a sharded FIFO cache in front of another loader. Sequential
// loading requests the same ancestor tiles for many children, so most hits
// come from shallow levels. Errors are not cached.
type Cached struct {
	next        tile.Loader
	shards      [64]*cacheShard
	maxPerShard int
	hits        atomic.Uint64
	misses      atomic.Uint64
}

// NewCached caches up to maxEntries payloads.
func NewCached(next tile.Loader, maxEntries int) *Cached {
	maxPerShard := maxEntries / 64
	if maxPerShard < 16 {
		maxPerShard = 16
	}
	c := &Cached{next: next, maxPerShard: maxPerShard}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			cache: make(map[cacheKey][]byte),
			order: make([]cacheKey, 0, maxPerShard),
		}
	}
	return c
}

func (c *Cached) shard(k cacheKey) *cacheShard {
	return c.shards[(k.addr.Code()+uint64(k.layer))%uint64(len(c.shards))]
}

func (c *Cached) get(k cacheKey) ([]byte, bool) {
	s := c.shard(k)
	s.mu.RLock()
	data, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return data, ok
}

func (c *Cached) put(k cacheKey, data []byte) {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[k]; exists {
		s.cache[k] = data
		return
	}
	for len(s.cache) >= c.maxPerShard && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
	s.cache[k] = data
	s.order = append(s.order, k)
}

func (c *Cached) load(k cacheKey, fetch func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.get(k); ok {
		return data, nil
	}
	data, err := fetch()
	if err != nil {
		return nil, err
	}
	c.put(k, data)
	return data, nil
}

// LoadElevation implements tile.Loader.
func (c *Cached) LoadElevation(ctx context.Context, layers []mapframe.Layer, key tilekey.Address) ([]byte, error) {
	return c.load(cacheKey{layer: elevationEntry, addr: key}, func() ([]byte, error) {
		return c.next.LoadElevation(ctx, layers, key)
	})
}

// LoadImagery implements tile.Loader.
func (c *Cached) LoadImagery(ctx context.Context, layer mapframe.Layer, key tilekey.Address) ([]byte, error) {
	return c.load(cacheKey{layer: layer.ID, addr: key}, func() ([]byte, error) {
		return c.next.LoadImagery(ctx, layer, key)
	})
}

// Stats returns cache statistics.
func (c *Cached) Stats() (hits, misses uint64, size int) {
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.cache)
		s.mu.RUnlock()
	}
	return c.hits.Load(), c.misses.Load(), size
}
