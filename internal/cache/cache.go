// Package cache keeps the latest committed view of hot areas in memory.
// Eviction only costs a rebuild from the owning group; it never affects
// durability.
package cache

import (
	"github.com/tidwall/tinylru"

	"areastate/internal/domain"
	"areastate/internal/metrics"
	"areastate/internal/types"
)

type AreaView struct {
	Area    domain.AreaID
	State   types.AreaState
	Version uint64
}

type Cache struct {
	lru tinylru.LRU
}

func New(capacity int) *Cache {
	c := &Cache{}
	if capacity <= 0 {
		capacity = 256
	}
	c.lru.Resize(capacity)
	return c
}

// Put stores v unless a newer version is already cached. The cache takes
// ownership of v.State.
func (c *Cache) Put(v AreaView) {
	if prev, ok := c.lru.Get(v.Area); ok && prev.(AreaView).Version > v.Version {
		return
	}
	c.lru.Set(v.Area, v)
}

// Get returns a private copy of the cached view.
func (c *Cache) Get(area domain.AreaID) (AreaView, bool) {
	v, ok := c.lru.Get(area)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return AreaView{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	view := v.(AreaView)
	view.State = view.State.Clone()
	return view, true
}

func (c *Cache) Version(area domain.AreaID) (uint64, bool) {
	v, ok := c.lru.Get(area)
	if !ok {
		return 0, false
	}
	return v.(AreaView).Version, true
}

func (c *Cache) Invalidate(area domain.AreaID) {
	c.lru.Delete(area)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
