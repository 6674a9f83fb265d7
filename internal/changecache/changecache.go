// Package changecache tracks which entities changed at which stream position,
// so callers can decide whether derived data is stale without asking the
// backing store.
package changecache

import (
	"sort"

	"github.com/google/btree"
)

// DefaultCapacity is used when no capacity (or a non-positive one) is given.
const DefaultCapacity = 10000

// btreeDegree is the fan-out of the position index.
const btreeDegree = 32

// slot is one entry of the position index. Ordering is by position only, so
// two entities recorded at the same position share a slot.
type slot[E comparable] struct {
	pos    int64
	entity E
}

// Cache is a bounded index from entity to the most recent stream position at
// which it is known to have changed.
//
// Cache answers conservatively: it never claims "unchanged" for a position
// older than its earliest known position. It is not safe for concurrent use;
// callers must serialise access.
type Cache[E comparable] struct {
	label     string
	horizon   int64
	capacity  int
	evictions uint64

	byPos    *btree.BTreeG[slot[E]]
	byEntity map[E]int64
}

// Option configures a Cache at construction.
type Option[E comparable] func(*options[E])

type options[E comparable] struct {
	capacity  int
	prefilled map[E]int64
}

// WithCapacity sets the maximum number of tracked entities.
func WithCapacity[E comparable](n int) Option[E] {
	return func(o *options[E]) { o.capacity = n }
}

// WithPrefilled seeds the cache. Each entry is applied as an ordinary
// EntityHasChanged call and is subject to the same eviction.
func WithPrefilled[E comparable](seed map[E]int64) Option[E] {
	return func(o *options[E]) { o.prefilled = seed }
}

// New creates a Cache that has complete change knowledge for every position
// at or after earliestKnown.
func New[E comparable](label string, earliestKnown int64, opts ...Option[E]) *Cache[E] {
	var o options[E]
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}

	c := &Cache[E]{
		label:    label,
		horizon:  earliestKnown,
		capacity: o.capacity,
		byPos: btree.NewG(btreeDegree, func(a, b slot[E]) bool {
			return a.pos < b.pos
		}),
		byEntity: make(map[E]int64),
	}

	// Apply seeds oldest first so eviction does not depend on map order.
	seeds := make([]slot[E], 0, len(o.prefilled))
	for e, p := range o.prefilled {
		seeds = append(seeds, slot[E]{pos: p, entity: e})
	}
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].pos < seeds[j].pos })
	for _, s := range seeds {
		c.EntityHasChanged(s.entity, s.pos)
	}

	return c
}

// EntityHasChanged records that entity changed at pos. The position is
// trusted as given; it may be lower than the one already recorded.
func (c *Cache[E]) EntityHasChanged(entity E, pos int64) {
	if old, ok := c.byEntity[entity]; ok {
		c.byPos.Delete(slot[E]{pos: old})
	}
	c.byPos.ReplaceOrInsert(slot[E]{pos: pos, entity: entity})
	c.byEntity[entity] = pos

	for len(c.byEntity) > c.capacity {
		oldest, ok := c.byPos.DeleteMin()
		if !ok {
			break
		}
		delete(c.byEntity, oldest.entity)
		c.evictions++
		// Everything at or before the evicted position is no longer known
		// precisely.
		if oldest.pos > c.horizon {
			c.horizon = oldest.pos
		}
	}
}

// HasEntityChanged reports whether entity may have changed after pos.
func (c *Cache[E]) HasEntityChanged(entity E, pos int64) bool {
	if pos < c.horizon {
		return true
	}
	if p, ok := c.byEntity[entity]; ok {
		return p > pos
	}
	return false
}

// AllEntitiesChanged returns the entities changed after pos in the order the
// changes happened. ok is false when pos is older than the earliest known
// position, in which case the caller must assume everything changed.
func (c *Cache[E]) AllEntitiesChanged(pos int64) (entities []E, ok bool) {
	if pos < c.horizon {
		return nil, false
	}
	entities = []E{}
	c.byPos.AscendGreaterOrEqual(slot[E]{pos: pos}, func(s slot[E]) bool {
		if s.pos > pos {
			entities = append(entities, s.entity)
		}
		return true
	})
	return entities, true
}

// HasAnyEntityChanged reports whether any entity changed after pos. An empty
// cache reports false for every position, including ones older than the
// earliest known position.
func (c *Cache[E]) HasAnyEntityChanged(pos int64) bool {
	latest, ok := c.byPos.Max()
	if !ok {
		return false
	}
	return pos < latest.pos
}

// EntitiesChanged returns the subset of entities that may have changed after
// pos. Untracked entities are always included.
func (c *Cache[E]) EntitiesChanged(entities []E, pos int64) map[E]struct{} {
	changed := make(map[E]struct{}, len(entities))
	if pos < c.horizon {
		for _, e := range entities {
			changed[e] = struct{}{}
		}
		return changed
	}
	for _, e := range entities {
		if p, ok := c.byEntity[e]; !ok || p > pos {
			changed[e] = struct{}{}
		}
	}
	return changed
}

// MaxPosOfLastChange returns the position entity was last recorded at, or the
// earliest known position when it is not tracked.
func (c *Cache[E]) MaxPosOfLastChange(entity E) int64 {
	if p, ok := c.byEntity[entity]; ok {
		return p
	}
	return c.horizon
}

// Label returns the diagnostic name given at construction.
func (c *Cache[E]) Label() string { return c.label }

// Len returns the number of tracked entities.
func (c *Cache[E]) Len() int { return len(c.byEntity) }

// Capacity returns the maximum number of tracked entities.
func (c *Cache[E]) Capacity() int { return c.capacity }

// EarliestKnownPosition returns the oldest position the cache has complete
// knowledge of.
func (c *Cache[E]) EarliestKnownPosition() int64 { return c.horizon }

// Evictions returns how many entries were dropped to stay within capacity.
func (c *Cache[E]) Evictions() uint64 { return c.evictions }
