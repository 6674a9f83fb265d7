// Package tracker guards a change cache for concurrent use and reports its
// activity to the metrics registry.
package tracker

import (
	"sync"

	"github.com/juju/loggo/v2"

	"changecache/internal/changecache"
	"changecache/internal/metrics"
)

var logger = loggo.GetLogger("changecache.tracker")

const (
	resultChanged   = "changed"
	resultUnchanged = "unchanged"
	resultUnknown   = "unknown"
)

// Stats is a snapshot of the tracked change cache.
type Stats struct {
	Label     string `json:"label"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Horizon   int64  `json:"horizon"`
	Evictions uint64 `json:"evictions"`
}

// Tracker serialises access to a change cache keyed by entity id.
type Tracker struct {
	mu      sync.RWMutex
	cache   *changecache.Cache[string]
	metrics *metrics.ChangeCacheMetrics
}

// New creates a Tracker whose change knowledge starts at horizon.
func New(label string, horizon int64, capacity int) *Tracker {
	t := &Tracker{
		cache:   changecache.New(label, horizon, changecache.WithCapacity[string](capacity)),
		metrics: metrics.NewChangeCacheMetrics(label),
	}
	logger.Infof("change cache %q created: horizon=%d capacity=%d", label, horizon, t.cache.Capacity())
	t.metrics.Update(0, horizon, 0)
	return t
}

// EntityHasChanged records a change of entity at pos. Positions at or before
// what is already known for entity are ignored, so the cache only ever sees
// a non-decreasing stream per entity even when writers race.
func (t *Tracker) EntityHasChanged(entity string, pos int64) {
	t.mu.Lock()
	if t.cache.MaxPosOfLastChange(entity) >= pos {
		t.mu.Unlock()
		return
	}
	before := t.cache.Evictions()
	t.cache.EntityHasChanged(entity, pos)
	evicted := t.cache.Evictions() - before
	size, horizon := t.cache.Len(), t.cache.EarliestKnownPosition()
	t.mu.Unlock()

	if evicted > 0 {
		logger.Debugf("change cache %q evicted %d entries, horizon now %d", t.cache.Label(), evicted, horizon)
	}
	logger.Tracef("change cache %q: %s changed at %d", t.cache.Label(), entity, pos)
	t.metrics.Update(size, horizon, evicted)
}

// HasEntityChanged reports whether entity may have changed after pos.
func (t *Tracker) HasEntityChanged(entity string, pos int64) bool {
	t.mu.RLock()
	changed := t.cache.HasEntityChanged(entity, pos)
	t.mu.RUnlock()

	t.observe("has_entity_changed", boolResult(changed))
	return changed
}

// AllEntitiesChanged returns the entities changed after pos in change order,
// or ok=false when pos predates the cache's knowledge.
func (t *Tracker) AllEntitiesChanged(pos int64) ([]string, bool) {
	t.mu.RLock()
	entities, ok := t.cache.AllEntitiesChanged(pos)
	t.mu.RUnlock()

	switch {
	case !ok:
		t.observe("all_entities_changed", resultUnknown)
	default:
		t.observe("all_entities_changed", boolResult(len(entities) > 0))
	}
	return entities, ok
}

// HasAnyEntityChanged reports whether any entity changed after pos.
func (t *Tracker) HasAnyEntityChanged(pos int64) bool {
	t.mu.RLock()
	changed := t.cache.HasAnyEntityChanged(pos)
	t.mu.RUnlock()

	t.observe("has_any_entity_changed", boolResult(changed))
	return changed
}

// EntitiesChanged returns the subset of entities that may have changed after
// pos. known is false when pos predates the cache's knowledge, in which case
// every entity is returned.
func (t *Tracker) EntitiesChanged(entities []string, pos int64) (changed map[string]struct{}, known bool) {
	t.mu.RLock()
	changed = t.cache.EntitiesChanged(entities, pos)
	known = pos >= t.cache.EarliestKnownPosition()
	t.mu.RUnlock()

	switch {
	case !known:
		t.observe("entities_changed", resultUnknown)
	default:
		t.observe("entities_changed", boolResult(len(changed) > 0))
	}
	return changed, known
}

// MaxPosOfLastChange returns the last recorded position of entity, or the
// earliest known position when it is not tracked.
func (t *Tracker) MaxPosOfLastChange(entity string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cache.MaxPosOfLastChange(entity)
}

// Stats returns a snapshot of the cache.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Label:     t.cache.Label(),
		Size:      t.cache.Len(),
		Capacity:  t.cache.Capacity(),
		Horizon:   t.cache.EarliestKnownPosition(),
		Evictions: t.cache.Evictions(),
	}
}

func (t *Tracker) observe(op, result string) {
	t.metrics.Observe(op, result)
}

func boolResult(changed bool) string {
	if changed {
		return resultChanged
	}
	return resultUnchanged
}
