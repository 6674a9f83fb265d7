package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"changecache/internal/cache"
	"changecache/internal/config"
	"changecache/internal/models"
	"changecache/internal/nats"
	"changecache/internal/tracker"
)

var logger = loggo.GetLogger("changecache.service")

// EntityService serves entities from the value cache whenever the change
// tracker can vouch that the cached snapshot is still current, and from the
// store otherwise.
type EntityService struct {
	cache   cache.MemoryCache
	store   nats.KVStore
	tracker *tracker.Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEntityService creates a new entity service. The tracker's horizon must
// not be later than the store's last revision.
func NewEntityService(cache cache.MemoryCache, store nats.KVStore, tracker *tracker.Tracker) *EntityService {
	return &EntityService{
		cache:   cache,
		store:   store,
		tracker: tracker,
	}
}

// Start feeds every change after the tracker's horizon into the tracker
// until Close is called or ctx is done.
func (s *EntityService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.AlreadyExistsf("change watcher")
	}

	ctx, cancel := context.WithCancel(ctx)
	from := uint64(s.tracker.Stats().Horizon) + 1
	if err := s.store.Watch(ctx, from, s.recordChange); err != nil {
		cancel()
		return errors.Annotate(err, "watching store")
	}
	s.cancel = cancel
	logger.Infof("watching changes from revision %d", from)
	return nil
}

func (s *EntityService) recordChange(ev nats.ChangeEvent) {
	s.tracker.EntityHasChanged(ev.ID, int64(ev.Revision))
	if ev.Kind == models.ChangeDelete {
		s.cache.Delete(ev.ID)
	}
}

// Ready checks whether the store is reachable
func (s *EntityService) Ready(ctx context.Context) error {
	_, err := s.store.LastRevision(ctx)
	return err
}

// GetEntity returns an entity, from the value cache if it has not changed
// since it was cached.
func (s *EntityService) GetEntity(ctx context.Context, id string) (models.Entity, error) {
	if entity, found := s.cache.Get(id); found {
		if !s.tracker.HasEntityChanged(id, entity.Position()) {
			return entity, nil
		}
		s.cache.Delete(id)
	}

	fresh, err := s.load(ctx, []string{id})
	if err != nil {
		return models.Entity{}, errors.Trace(err)
	}
	entity, ok := fresh[id]
	if !ok {
		return models.Entity{}, &EntityNotFoundError{ID: id}
	}
	return entity, nil
}

// GetEntities returns the entities among ids that exist
func (s *EntityService) GetEntities(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	result := make(map[string]models.Entity)
	var missing []string

	for id, entity := range s.cache.GetMultiple(ids) {
		if s.tracker.HasEntityChanged(id, entity.Position()) {
			s.cache.Delete(id)
			continue
		}
		result[id] = entity
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fresh, err := s.load(ctx, missing)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for id, entity := range fresh {
			result[id] = entity
		}
	}

	return result, nil
}

// load reads ids from the store and caches them. Every change at or before
// the horizon observed here is already reflected in what the store returns,
// so snapshots are tagged with that horizon as well as their own revision.
func (s *EntityService) load(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	knownAt := s.tracker.Stats().Horizon

	entities, err := s.store.GetMultiple(ctx, ids)
	if err != nil {
		return nil, errors.Annotate(err, "reading from store")
	}
	for id, entity := range entities {
		if knownAt > 0 {
			entity.KnownAt = uint64(knownAt)
		}
		entities[id] = entity
		s.cache.Set(id, entity)
	}
	return entities, nil
}

// PutEntity writes an entity on behalf of by and returns its snapshot at the
// new revision
func (s *EntityService) PutEntity(ctx context.Context, id string, data json.RawMessage, by string) (models.Entity, error) {
	entity := models.Entity{ID: id, Data: data, UpdatedAt: time.Now().UTC(), UpdatedBy: by}
	if err := entity.Validate(); err != nil {
		return models.Entity{}, errors.NewNotValid(err, "invalid entity")
	}

	rev, err := s.store.Put(ctx, id, data, by)
	if err != nil {
		return models.Entity{}, errors.Annotate(err, "failed to store entity")
	}
	entity.Revision = rev

	// Record now rather than waiting for the watcher, so readers stop
	// trusting older snapshots immediately.
	s.tracker.EntityHasChanged(id, int64(rev))
	s.cache.Delete(id)

	logger.Debugf("entity %q written by %q at revision %d", id, by, rev)
	return entity, nil
}

// DeleteEntity removes an entity on behalf of by. The change itself is
// recorded when the watcher observes the delete marker.
func (s *EntityService) DeleteEntity(ctx context.Context, id string, by string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.Annotate(err, "failed to delete entity")
	}
	s.cache.Delete(id)
	logger.Infof("entity %q deleted by %q", id, by)
	return nil
}

// ChangesSince returns the entities changed after pos in change order.
// known is false when pos predates the change cache.
func (s *EntityService) ChangesSince(pos int64) (entities []string, known bool) {
	return s.tracker.AllEntitiesChanged(pos)
}

// HasChanged reports whether id may have changed after pos, together with
// the latest position it could have changed at.
func (s *EntityService) HasChanged(id string, pos int64) (changed bool, lastChange int64) {
	return s.tracker.HasEntityChanged(id, pos), s.tracker.MaxPosOfLastChange(id)
}

// HasAnyChanged reports whether any entity changed after pos
func (s *EntityService) HasAnyChanged(pos int64) bool {
	return s.tracker.HasAnyEntityChanged(pos)
}

// ChangedAmong returns, sorted, the ids that may have changed after pos.
// known is false when pos predates the change cache and every id is
// returned.
func (s *EntityService) ChangedAmong(ids []string, pos int64) (changed []string, known bool) {
	set, known := s.tracker.EntitiesChanged(ids, pos)
	changed = make([]string, 0, len(set))
	for id := range set {
		changed = append(changed, id)
	}
	sort.Strings(changed)
	return changed, known
}

// Position returns the store's latest revision
func (s *EntityService) Position(ctx context.Context) (int64, error) {
	rev, err := s.store.LastRevision(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int64(rev), nil
}

// Stats returns a snapshot of the change tracker
func (s *EntityService) Stats() tracker.Stats {
	return s.tracker.Stats()
}

// Cache exposes the value cache to observers (read-only use)
func (s *EntityService) Cache() cache.MemoryCache { return s.cache }

// Close stops the watcher and closes the store
func (s *EntityService) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if err := s.store.Close(); err != nil {
		return errors.Annotate(err, "failed to close store")
	}
	s.cache.Clear()
	return nil
}

// EntityNotFoundError represents an error when an entity is not found
type EntityNotFoundError struct {
	ID string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %q not found", e.ID)
}

// Unwrap lets errors.Is(err, errors.NotFound) match
func (e *EntityNotFoundError) Unwrap() error { return errors.NotFound }

// ServiceBuilder helps build a complete entity service
type ServiceBuilder struct {
	config *config.Config
}

// NewServiceBuilder creates a new service builder
func NewServiceBuilder(config *config.Config) *ServiceBuilder {
	return &ServiceBuilder{config: config}
}

// Build builds, wires and starts all service components
func (b *ServiceBuilder) Build(ctx context.Context) (*EntityService, error) {
	memCache, err := b.buildCache()
	if err != nil {
		return nil, errors.Annotate(err, "failed to create value cache")
	}

	store, err := nats.NewKVStore(nats.KVConfig{
		ServerURL:          b.config.NATS.ServerURL,
		BucketName:         b.config.NATS.KVBucket,
		Embedded:           b.config.NATS.Embedded,
		DataDir:            b.config.NATS.DataDir,
		JetStreamMaxMemory: b.config.NATS.JetStreamMaxMemory,
		JetStreamMaxStore:  b.config.NATS.JetStreamMaxStore,
		History:            uint8(b.config.NATS.KVHistory),
		StartTimeout:       b.config.NATS.StartTimeout,
	})
	if err != nil {
		return nil, errors.Annotate(err, "failed to create NATS KV store")
	}

	// Everything up to the current revision is reflected in the store, so
	// the change cache starts with complete knowledge from there.
	horizon, err := store.LastRevision(ctx)
	if err != nil {
		store.Close()
		return nil, errors.Annotate(err, "reading current revision")
	}

	tr := tracker.New(b.config.Cache.ChangeLabel, int64(horizon), b.config.Cache.ChangeCacheCapacity())
	svc := NewEntityService(memCache, store, tr)
	if err := svc.Start(ctx); err != nil {
		store.Close()
		return nil, errors.Trace(err)
	}
	return svc, nil
}

func (b *ServiceBuilder) buildCache() (cache.MemoryCache, error) {
	if b.config.Cache.MaxCost > 0 {
		return cache.NewRistrettoCache(cache.RistrettoConfig{
			MaxCost:     b.config.Cache.MaxCost,
			NumCounters: b.config.Cache.NumCounters,
			BufferItems: b.config.Cache.BufferItems,
			Metrics:     b.config.Cache.Metrics,
		})
	}
	return cache.NewMemoryCache(b.config.Cache.ValueCacheItems())
}
