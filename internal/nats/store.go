package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"changecache/internal/models"
)

var logger = loggo.GetLogger("changecache.nats")

// keyPrefix namespaces entity keys inside the bucket.
const keyPrefix = "entity."

// KVStore is the authoritative store for entities. Every mutation is
// assigned a bucket revision, which doubles as the stream position.
type KVStore interface {
	Get(ctx context.Context, id string) (models.Entity, error)
	Put(ctx context.Context, id string, data json.RawMessage, by string) (uint64, error)
	Delete(ctx context.Context, id string) error
	GetMultiple(ctx context.Context, ids []string) (map[string]models.Entity, error)
	LastRevision(ctx context.Context) (uint64, error)
	Watch(ctx context.Context, fromRevision uint64, callback func(ChangeEvent)) error
	Close() error
}

// ChangeEvent is a change observed on the bucket
type ChangeEvent struct {
	ID       string
	Kind     models.ChangeKind
	Revision uint64
}

// record is the value stored under an entity key.
type record struct {
	Data      json.RawMessage `json:"data"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// KVConfig holds configuration for the KV store
type KVConfig struct {
	ServerURL          string
	BucketName         string
	Embedded           bool
	DataDir            string
	JetStreamMaxMemory int64
	JetStreamMaxStore  int64
	History            uint8
	StartTimeout       string // Startup wait duration, e.g., "30s"
}

// kvStore implements KVStore using NATS KV
type kvStore struct {
	config KVConfig
	server *server.Server
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
}

// NewKVStore creates a new NATS KV store
func NewKVStore(config KVConfig) (KVStore, error) {
	if config.BucketName == "" {
		config.BucketName = "entities"
	}
	store := &kvStore{
		config: config,
	}

	if config.Embedded {
		if err := store.startEmbeddedServer(); err != nil {
			return nil, errors.Annotate(err, "starting embedded server")
		}
	}

	serverURL := store.config.ServerURL
	if serverURL == "" {
		serverURL = nats.DefaultURL
	}

	conn, err := nats.Connect(serverURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		store.cleanup()
		return nil, errors.Annotate(err, "connecting to NATS")
	}
	store.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		store.cleanup()
		return nil, errors.Annotate(err, "creating JetStream context")
	}
	store.js = js

	ctx := context.Background()
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  config.BucketName,
		History: config.History,
	})
	if err != nil {
		// Try to get existing bucket
		kv, err = js.KeyValue(ctx, config.BucketName)
		if err != nil {
			store.cleanup()
			return nil, errors.Annotatef(err, "creating/getting KV bucket %q", config.BucketName)
		}
	}
	store.kv = kv

	return store, nil
}

// Get retrieves an entity from the KV store
func (s *kvStore) Get(ctx context.Context, id string) (models.Entity, error) {
	entry, err := s.kv.Get(ctx, entityKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return models.Entity{}, errors.NotFoundf("entity %q", id)
		}
		return models.Entity{}, errors.Annotatef(err, "getting entity %q", id)
	}

	if entry == nil || len(entry.Value()) == 0 {
		return models.Entity{}, errors.NotFoundf("entity %q", id)
	}

	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return models.Entity{}, errors.Annotatef(err, "decoding entity %q at revision %d", id, entry.Revision())
	}

	return models.Entity{
		ID:        id,
		Data:      rec.Data,
		Revision:  entry.Revision(),
		UpdatedAt: entry.Created().UTC(),
		UpdatedBy: rec.UpdatedBy,
	}, nil
}

// Put stores an entity written by by and returns the revision assigned to
// the write
func (s *kvStore) Put(ctx context.Context, id string, data json.RawMessage, by string) (uint64, error) {
	if id == "" {
		return 0, errors.NotValidf("empty entity id")
	}
	if !json.Valid(data) {
		return 0, errors.NotValidf("data for entity %q", id)
	}

	value, err := json.Marshal(record{Data: data, UpdatedBy: by})
	if err != nil {
		return 0, errors.Annotatef(err, "encoding entity %q", id)
	}
	rev, err := s.kv.Put(ctx, entityKey(id), value)
	if err != nil {
		return 0, errors.Annotatef(err, "putting entity %q", id)
	}
	return rev, nil
}

// Delete removes an entity from the KV store
func (s *kvStore) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, entityKey(id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.Annotatef(err, "deleting entity %q", id)
	}
	return nil
}

// GetMultiple retrieves multiple entities, skipping those that do not exist
func (s *kvStore) GetMultiple(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	result := make(map[string]models.Entity)

	for _, id := range ids {
		entity, err := s.Get(ctx, id)
		switch {
		case err == nil:
			result[id] = entity
		case errors.Is(err, errors.NotFound):
		default:
			return nil, errors.Trace(err)
		}
	}

	return result, nil
}

// LastRevision returns the last revision written to the bucket
func (s *kvStore) LastRevision(ctx context.Context) (uint64, error) {
	stream, err := s.js.Stream(ctx, "KV_"+s.config.BucketName)
	if err != nil {
		return 0, errors.Annotate(err, "looking up bucket stream")
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "reading bucket stream info")
	}
	return info.State.LastSeq, nil
}

// Watch delivers every change with a revision at or after fromRevision.
// The callback runs on a single goroutine in revision order.
func (s *kvStore) Watch(ctx context.Context, fromRevision uint64, callback func(ChangeEvent)) error {
	var opts []jetstream.WatchOpt
	if fromRevision > 0 {
		opts = append(opts, jetstream.ResumeFromRevision(fromRevision))
	} else {
		opts = append(opts, jetstream.UpdatesOnly())
	}

	watcher, err := s.kv.Watch(ctx, keyPrefix+">", opts...)
	if err != nil {
		return errors.Annotate(err, "creating watcher")
	}

	go func() {
		defer watcher.Stop()

		for {
			select {
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values
				if entry == nil {
					continue
				}

				event, err := changeEvent(entry)
				if err != nil {
					logger.Warningf("skipping change at revision %d: %v", entry.Revision(), err)
					continue
				}
				callback(event)

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// changeEvent converts a watched entry into a ChangeEvent
func changeEvent(entry jetstream.KeyValueEntry) (ChangeEvent, error) {
	id, err := entityID(entry.Key())
	if err != nil {
		return ChangeEvent{}, errors.Trace(err)
	}

	event := ChangeEvent{ID: id, Revision: entry.Revision()}
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		event.Kind = models.ChangePut
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		event.Kind = models.ChangeDelete
	}
	if !event.Kind.IsValid() {
		return ChangeEvent{}, errors.NotValidf("operation %v on key %q", entry.Operation(), entry.Key())
	}
	return event, nil
}

// Close closes the KV store and cleans up resources
func (s *kvStore) Close() error {
	return s.cleanup()
}

// entityKey maps an arbitrary entity id onto the KV key alphabet
func entityKey(id string) string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// entityID reverses entityKey
func entityID(key string) (string, error) {
	encoded, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", errors.NotValidf("key %q", key)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Annotatef(err, "decoding key %q", key)
	}
	return string(raw), nil
}

// startEmbeddedServer starts an embedded NATS server with JetStream
func (s *kvStore) startEmbeddedServer() error {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       -1, // Random port for client connections
		JetStream:  true,
		ServerName: fmt.Sprintf("changecache-%d", time.Now().UnixNano()),
		NoSigs:     true,
	}

	if s.config.DataDir != "" {
		if err := ensureDirectory(s.config.DataDir); err != nil {
			return errors.Annotate(err, "preparing data directory")
		}
		opts.StoreDir = s.config.DataDir
	}
	if s.config.JetStreamMaxMemory > 0 {
		opts.JetStreamMaxMemory = s.config.JetStreamMaxMemory
	}
	if s.config.JetStreamMaxStore > 0 {
		opts.JetStreamMaxStore = s.config.JetStreamMaxStore
	}

	logger.Infof("NATS embedded start: dataDir=%s", s.config.DataDir)

	ns, err := server.NewServer(opts)
	if err != nil {
		return errors.Annotate(err, "creating server")
	}

	go ns.Start()

	timeout := 30 * time.Second
	if s.config.StartTimeout != "" {
		if d, err := time.ParseDuration(s.config.StartTimeout); err == nil && d > 0 {
			timeout = d
		}
	}

	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return errors.Errorf("server failed to start within %v", timeout)
	}

	s.server = ns
	s.config.ServerURL = ns.ClientURL()
	logger.Infof("NATS embedded started: url=%s", s.config.ServerURL)

	return nil
}

// cleanup closes connections and shuts down embedded server
func (s *kvStore) cleanup() error {
	if s.conn != nil {
		s.conn.Close()
	}

	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}

	return nil
}

// ensureDirectory creates the directory if it doesn't exist and verifies it's writable
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Annotate(err, "creating directory")
	}

	testFile := filepath.Join(dir, ".write-test")
	f, err := os.Create(testFile)
	if err != nil {
		return errors.Annotate(err, "directory not writable")
	}
	f.Close()
	os.Remove(testFile)

	return nil
}
