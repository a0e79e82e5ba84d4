// Package configstore persists the endpoint configuration across daemon
// restarts. The production store is a single-file bbolt database; an
// in-memory store backs tests.
package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

var (
	bucketConfig   = []byte("config")
	keyEndpointURI = []byte("endpoint_uri")
)

// Store reads and writes the persisted endpoint configuration.
type Store interface {
	// Load returns the persisted configuration. A store that has never been
	// written returns a zero config and no error.
	Load(ctx context.Context) (protocol.ServerConfig, error)

	// Save persists cfg atomically.
	Save(ctx context.Context, cfg protocol.ServerConfig) error

	// Close releases the store.
	Close() error
}

// BoltStore is the file-backed Store.
type BoltStore struct {
	db     *bolt.DB
	logger logging.Logger
}

// Open opens (or creates) the database at path and ensures the config bucket
// exists. The open times out rather than blocking forever on a stale lock.
func Open(path string, logger logging.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open config store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConfig)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare config store: %w", err)
	}
	return &BoltStore{db: db, logger: logger.WithComponent("configstore")}, nil
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context) (protocol.ServerConfig, error) {
	var cfg protocol.ServerConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(bucketConfig).Get(keyEndpointURI); value != nil {
			cfg.URI = string(value)
		}
		return nil
	})
	if err != nil {
		return protocol.ServerConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Save implements Store.
func (s *BoltStore) Save(ctx context.Context, cfg protocol.ServerConfig) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put(keyEndpointURI, []byte(cfg.URI))
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	s.logger.Info("endpoint configuration saved", logging.String("uri", cfg.URI))
	return nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu  sync.Mutex
	cfg protocol.ServerConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (protocol.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, cfg protocol.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
