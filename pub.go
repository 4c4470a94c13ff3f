package castore

import (
	"context"
	"fmt"
	"sync"
)

// Persist is the interface for loading and storing serialized blobs. The given string identity
// corresponds to the content, which is immutable (never modified).
type Persist interface {
	// Store makes the given bytes accessible by the given name. The given string identity corresponds to the content which is immutable (never modified).
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

// DefaultParallelism is how many blobs a PersistedStore stores at once.
const DefaultParallelism = 40

// RemoteConfig controls how tables are persisted and loaded.
type RemoteConfig struct {
	Config

	// StoreImmutablePartsWith is used to store and load table blobs and manifests.
	StoreImmutablePartsWith Persist

	// Codec serializes blobs, defaults to JSON.
	Codec Codec

	// Compress stores blobs zstd-compressed. Compressed and uncompressed
	// blobs can be mixed in one Persist.
	Compress bool

	// Digest names blobs, and hashes content when Config.Hasher is unset.
	Digest Digest

	// TableCache caches decoded tables and may be shared across multiple stores.
	TableCache TableCache

	// Parallelism bounds concurrent Persist.Store calls per write;
	// 0 means DefaultParallelism.
	Parallelism int
}

// Root identifies a version of a store whose blobs are accessible in the persistent store.
type Root struct {
	// Link names the manifest blob; nil for an empty store.
	Link *string
}

// NewRoot returns the root of an empty store.
func NewRoot() *Root {
	return &Root{}
}

// PersistedStore is a Store whose tables live as content-addressed
// blobs in a Persist. Every successful change stores the changed tables
// and a new manifest; Root identifies the result.
type PersistedStore struct {
	cfg         Config
	persist     Persist
	codec       Codec
	compress    bool
	digest      Digest
	cache       TableCache
	parallelism int

	mu   sync.RWMutex
	link *string
	cat  *catalog
}

var _ Store = (*PersistedStore)(nil)

// LoadStore opens the store version identified by r. The manifest is
// loaded and verified by Ready; tables are loaded on demand.
func (r *Root) LoadStore(config *RemoteConfig) (*PersistedStore, error) {
	if config == nil || config.StoreImmutablePartsWith == nil {
		return nil, fmt.Errorf("no persistence mechanism set; set RemoteConfig.StoreImmutablePartsWith")
	}
	cfg := config.Config
	if cfg.Hasher == nil {
		cfg.Hasher = NewHasher(config.Digest)
	}
	s := &PersistedStore{
		cfg:         cfg.withDefaults(),
		persist:     config.StoreImmutablePartsWith,
		codec:       config.Codec,
		compress:    config.Compress,
		digest:      config.Digest,
		cache:       config.TableCache,
		parallelism: config.Parallelism,
	}
	if s.codec == nil {
		s.codec = JSONCodec
	}
	if s.parallelism <= 0 {
		s.parallelism = DefaultParallelism
	}
	if r != nil && r.Link != nil {
		link := *r.Link
		s.link = &link
	}
	return s, nil
}

// Root returns the current version of the store.
func (s *PersistedStore) Root() *Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.link == nil {
		return NewRoot()
	}
	link := *s.link
	return &Root{Link: &link}
}

// Ready loads and verifies the manifest the first time it is called.
func (s *PersistedStore) Ready(ctx context.Context) error {
	s.mu.RLock()
	ready := s.cat != nil
	s.mu.RUnlock()
	if ready {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cat != nil {
		return nil
	}
	if s.link == nil {
		cat := newCatalog()
		if err := cat.rehash(s.cfg.Hasher); err != nil {
			return err
		}
		s.cat = cat
		return nil
	}
	cat, err := s.loadManifest(ctx, *s.link)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", *s.link, err)
	}
	s.cat = cat
	s.cfg.Logger.Debug("ready", "root", *s.link, "tables", len(cat.entries))
	return nil
}

func (s *PersistedStore) Tables(ctx context.Context) ([]string, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.names(), nil
}

func (s *PersistedStore) CreateTable(ctx context.Context, name string, typ ContentType) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, e, err := s.cat.planCreate(s.cfg, name, typ)
	if err != nil {
		s.cfg.Logger.Warn("create table rejected", "table", name, "err", err)
		return err
	}
	if e == nil {
		return nil
	}
	if err := s.commit(ctx, next, []*catalogEntry{e}); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	s.cfg.Logger.Debug("create table", "table", name, "type", typ, "root", *s.link)
	return nil
}

func (s *PersistedStore) Write(ctx context.Context, doc *Document) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed, err := s.cat.planWrite(s.cfg, doc, func(e *catalogEntry) (*Table, error) {
		return s.loadTable(ctx, e)
	})
	if err != nil {
		s.cfg.Logger.Warn("write rejected", "err", err)
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	if err := s.commit(ctx, next, changed); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	s.cfg.Logger.Debug("write", "tables", len(changed), "root", *s.link)
	return nil
}

func (s *PersistedStore) ReadRow(ctx context.Context, table, rowHash string) (*Document, error) {
	t, err := s.readTable(ctx, table)
	if err != nil {
		return nil, err
	}
	return findRow(t, table, rowHash)
}

func (s *PersistedStore) ReadRows(ctx context.Context, table string, where map[string]any) (*Document, error) {
	t, err := s.readTable(ctx, table)
	if err != nil {
		return nil, err
	}
	return filterRows(t, table, where)
}

func (s *PersistedStore) Dump(ctx context.Context) (*Document, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := NewDocument()
	for _, e := range s.cat.entries {
		t, err := s.loadTable(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name, err)
		}
		doc.Set(e.Name, t.Clone())
	}
	doc.Hash = s.cat.hash
	return doc, nil
}

func (s *PersistedStore) readTable(ctx context.Context, table string) (*Table, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cat.get(table)
	if !ok {
		return nil, tableNotFound(table)
	}
	t, err := s.loadTable(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return t, nil
}
