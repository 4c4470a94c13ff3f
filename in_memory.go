package castore

import (
	"context"
	"sync"
)

// InMemory is a Store that keeps all tables in process memory. Each
// instance owns its state; separate instances never share tables.
type InMemory struct {
	cfg Config
	mu  sync.RWMutex
	cat *catalog
}

var _ Store = (*InMemory)(nil)

// NewInMemory returns an empty in-memory store.
func NewInMemory(cfg Config) *InMemory {
	cfg = cfg.withDefaults()
	cat := newCatalog()
	if err := cat.rehash(cfg.Hasher); err != nil {
		// An empty catalog only fails to hash with a broken Hasher; the
		// first write will report it.
		cfg.Logger.Warn("hash empty store", "err", err)
	}
	return &InMemory{cfg: cfg, cat: cat}
}

// Ready is a no-op; an in-memory store is ready when constructed.
func (s *InMemory) Ready(ctx context.Context) error {
	return ctx.Err()
}

func (s *InMemory) Tables(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.names(), nil
}

func (s *InMemory) CreateTable(ctx context.Context, name string, typ ContentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, e, err := s.cat.planCreate(s.cfg, name, typ)
	if err != nil {
		s.cfg.Logger.Warn("create table rejected", "table", name, "err", err)
		return err
	}
	if e != nil {
		s.cat = next
		s.cfg.Logger.Debug("create table", "table", name, "type", typ)
	}
	return nil
}

func (s *InMemory) Write(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, _, err := s.cat.planWrite(s.cfg, doc, s.load)
	if err != nil {
		s.cfg.Logger.Warn("write rejected", "err", err)
		return err
	}
	s.cat = next
	return nil
}

func (s *InMemory) load(e *catalogEntry) (*Table, error) {
	return e.table, nil
}

func (s *InMemory) ReadRow(ctx context.Context, table, rowHash string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cat.get(table)
	if !ok {
		return nil, tableNotFound(table)
	}
	return findRow(e.table, table, rowHash)
}

func (s *InMemory) ReadRows(ctx context.Context, table string, where map[string]any) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cat.get(table)
	if !ok {
		return nil, tableNotFound(table)
	}
	return filterRows(e.table, table, where)
}

func (s *InMemory) Dump(ctx context.Context) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := NewDocument()
	for _, e := range s.cat.entries {
		doc.Set(e.Name, e.table.Clone())
	}
	doc.Hash = s.cat.hash
	return doc, nil
}
