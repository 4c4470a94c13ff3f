package castore

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
)

// MemoryPersist is a Persist that keeps blobs in process memory. Blobs
// are copied on the way in and out, so neither a store nor its caller
// can change one after it is stored. Useful for tests and for stores
// that only need versioning within one process.
type MemoryPersist struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Persist = (*MemoryPersist)(nil)

// NewInMemoryPersist returns an empty MemoryPersist.
func NewInMemoryPersist() *MemoryPersist {
	return &MemoryPersist{blobs: map[string][]byte{}}
}

// Store keeps a copy of b under name. The first blob stored under a
// name wins.
func (p *MemoryPersist) Store(ctx context.Context, name string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blobs[name]; !ok {
		p.blobs[name] = append([]byte(nil), b...)
	}
	return nil
}

// Load returns a copy of the named blob, or an error wrapping
// fs.ErrNotExist.
func (p *MemoryPersist) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	b, ok := p.blobs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", name, fs.ErrNotExist)
	}
	return append([]byte(nil), b...), nil
}

// Names lists the stored blob names in sorted order.
func (p *MemoryPersist) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.blobs))
	for name := range p.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
