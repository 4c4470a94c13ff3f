package castore

import (
	"context"
	"fmt"
	"sync"
)

func tableValue(t *Table) map[string]any {
	data := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		row := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			row[k] = v
		}
		row[hashKey] = r.Hash
		data[i] = row
	}
	return map[string]any{
		typeKey: string(t.Type),
		dataKey: data,
	}
}

func decodeTable(v map[string]any) (*Table, error) {
	typ, ok := v[typeKey].(string)
	if !ok {
		return nil, fmt.Errorf("missing %s", typeKey)
	}
	var data []any
	if raw, present := v[dataKey]; present && raw != nil {
		if data, ok = raw.([]any); !ok {
			return nil, fmt.Errorf("%s is %T, not a list", dataKey, raw)
		}
	}
	t := &Table{Type: ContentType(typ), Rows: make([]Row, len(data))}
	for i, d := range data {
		m, ok := d.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("row %d is %T, not an object", i, d)
		}
		hash, _ := m[hashKey].(string)
		if hash == "" {
			return nil, fmt.Errorf("row %d has no hash", i)
		}
		fields, err := normalizeFields(m)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		delete(fields, hashKey)
		t.Rows[i] = Row{Fields: fields, Hash: hash}
	}
	return t, nil
}

func manifestValue(c *catalog) map[string]any {
	tables := make([]any, len(c.entries))
	for i, e := range c.entries {
		tables[i] = map[string]any{
			"name": e.Name,
			"type": string(e.Type),
			"hash": e.Hash,
			"link": e.Link,
			"rows": float64(e.Rows),
		}
	}
	return map[string]any{
		hashKey:   c.hash,
		tablesKey: tables,
	}
}

func decodeManifest(v map[string]any, h Hasher) (*catalog, error) {
	c := newCatalog()
	raw, _ := v[tablesKey].([]any)
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d is %T, not an object", i, r)
		}
		e := &catalogEntry{}
		e.Name, _ = m["name"].(string)
		typ, _ := m["type"].(string)
		e.Type = ContentType(typ)
		e.Hash, _ = m["hash"].(string)
		e.Link, _ = m["link"].(string)
		rows, err := normalizeValue(m["rows"])
		if err != nil {
			return nil, fmt.Errorf("entry %d rows: %w", i, err)
		}
		n, _ := rows.(float64)
		e.Rows = int(n)
		if e.Name == "" || e.Link == "" || e.Hash == "" {
			return nil, fmt.Errorf("entry %d is incomplete", i)
		}
		if _, dup := c.get(e.Name); dup {
			return nil, fmt.Errorf("table %s listed twice", e.Name)
		}
		c.put(e)
	}
	stored, _ := v[hashKey].(string)
	if err := c.rehash(h); err != nil {
		return nil, err
	}
	if stored != c.hash {
		return nil, fmt.Errorf("aggregate hash mismatch: manifest says %s, tables hash to %s", stored, c.hash)
	}
	return c, nil
}

func (s *PersistedStore) loadManifest(ctx context.Context, link string) (*catalog, error) {
	b, err := s.persist.Load(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("persist load: %w", err)
	}
	v, err := decodeBlob(s.codec, b)
	if err != nil {
		return nil, err
	}
	return decodeManifest(v, s.cfg.Hasher)
}

// loadTable returns the rows of e from memory, the cache, or the
// Persist. Persisted rows are checked against their own hashes and
// against the table hash.
func (s *PersistedStore) loadTable(ctx context.Context, e *catalogEntry) (*Table, error) {
	if e.table != nil {
		return e.table, nil
	}
	if s.cache != nil {
		if t, ok := s.cache.Get(e.Link); ok {
			return t.(*Table), nil
		}
	}
	b, err := s.persist.Load(ctx, e.Link)
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", e.Link, err)
	}
	v, err := decodeBlob(s.codec, b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Link, err)
	}
	t, err := decodeTable(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Link, err)
	}
	th, err := tableHash(s.cfg.Hasher, t)
	if err != nil {
		return nil, err
	}
	if th != e.Hash || t.Type != e.Type {
		return nil, fmt.Errorf("blob %s does not match table %s", e.Link, e.Name)
	}
	for i, r := range t.Rows {
		rh, err := s.cfg.Hasher.Hash(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("blob %s row %d: %w", e.Link, i, err)
		}
		if rh != r.Hash {
			return nil, fmt.Errorf("blob %s row %d does not match its hash", e.Link, i)
		}
	}
	if s.cache != nil {
		s.cache.Add(e.Link, t)
	}
	return t, nil
}

type blob struct {
	name string
	data []byte
}

// commit stores the changed tables and the manifest of next, then makes
// next current. On failure the store keeps its previous version; blobs
// already stored are unreferenced but harmless.
func (s *PersistedStore) commit(ctx context.Context, next *catalog, changed []*catalogEntry) error {
	blobs := make([]blob, 0, len(changed))
	for _, e := range changed {
		b, err := encodeBlob(s.codec, s.compress, tableValue(e.table))
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Name, err)
		}
		e.Link = s.digest.Sum(b)
		blobs = append(blobs, blob{e.Link, b})
	}
	if err := s.storeAll(ctx, blobs); err != nil {
		return err
	}
	m, err := encodeBlob(s.codec, s.compress, manifestValue(next))
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	link := s.digest.Sum(m)
	if err := s.persist.Store(ctx, link, m); err != nil {
		return fmt.Errorf("persist store manifest: %w", err)
	}
	for _, e := range changed {
		if s.cache != nil {
			s.cache.Add(e.Link, e.table)
		}
		e.table = nil
	}
	s.cat = next
	s.link = &link
	return nil
}

// storeAll stores blobs with at most s.parallelism calls in flight and
// returns the first error.
func (s *PersistedStore) storeAll(ctx context.Context, blobs []blob) error {
	gate := make(chan struct{}, s.parallelism)
	seLock := sync.Mutex{}
	var firstStoreError error
	wg := sync.WaitGroup{}
	for _, b := range blobs {
		if s.cache != nil && s.cache.Contains(b.name) {
			continue
		}
		gate <- struct{}{}
		seLock.Lock()
		failed := firstStoreError != nil
		seLock.Unlock()
		if failed {
			<-gate
			break
		}
		wg.Add(1)
		go func(b blob) {
			defer wg.Done()
			defer func() { <-gate }()
			err := s.persist.Store(ctx, b.name, b.data)
			if err != nil {
				seLock.Lock()
				if firstStoreError == nil {
					firstStoreError = fmt.Errorf("persist store %s: %w", b.name, err)
				}
				seLock.Unlock()
			}
		}(b)
	}
	wg.Wait()
	return firstStoreError
}
