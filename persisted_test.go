package castore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPersist wraps a Persist, counting calls and the most Store
// calls seen in flight at once.
type countingPersist struct {
	Persist
	mu          sync.Mutex
	loads       int
	stores      int
	inFlight    int
	maxInFlight int
	storeErr    error
}

func newCountingPersist() *countingPersist {
	return &countingPersist{Persist: NewInMemoryPersist()}
}

func (c *countingPersist) Load(ctx context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.Persist.Load(ctx, name)
}

func (c *countingPersist) Store(ctx context.Context, name string, b []byte) error {
	c.mu.Lock()
	if c.storeErr != nil {
		err := c.storeErr
		c.mu.Unlock()
		return err
	}
	c.stores++
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
	err := c.Persist.Store(ctx, name, b)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return err
}

func (c *countingPersist) counts() (loads, stores int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads, c.stores
}

func openPersisted(t *testing.T, p Persist, root *Root, cfg RemoteConfig) *PersistedStore {
	t.Helper()
	cfg.StoreImmutablePartsWith = p
	s, err := root.LoadStore(&cfg)
	require.NoError(t, err)
	require.NoError(t, s.Ready(ctx))
	return s
}

func rowsDoc(name string, typ ContentType, rows ...map[string]any) *Document {
	t := &Table{Type: typ}
	for _, r := range rows {
		t.Rows = append(t.Rows, NewRow(r))
	}
	return NewDocument().Set(name, t)
}

func TestLoadStoreRequiresPersist(t *testing.T) {
	t.Parallel()
	_, err := NewRoot().LoadStore(&RemoteConfig{})
	require.Error(t, err)
	_, err = NewRoot().LoadStore(nil)
	require.Error(t, err)
}

func TestPersistedEmptyRoot(t *testing.T) {
	t.Parallel()
	s := openPersisted(t, NewInMemoryPersist(), NewRoot(), RemoteConfig{})
	require.Nil(t, s.Root().Link)
	d, err := s.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, d.Len())
	empty := NewInMemory(Config{})
	ed, err := empty.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, ed.Hash, d.Hash)
}

func TestPersistedReopen(t *testing.T) {
	t.Parallel()
	for _, codec := range []Codec{JSONCodec, CBORCodec, ProtoCodec} {
		codec := codec
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()
			p := NewInMemoryPersist()
			cfg := RemoteConfig{Codec: codec}
			s := openPersisted(t, p, NewRoot(), cfg)
			require.NoError(t, s.CreateTable(ctx, "empty", IDs))
			require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties,
				map[string]any{"a": "a1", "n": 1},
				map[string]any{"nested": map[string]any{"x": []any{true, nil, 2.5}}},
			)))
			require.NoError(t, s.Write(ctx, rowsDoc("t2", Cakes, map[string]any{"c": "c1"})))
			want, err := s.Dump(ctx)
			require.NoError(t, err)

			root := s.Root()
			require.NotNil(t, root.Link)
			reopened := openPersisted(t, p, root, cfg)
			got, err := reopened.Dump(ctx)
			require.NoError(t, err)
			require.Equal(t, want, got)
			names, err := reopened.Tables(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"empty", "t1", "t2"}, names)

			// Both versions stay readable after the reopened store moves on.
			require.NoError(t, reopened.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a2"})))
			old, err := openPersisted(t, p, root, cfg).Dump(ctx)
			require.NoError(t, err)
			require.Equal(t, want, old)
			newer, err := reopened.Dump(ctx)
			require.NoError(t, err)
			require.NotEqual(t, want.Hash, newer.Hash)
		})
	}
}

func TestPersistedRootIsACopy(t *testing.T) {
	t.Parallel()
	s := openPersisted(t, NewInMemoryPersist(), NewRoot(), RemoteConfig{})
	require.NoError(t, s.CreateTable(ctx, "t1", Properties))
	root := s.Root()
	*root.Link = "elsewhere"
	require.NotEqual(t, "elsewhere", *s.Root().Link)
}

func TestPersistedNoOpWriteStoresNothing(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	require.NoError(t, s.CreateTable(ctx, "t2", Cakes))
	root := s.Root()
	_, stores := p.counts()

	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	require.NoError(t, s.CreateTable(ctx, "t2", Cakes))
	_, after := p.counts()
	require.Equal(t, stores, after)
	require.Equal(t, *root.Link, *s.Root().Link)
}

func TestPersistedStoresOnlyChangedTables(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, NewDocument().
		Set("t1", &Table{Type: Properties, Rows: []Row{NewRow(map[string]any{"a": "a1"})}}).
		Set("t2", &Table{Type: Cakes, Rows: []Row{NewRow(map[string]any{"b": "b1"})}})))
	_, before := p.counts()
	require.Equal(t, 3, before)

	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a2"})))
	_, after := p.counts()
	require.Equal(t, before+2, after, "one table blob and one manifest")
}

func TestPersistedCacheAvoidsLoads(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{TableCache: NewTableCache(8)})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	for i := 0; i < 3; i++ {
		_, err := s.ReadRows(ctx, "t1", nil)
		require.NoError(t, err)
	}
	loads, _ := p.counts()
	require.Equal(t, 0, loads)

	uncached := newCountingPersist()
	s = openPersisted(t, uncached, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	for i := 0; i < 3; i++ {
		_, err := s.ReadRows(ctx, "t1", nil)
		require.NoError(t, err)
	}
	loads, _ = uncached.counts()
	require.Equal(t, 3, loads)
}

func TestPersistedStoreFailureKeepsVersion(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	before, err := s.Dump(ctx)
	require.NoError(t, err)
	root := s.Root()

	errBoom := errors.New("boom")
	p.mu.Lock()
	p.storeErr = errBoom
	p.mu.Unlock()

	err = s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a2"}))
	require.ErrorIs(t, err, errBoom)
	err = s.CreateTable(ctx, "t2", Cakes)
	require.ErrorIs(t, err, errBoom)

	after, err := s.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, *root.Link, *s.Root().Link)
}

func TestPersistedParallelism(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{Parallelism: 2})
	doc := NewDocument()
	for i := 0; i < 20; i++ {
		doc.Set(fmt.Sprintf("t%02d", i), &Table{Type: Properties, Rows: []Row{NewRow(map[string]any{"i": i})}})
	}
	require.NoError(t, s.Write(ctx, doc))
	_, stores := p.counts()
	require.Equal(t, 21, stores)
	p.mu.Lock()
	defer p.mu.Unlock()
	require.LessOrEqual(t, p.maxInFlight, 2)
	require.GreaterOrEqual(t, p.maxInFlight, 1)
}

func TestPersistedMixedCompression(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	plain := openPersisted(t, p, NewRoot(), RemoteConfig{Codec: CBORCodec})
	require.NoError(t, plain.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))

	compressed := openPersisted(t, p, plain.Root(), RemoteConfig{Codec: CBORCodec, Compress: true})
	require.NoError(t, compressed.Write(ctx, rowsDoc("t2", Cakes, map[string]any{"b": "b1"})))

	reopened := openPersisted(t, p, compressed.Root(), RemoteConfig{Codec: CBORCodec})
	d, err := reopened.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, d.Names())
}

func TestPersistedDetectsCorruptManifest(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	require.NoError(t, p.Store(ctx, "bogus", []byte(`{"_hash":"x","_tables":[]}`)))
	link := "bogus"
	s, err := (&Root{Link: &link}).LoadStore(&RemoteConfig{StoreImmutablePartsWith: p})
	require.NoError(t, err)
	err = s.Ready(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate hash mismatch")

	_, err = s.Tables(ctx)
	require.Error(t, err)

	missing := "missing"
	s, err = (&Root{Link: &missing}).LoadStore(&RemoteConfig{StoreImmutablePartsWith: p})
	require.NoError(t, err)
	require.ErrorIs(t, s.Ready(ctx), fs.ErrNotExist)
}

func TestPersistedDetectsTamperedTable(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))

	cat, err := s.loadManifest(ctx, *s.Root().Link)
	require.NoError(t, err)
	e, ok := cat.get("t1")
	require.True(t, ok)

	evil := &Table{Type: Properties, Rows: []Row{{Fields: map[string]any{"a": "evil"}, Hash: "whatever"}}}
	b, err := encodeBlob(JSONCodec, false, tableValue(evil))
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, "tampered", b))

	forged := *e
	forged.Link = "tampered"
	forgedCat := cat.clone()
	forgedCat.put(&forged)
	m, err := encodeBlob(JSONCodec, false, manifestValue(forgedCat))
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, "forged", m))

	link := "forged"
	opened := openPersisted(t, p, &Root{Link: &link}, RemoteConfig{})
	_, err = opened.ReadRows(ctx, "t1", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTableNotFound)
	assert.Contains(t, err.Error(), "does not match table t1")
	_, err = opened.Dump(ctx)
	require.Error(t, err)
}

func TestPersistedDetectsTamperedRow(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"}, map[string]any{"a": "a2"})))

	cat, err := s.loadManifest(ctx, *s.Root().Link)
	require.NoError(t, err)
	e, ok := cat.get("t1")
	require.True(t, ok)
	b, err := p.Load(ctx, e.Link)
	require.NoError(t, err)
	v, err := decodeBlob(JSONCodec, b)
	require.NoError(t, err)
	orig, err := decodeTable(v)
	require.NoError(t, err)

	// Same row hashes, so the same table hash, but different content.
	altered := orig.Clone()
	altered.Rows[1].Fields["a"] = "evil"
	b, err = encodeBlob(JSONCodec, false, tableValue(altered))
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, "altered", b))
	forged := *e
	forged.Link = "altered"
	forgedCat := cat.clone()
	forgedCat.put(&forged)
	m, err := encodeBlob(JSONCodec, false, manifestValue(forgedCat))
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, "forged", m))

	link := "forged"
	opened := openPersisted(t, p, &Root{Link: &link}, RemoteConfig{})
	require.NoError(t, opened.Ready(ctx), "the manifest itself is consistent")
	_, err = opened.ReadRow(ctx, "t1", orig.Rows[0].Hash)
	require.EqualError(t, err, "load t1: blob altered row 1 does not match its hash")
}

// gatedPersist blocks Load calls once armed, until released.
type gatedPersist struct {
	Persist
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPersist) Load(ctx context.Context, name string) ([]byte, error) {
	if g.armed {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Persist.Load(ctx, name)
}

func TestPersistedReadsDoNotSerialize(t *testing.T) {
	t.Parallel()
	p := &gatedPersist{
		Persist: NewInMemoryPersist(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	reader := openPersisted(t, p, s.Root(), RemoteConfig{})
	require.NoError(t, reader.Ready(ctx))
	p.armed = true

	slow := make(chan error, 1)
	go func() {
		_, err := reader.ReadRows(ctx, "t1", nil)
		slow <- err
	}()
	<-p.entered

	fast := make(chan error, 1)
	go func() {
		_, err := reader.Tables(ctx)
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Tables waited for a table load in progress")
	}
	close(p.release)
	require.NoError(t, <-slow)
}

func TestMemoryPersist(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	b := []byte("hello")
	require.NoError(t, p.Store(ctx, "x", b))
	b[0] = 'j'
	require.NoError(t, p.Store(ctx, "x", []byte("other")))
	got, err := p.Load(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	got[0] = 'c'
	again, err := p.Load(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), again)

	require.NoError(t, p.Store(ctx, "a", nil))
	require.Equal(t, []string{"a", "x"}, p.Names())

	_, err = p.Load(ctx, "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, p.Store(canceled, "y", nil), context.Canceled)
	_, err = p.Load(canceled, "x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPersistedConcurrentWrites(t *testing.T) {
	t.Parallel()
	s := openPersisted(t, NewInMemoryPersist(), NewRoot(), RemoteConfig{TableCache: NewTableCache(64)})
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("t%d", g)
			for i := 0; i < 10; i++ {
				errs <- s.Write(ctx, rowsDoc(name, Properties, map[string]any{"i": i}))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	d, err := s.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())
	for _, name := range d.Names() {
		tbl, _ := d.Table(name)
		require.Len(t, tbl.Rows, 10)
	}
}
