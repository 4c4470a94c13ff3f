package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrhy/castore"
	"github.com/jrhy/castore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestFiles(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested", "blobs")
	p, err := NewPersistForPath(dir)
	require.NoError(t, err)

	err = p.Store(ctx, "foo", []byte("hello"))
	require.NoError(t, err)
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	// Blobs are immutable; a second store of the same name keeps the first.
	require.NoError(t, p.Store(ctx, "foo", []byte("other")))
	loaded, err = p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	_, err = p.Load(ctx, "missing")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func newStore(t *testing.T, policy castore.WritePolicy) storetest.Factory {
	return func() castore.Store {
		p, err := NewPersistForPath(t.TempDir())
		if err != nil {
			panic(err)
		}
		s, err := castore.NewRoot().LoadStore(&castore.RemoteConfig{
			Config:                  castore.Config{Policy: policy},
			StoreImmutablePartsWith: p,
		})
		if err != nil {
			panic(err)
		}
		return s
	}
}

func TestConformance(t *testing.T) {
	t.Parallel()
	for _, policy := range []castore.WritePolicy{castore.AutoCreate, castore.RequireTable} {
		policy := policy
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()
			storetest.Run(t, policy, newStore(t, policy))
		})
	}
}

func TestModel(t *testing.T) {
	if testing.Short() {
		t.Skip("writes many files")
	}
	t.Parallel()
	storetest.RunModel(t, castore.AutoCreate, newStore(t, castore.AutoCreate))
}

func TestReopenFromDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p, err := NewPersistForPath(dir)
	require.NoError(t, err)
	cfg := &castore.RemoteConfig{StoreImmutablePartsWith: p, Compress: true}
	s, err := castore.NewRoot().LoadStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Ready(ctx))
	require.NoError(t, s.Write(ctx, castore.NewDocument().Set("t1", &castore.Table{
		Type: castore.Properties,
		Rows: []castore.Row{castore.NewRow(map[string]any{"a": "a1"})},
	})))
	want, err := s.Dump(ctx)
	require.NoError(t, err)

	p2, err := NewPersistForPath(dir)
	require.NoError(t, err)
	reopened, err := s.Root().LoadStore(&castore.RemoteConfig{StoreImmutablePartsWith: p2})
	require.NoError(t, err)
	require.NoError(t, reopened.Ready(ctx))
	got, err := reopened.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
