package castore

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type diffEntry struct {
	added, removed bool
	table          string
	fields         string
}

func collectDiff(t *testing.T, newer, older *PersistedStore) []diffEntry {
	t.Helper()
	var got []diffEntry
	err := newer.DiffIter(ctx, older, func(added, removed bool, table string, row Row) (bool, error) {
		got = append(got, diffEntry{added, removed, table, fmt.Sprint(row.Fields)})
		return true, nil
	})
	require.NoError(t, err)
	return got
}

func TestDiffIter(t *testing.T) {
	t.Parallel()
	p := newCountingPersist()
	s := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t0", IDs, map[string]any{"id": "x"})))
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	v1 := s.Root()

	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a2"})))
	require.NoError(t, s.CreateTable(ctx, "t2", Cakes))
	require.NoError(t, s.Write(ctx, rowsDoc("t3", Layers, map[string]any{"c": "c1"})))

	old := openPersisted(t, p, v1, RemoteConfig{})
	loadsBefore, _ := p.counts()
	require.Equal(t, []diffEntry{
		{true, false, "t1", "map[a:a2]"},
		{true, false, "t3", "map[c:c1]"},
	}, collectDiff(t, s, old))
	loadsAfter, _ := p.counts()
	require.Equal(t, 4, loadsAfter-loadsBefore, "t0 is unchanged and must not be loaded")

	require.Equal(t, []diffEntry{
		{false, true, "t1", "map[a:a2]"},
		{false, true, "t3", "map[c:c1]"},
	}, collectDiff(t, old, s))

	require.Empty(t, collectDiff(t, s, s))
	require.Len(t, collectDiff(t, s, nil), 4)
}

func TestDiffIterTypeChange(t *testing.T) {
	t.Parallel()
	p := NewInMemoryPersist()
	a := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, a.Write(ctx, rowsDoc("t", Properties, map[string]any{"k": "v"})))
	b := openPersisted(t, p, NewRoot(), RemoteConfig{})
	require.NoError(t, b.Write(ctx, rowsDoc("t", Cakes, map[string]any{"k": "v"})))
	require.Equal(t, []diffEntry{
		{true, false, "t", "map[k:v]"},
		{false, true, "t", "map[k:v]"},
	}, collectDiff(t, b, a))
}

func TestDiffIterStops(t *testing.T) {
	t.Parallel()
	s := openPersisted(t, NewInMemoryPersist(), NewRoot(), RemoteConfig{})
	require.NoError(t, s.Write(ctx, rowsDoc("t", Properties,
		map[string]any{"i": 1}, map[string]any{"i": 2}, map[string]any{"i": 3})))
	calls := 0
	err := s.DiffIter(ctx, nil, func(added, removed bool, table string, row Row) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	err = s.DiffIter(ctx, nil, func(added, removed bool, table string, row Row) (bool, error) {
		return true, fmt.Errorf("nope")
	})
	require.Error(t, err)
}

func syncLinks(t *testing.T, from Persist, to Persist, newer, older *PersistedStore) []string {
	t.Helper()
	var copied []string
	err := newer.DiffLinks(ctx, older, func(removed bool, link string) (bool, error) {
		if removed {
			return true, nil
		}
		b, err := from.Load(ctx, link)
		if err != nil {
			return false, err
		}
		copied = append(copied, link)
		return true, to.Store(ctx, link, b)
	})
	require.NoError(t, err)
	return copied
}

func TestDiffLinksSync(t *testing.T) {
	t.Parallel()
	src := NewInMemoryPersist()
	s := openPersisted(t, src, NewRoot(), RemoteConfig{Codec: CBORCodec})
	require.NoError(t, s.Write(ctx, rowsDoc("t0", IDs, map[string]any{"id": "x"})))
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a1"})))
	v1 := openPersisted(t, src, s.Root(), RemoteConfig{Codec: CBORCodec})
	require.NoError(t, s.Write(ctx, rowsDoc("t1", Properties, map[string]any{"a": "a2"})))

	dst := NewInMemoryPersist()
	first := syncLinks(t, src, dst, v1, nil)
	require.Len(t, first, 3, "manifest and two tables")
	second := syncLinks(t, src, dst, s, v1)
	require.Len(t, second, 2, "new manifest and new t1")

	synced := openPersisted(t, dst, s.Root(), RemoteConfig{Codec: CBORCodec})
	want, err := s.Dump(ctx)
	require.NoError(t, err)
	got, err := synced.Dump(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	var removed []string
	err = s.DiffLinks(ctx, v1, func(r bool, link string) (bool, error) {
		if r {
			removed = append(removed, link)
		}
		return true, nil
	})
	require.NoError(t, err)
	sort.Strings(removed)
	require.Len(t, removed, 2, "old manifest and old t1")
}
