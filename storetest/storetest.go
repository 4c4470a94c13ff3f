// Package storetest checks that a castore.Store behaves as the contract
// says. It treats the store as a black box: every assertion is on
// returned documents and errors, never on internal state.
//
// A backend's tests call Run (fixed scenarios) and RunModel (randomized
// command sequences checked against a model) with a factory that
// returns a fresh, empty store:
//
//	func TestConformance(t *testing.T) {
//		storetest.Run(t, castore.AutoCreate, func() castore.Store {
//			return castore.NewInMemory(castore.Config{})
//		})
//	}
package storetest

import (
	"context"
	"testing"

	"github.com/jrhy/castore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a new, empty store configured with the policy the
// suite is told about.
type Factory func() castore.Store

var ctx = context.Background()

type scenario struct {
	name string
	run  func(t *testing.T, s castore.Store, policy castore.WritePolicy)
}

var scenarios = []scenario{
	{"EmptyStore", testEmptyStore},
	{"CreateTable", testCreateTable},
	{"CreateTableIdempotent", testCreateTableIdempotent},
	{"CreateTableTypeMismatch", testCreateTableTypeMismatch},
	{"CreateTableInvalid", testCreateTableInvalid},
	{"TablesOrder", testTablesOrder},
	{"WriteIdempotent", testWriteIdempotent},
	{"WriteOrder", testWriteOrder},
	{"WriteDuplicatesInRequest", testWriteDuplicatesInRequest},
	{"WriteIgnoresIncomingHash", testWriteIgnoresIncomingHash},
	{"WriteTypeMismatch", testWriteTypeMismatch},
	{"WriteMissingTable", testWriteMissingTable},
	{"WriteAtomic", testWriteAtomic},
	{"WriteNormalizesNumbers", testWriteNormalizesNumbers},
	{"WriteSkipsReservedEntries", testWriteSkipsReservedEntries},
	{"WriteRejectsInvalidUTF8", testWriteRejectsInvalidUTF8},
	{"ReadRow", testReadRow},
	{"ReadRowUnknownHash", testReadRowUnknownHash},
	{"ReadRowMissingTable", testReadRowMissingTable},
	{"ReadRows", testReadRows},
	{"ReadRowsNested", testReadRowsNested},
	{"ReadRowsByHash", testReadRowsByHash},
	{"ReadRowsMissingTable", testReadRowsMissingTable},
	{"DumpIsolation", testDumpIsolation},
	{"AggregateHash", testAggregateHash},
}

// pairScenarios compare two independent stores.
var pairScenarios = []struct {
	name string
	run  func(t *testing.T, a, b castore.Store, policy castore.WritePolicy)
}{
	{"AggregateHashConverges", testAggregateHashConverges},
}

// Run runs every scenario against a fresh store from newStore. policy
// must be the write policy the factory's stores use.
func Run(t *testing.T, policy castore.WritePolicy, newStore Factory) {
	for _, sc := range scenarios {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			sc.run(t, fresh(t, newStore), policy)
		})
	}
	for _, sc := range pairScenarios {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			sc.run(t, fresh(t, newStore), fresh(t, newStore), policy)
		})
	}
}

func fresh(t *testing.T, newStore Factory) castore.Store {
	t.Helper()
	s := newStore()
	require.NotNil(t, s)
	require.NoError(t, s.Ready(ctx))
	return s
}

// table builds a single-table write request.
func table(name string, typ castore.ContentType, rows ...map[string]any) *castore.Document {
	t := &castore.Table{Type: typ}
	for _, r := range rows {
		t.Rows = append(t.Rows, castore.NewRow(r))
	}
	return castore.NewDocument().Set(name, t)
}

// ensureTable makes name writable whatever the policy.
func ensureTable(t *testing.T, s castore.Store, name string, typ castore.ContentType) {
	t.Helper()
	require.NoError(t, s.CreateTable(ctx, name, typ))
}

func write(t *testing.T, s castore.Store, doc *castore.Document) {
	t.Helper()
	require.NoError(t, s.Write(ctx, doc))
}

func dump(t *testing.T, s castore.Store) *castore.Document {
	t.Helper()
	d, err := s.Dump(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func tables(t *testing.T, s castore.Store) []string {
	t.Helper()
	names, err := s.Tables(ctx)
	require.NoError(t, err)
	return names
}

// fields returns the field maps of a document's table, in order.
func fields(t *testing.T, d *castore.Document, name string) []map[string]any {
	t.Helper()
	tbl, ok := d.Table(name)
	require.True(t, ok, "table %s missing from %v", name, d.Names())
	out := make([]map[string]any, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = r.Fields
	}
	return out
}

func rowsOf(t *testing.T, d *castore.Document, name string) []castore.Row {
	t.Helper()
	tbl, ok := d.Table(name)
	require.True(t, ok, "table %s missing from %v", name, d.Names())
	return tbl.Rows
}

// requireStoreError checks both the error kind and its exact text.
func requireStoreError(t *testing.T, err error, kind error, msg string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	require.EqualError(t, err, msg)
}

func testEmptyStore(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	assert.Empty(t, tables(t, s))
	d := dump(t, s)
	assert.Equal(t, 0, d.Len())
	assert.NotEmpty(t, d.Hash)
}

func testCreateTable(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	require.NoError(t, s.CreateTable(ctx, "t1", castore.Properties))
	assert.Equal(t, []string{"t1"}, tables(t, s))
	tbl, ok := dump(t, s).Table("t1")
	require.True(t, ok)
	assert.Equal(t, castore.Properties, tbl.Type)
	assert.Empty(t, tbl.Rows)
}

func testCreateTableIdempotent(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	require.NoError(t, s.CreateTable(ctx, "t1", castore.Properties))
	before := dump(t, s)
	require.NoError(t, s.CreateTable(ctx, "t1", castore.Properties))
	assert.Equal(t, []string{"t1"}, tables(t, s))
	assert.Equal(t, before, dump(t, s))
}

func testCreateTableTypeMismatch(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	require.NoError(t, s.CreateTable(ctx, "t1", castore.Properties))
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	before := dump(t, s)

	err := s.CreateTable(ctx, "t1", castore.Cakes)
	requireStoreError(t, err, castore.ErrTypeMismatch,
		`table t1 already exists with different type: "properties" vs "cakes"`)

	assert.Equal(t, []string{"t1"}, tables(t, s))
	after := dump(t, s)
	assert.Equal(t, before, after)
	tbl, _ := after.Table("t1")
	assert.Equal(t, castore.Properties, tbl.Type)
}

func testCreateTableInvalid(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	requireStoreError(t, s.CreateTable(ctx, "", castore.Properties),
		castore.ErrInvalidName, `invalid table name ""`)
	requireStoreError(t, s.CreateTable(ctx, "_meta", castore.Properties),
		castore.ErrInvalidName, `invalid table name "_meta"`)
	requireStoreError(t, s.CreateTable(ctx, "t1", ""),
		castore.ErrInvalidType, `table t1: invalid content type ""`)
	assert.Empty(t, tables(t, s))
}

func testTablesOrder(t *testing.T, s castore.Store, policy castore.WritePolicy) {
	ensureTable(t, s, "b", castore.Cakes)
	ensureTable(t, s, "a", castore.Properties)
	if policy == castore.RequireTable {
		ensureTable(t, s, "c", castore.Layers)
	}
	write(t, s, table("c", castore.Layers, map[string]any{"x": 1}))
	write(t, s, table("a", castore.Properties, map[string]any{"x": 1}))
	assert.Equal(t, []string{"b", "a", "c"}, tables(t, s))
	assert.Equal(t, []string{"b", "a", "c"}, dump(t, s).Names())
}

func testWriteIdempotent(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a2"}))
	first := dump(t, s)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a2"}))
	second := dump(t, s)
	assert.Equal(t, []map[string]any{{"a": "a2"}}, fields(t, second, "t1"))
	assert.Equal(t, first, second)
}

func testWriteOrder(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a2"}))
	write(t, s, table("t1", castore.Properties, map[string]any{"b": "b2"}))
	d := dump(t, s)
	assert.Equal(t, []map[string]any{{"a": "a2"}, {"b": "b2"}}, fields(t, d, "t1"))
	rows := rowsOf(t, d, "t1")
	require.Len(t, rows, 2)
	assert.NotEmpty(t, rows[0].Hash)
	assert.NotEmpty(t, rows[1].Hash)
	assert.NotEqual(t, rows[0].Hash, rows[1].Hash)
}

func testWriteDuplicatesInRequest(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties,
		map[string]any{"a": "a1"},
		map[string]any{"b": "b1"},
		map[string]any{"a": "a1"},
	))
	assert.Equal(t, []map[string]any{{"a": "a1"}, {"b": "b1"}}, fields(t, dump(t, s), "t1"))
}

func testWriteIgnoresIncomingHash(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	doc := castore.NewDocument().Set("t1", &castore.Table{
		Type: castore.Properties,
		Rows: []castore.Row{{Fields: map[string]any{"a": "a1"}, Hash: "bogus"}},
	})
	write(t, s, doc)
	rows := rowsOf(t, dump(t, s), "t1")
	require.Len(t, rows, 1)
	assert.NotEqual(t, "bogus", rows[0].Hash)

	// The same content without a hash is the same row.
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	assert.Len(t, rowsOf(t, dump(t, s), "t1"), 1)
}

func testWriteTypeMismatch(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	before := dump(t, s)

	err := s.Write(ctx, table("t1", castore.Cakes, map[string]any{"b": "b1"}))
	requireStoreError(t, err, castore.ErrTypeMismatch,
		`table t1 has different types: "properties" vs "cakes"`)

	after := dump(t, s)
	assert.Equal(t, before, after)
	assert.Equal(t, []map[string]any{{"a": "a1"}}, fields(t, after, "t1"))
}

func testWriteMissingTable(t *testing.T, s castore.Store, policy castore.WritePolicy) {
	err := s.Write(ctx, table("t9", castore.Cakes, map[string]any{"a": "a1"}))
	switch policy {
	case castore.AutoCreate:
		require.NoError(t, err)
		assert.Equal(t, []string{"t9"}, tables(t, s))
		d := dump(t, s)
		tbl, _ := d.Table("t9")
		assert.Equal(t, castore.Cakes, tbl.Type)
		assert.Equal(t, []map[string]any{{"a": "a1"}}, fields(t, d, "t9"))
	case castore.RequireTable:
		requireStoreError(t, err, castore.ErrTableMissing, "table t9 does not exist")
		assert.Empty(t, tables(t, s))
	default:
		t.Fatalf("unknown policy %v", policy)
	}
}

func testWriteAtomic(t *testing.T, s castore.Store, policy castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	if policy == castore.RequireTable {
		ensureTable(t, s, "t2", castore.Cakes)
	}
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	before := dump(t, s)
	beforeTables := tables(t, s)

	doc := castore.NewDocument().
		Set("t2", &castore.Table{Type: castore.Cakes, Rows: []castore.Row{castore.NewRow(map[string]any{"c": "c1"})}}).
		Set("t1", &castore.Table{Type: castore.Layers, Rows: []castore.Row{castore.NewRow(map[string]any{"b": "b1"})}})
	err := s.Write(ctx, doc)
	require.ErrorIs(t, err, castore.ErrTypeMismatch)

	assert.Equal(t, beforeTables, tables(t, s))
	assert.Equal(t, before, dump(t, s))
}

func testWriteNormalizesNumbers(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"k": 1, "f": float32(0.5)}))
	write(t, s, table("t1", castore.Properties, map[string]any{"k": 1.0, "f": 0.5}))
	d := dump(t, s)
	assert.Equal(t, []map[string]any{{"k": 1.0, "f": 0.5}}, fields(t, d, "t1"))

	got, err := s.ReadRows(ctx, "t1", map[string]any{"k": int64(1)})
	require.NoError(t, err)
	assert.Len(t, rowsOf(t, got, "t1"), 1)
}

func testWriteSkipsReservedEntries(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	doc := table("t1", castore.Properties, map[string]any{"a": "a1"}).
		Set("_meta", &castore.Table{Type: castore.Properties, Rows: []castore.Row{castore.NewRow(map[string]any{"b": "b1"})}})
	write(t, s, doc)

	assert.Equal(t, []string{"t1"}, tables(t, s))
	d := dump(t, s)
	assert.Equal(t, []string{"t1"}, d.Names())
	assert.Equal(t, []map[string]any{{"a": "a1"}}, fields(t, d, "t1"))
	_, err := s.ReadRows(ctx, "_meta", nil)
	require.ErrorIs(t, err, castore.ErrTableNotFound)
}

func testWriteRejectsInvalidUTF8(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"s": "ok"}))
	before := dump(t, s)

	for _, row := range []map[string]any{
		{"s": "a\xffb"},
		{"a\xffb": "s"},
		{"nested": []any{map[string]any{"s": "\xc3"}}},
	} {
		err := s.Write(ctx, table("t1", castore.Properties, row))
		require.ErrorIs(t, err, castore.ErrInvalidValue, "%q", row)
		assert.Contains(t, err.Error(), "not valid UTF-8")
	}
	after := dump(t, s)
	assert.Equal(t, before, after)

	_, err := s.ReadRows(ctx, "t1", map[string]any{"s": "a\xffb"})
	require.ErrorIs(t, err, castore.ErrInvalidValue)
}

func testReadRow(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties,
		map[string]any{"a": "a1"},
		map[string]any{"a": "a2"},
	))
	rows := rowsOf(t, dump(t, s), "t1")
	require.Len(t, rows, 2)

	got, err := s.ReadRow(ctx, "t1", rows[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got.Names())
	gotRows := rowsOf(t, got, "t1")
	require.Len(t, gotRows, 1)
	assert.Equal(t, rows[1], gotRows[0])
}

func testReadRowUnknownHash(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	before := dump(t, s)
	_, err := s.ReadRow(ctx, "t1", "nosuchhash")
	requireStoreError(t, err, castore.ErrRowNotFound, `row "nosuchhash" not found in table t1`)
	assert.Equal(t, before, dump(t, s))
}

func testReadRowMissingTable(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	_, err := s.ReadRow(ctx, "missing", "anyhash")
	requireStoreError(t, err, castore.ErrTableNotFound, "table missing not found")
	assert.Empty(t, tables(t, s))
}

func testReadRows(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties,
		map[string]any{"k": 1, "v": "x"},
		map[string]any{"k": 2, "v": "x"},
	))

	got, err := s.ReadRows(ctx, "t1", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"k": 1.0, "v": "x"}, {"k": 2.0, "v": "x"}}, fields(t, got, "t1"))

	got, err = s.ReadRows(ctx, "t1", map[string]any{"k": 1, "v": "x"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"k": 1.0, "v": "x"}}, fields(t, got, "t1"))

	got, err = s.ReadRows(ctx, "t1", map[string]any{"v": "z"})
	require.NoError(t, err)
	assert.Empty(t, fields(t, got, "t1"))

	got, err = s.ReadRows(ctx, "t1", map[string]any{"nosuchfield": "x"})
	require.NoError(t, err)
	assert.Empty(t, fields(t, got, "t1"))

	got, err = s.ReadRows(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Len(t, fields(t, got, "t1"), 2)

	// Returned rows carry their hashes.
	for _, r := range rowsOf(t, got, "t1") {
		assert.NotEmpty(t, r.Hash)
	}
}

func testReadRowsNested(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Cakes)
	write(t, s, table("t1", castore.Cakes,
		map[string]any{"id": "a", "layers": map[string]any{"x": []any{1, "two"}}},
		map[string]any{"id": "b", "layers": map[string]any{"x": []any{1, "three"}}},
		map[string]any{"id": "c", "tags": []any{"p", "q"}},
	))

	got, err := s.ReadRows(ctx, "t1", map[string]any{"layers": map[string]any{"x": []any{1, "three"}}})
	require.NoError(t, err)
	require.Len(t, rowsOf(t, got, "t1"), 1)
	assert.Equal(t, "b", rowsOf(t, got, "t1")[0].Fields["id"])

	got, err = s.ReadRows(ctx, "t1", map[string]any{"tags": []any{"q", "p"}})
	require.NoError(t, err)
	assert.Empty(t, rowsOf(t, got, "t1"), "array order matters")
}

func testReadRowsByHash(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties,
		map[string]any{"a": "a1"},
		map[string]any{"a": "a2"},
	))
	rows := rowsOf(t, dump(t, s), "t1")
	got, err := s.ReadRows(ctx, "t1", map[string]any{"_hash": rows[0].Hash})
	require.NoError(t, err)
	assert.Equal(t, []castore.Row{rows[0]}, rowsOf(t, got, "t1"))
}

func testReadRowsMissingTable(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	_, err := s.ReadRows(ctx, "missing", map[string]any{"a": "a1"})
	requireStoreError(t, err, castore.ErrTableNotFound, "table missing not found")
}

func testDumpIsolation(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	ensureTable(t, s, "t1", castore.Properties)
	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1", "n": map[string]any{"x": "y"}}))
	before := dump(t, s)

	d := dump(t, s)
	tbl, _ := d.Table("t1")
	tbl.Rows[0].Fields["a"] = "changed"
	tbl.Rows[0].Fields["n"].(map[string]any)["x"] = "changed"
	tbl.Rows = append(tbl.Rows, castore.NewRow(map[string]any{"b": "b1"}))
	tbl.Type = castore.Cakes
	d.Set("t2", &castore.Table{Type: castore.Cakes})

	rows := rowsOf(t, before, "t1")
	frag, err := s.ReadRow(ctx, "t1", rows[0].Hash)
	require.NoError(t, err)
	ft, _ := frag.Table("t1")
	ft.Rows[0].Fields["a"] = "changed"

	assert.Equal(t, before, dump(t, s))
	assert.Equal(t, []string{"t1"}, tables(t, s))
}

func testAggregateHash(t *testing.T, s castore.Store, _ castore.WritePolicy) {
	empty := dump(t, s).Hash
	ensureTable(t, s, "t1", castore.Properties)
	created := dump(t, s).Hash
	assert.NotEqual(t, empty, created)

	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	one := dump(t, s).Hash
	assert.NotEqual(t, created, one)

	write(t, s, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	assert.Equal(t, one, dump(t, s).Hash, "idempotent write changed the hash")

	_ = s.Write(ctx, table("t1", castore.Cakes, map[string]any{"a": "a2"}))
	assert.Equal(t, one, dump(t, s).Hash, "rejected write changed the hash")
}

// testAggregateHashConverges writes the same content to two stores, in
// one request and in many requests with repeats and a different table
// order, and expects identical table contents and aggregate hashes.
func testAggregateHashConverges(t *testing.T, a, b castore.Store, policy castore.WritePolicy) {
	ensureTable(t, a, "t1", castore.Properties)
	ensureTable(t, a, "t2", castore.Cakes)
	write(t, a, castore.NewDocument().
		Set("t1", &castore.Table{Type: castore.Properties, Rows: []castore.Row{
			castore.NewRow(map[string]any{"a": "a1"}),
			castore.NewRow(map[string]any{"a": "a2"}),
		}}).
		Set("t2", &castore.Table{Type: castore.Cakes, Rows: []castore.Row{
			castore.NewRow(map[string]any{"c": 3}),
		}}))

	if policy == castore.RequireTable {
		ensureTable(t, b, "t2", castore.Cakes)
	}
	write(t, b, table("t2", castore.Cakes, map[string]any{"c": 3.0}))
	ensureTable(t, b, "t1", castore.Properties)
	write(t, b, table("t1", castore.Properties, map[string]any{"a": "a1"}))
	write(t, b, table("t1", castore.Properties, map[string]any{"a": "a1"}, map[string]any{"a": "a2"}))
	write(t, b, table("t2", castore.Cakes, map[string]any{"c": 3}))

	da, db := dump(t, a), dump(t, b)
	assert.Equal(t, []string{"t1", "t2"}, da.Names())
	assert.Equal(t, []string{"t2", "t1"}, db.Names())
	assert.Equal(t, rowsOf(t, da, "t1"), rowsOf(t, db, "t1"))
	assert.Equal(t, rowsOf(t, da, "t2"), rowsOf(t, db, "t2"))
	assert.Equal(t, da.Hash, db.Hash)
}
