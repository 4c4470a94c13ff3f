package castore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	require.Equal(t, TableEntry, KindOf("cakes"))
	require.Equal(t, TableEntry, KindOf("a_b"))
	require.Equal(t, MetaEntry, KindOf("_hash"))
	require.Equal(t, MetaEntry, KindOf("_anything"))
}

func TestDocumentJSONKeepsTableOrder(t *testing.T) {
	t.Parallel()
	in := `{
		"zeta": {"_type": "cakes", "_data": [{"a": 1, "_hash": "h1"}]},
		"alpha": {"_type": "properties", "_data": []},
		"_comment": "hello",
		"mid": {"_type": "ids", "_data": [{"b": {"c": [1, "two"]}}]},
		"_hash": "agg"
	}`
	var d Document
	require.NoError(t, json.Unmarshal([]byte(in), &d))
	require.Equal(t, []string{"zeta", "alpha", "mid"}, d.Names())
	require.Equal(t, "agg", d.Hash)
	require.Equal(t, map[string]any{"_comment": "hello"}, d.Meta)

	zeta, ok := d.Table("zeta")
	require.True(t, ok)
	require.Equal(t, Cakes, zeta.Type)
	require.Equal(t, []Row{{Fields: map[string]any{"a": 1.0}, Hash: "h1"}}, zeta.Rows)
	mid, _ := d.Table("mid")
	require.Equal(t, map[string]any{"b": map[string]any{"c": []any{1.0, "two"}}}, mid.Rows[0].Fields)
	require.Empty(t, mid.Rows[0].Hash)

	out, err := json.Marshal(&d)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"zeta": {"_type": "cakes", "_data": [{"a": 1, "_hash": "h1"}]},
		"alpha": {"_type": "properties", "_data": []},
		"mid": {"_type": "ids", "_data": [{"b": {"c": [1, "two"]}}]},
		"_comment": "hello",
		"_hash": "agg"
	}`, string(out))

	var again Document
	require.NoError(t, json.Unmarshal(out, &again))
	require.Equal(t, d.Names(), again.Names())
	require.Equal(t, &d, &again)
}

func TestDocumentJSONFragment(t *testing.T) {
	t.Parallel()
	d := NewDocument().Set("t1", &Table{Rows: []Row{{Fields: map[string]any{"a": "x"}, Hash: "h"}}})
	out, err := json.Marshal(d)
	require.NoError(t, err)
	require.JSONEq(t, `{"t1":{"_data":[{"a":"x","_hash":"h"}]}}`, string(out))
}

func TestDocumentJSONRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		`[]`,
		`"x"`,
		`{"t1": {"_type": "cakes", "_data": [1]}}`,
		`{"t1": {"_type": "cakes", "_data": [{"_hash": 7}]}}`,
		`{"t1": {"_type": "cakes", "_data": [{"a": 1}]}`,
	} {
		var d Document
		require.Error(t, json.Unmarshal([]byte(in), &d), in)
	}
}

func TestDocumentSetKeepsPosition(t *testing.T) {
	t.Parallel()
	d := NewDocument().
		Set("b", &Table{Type: Cakes}).
		Set("a", &Table{Type: IDs}).
		Set("b", &Table{Type: Layers})
	require.Equal(t, []string{"b", "a"}, d.Names())
	require.Equal(t, 2, d.Len())
	b, _ := d.Table("b")
	require.Equal(t, Layers, b.Type)

	var zero Document
	zero.Set("x", &Table{Type: Buffets})
	require.Equal(t, []string{"x"}, zero.Names())

	var nilDoc *Document
	require.Equal(t, 0, nilDoc.Len())
	_, ok := nilDoc.Table("x")
	require.False(t, ok)
}

func TestDocumentClone(t *testing.T) {
	t.Parallel()
	d := NewDocument().Set("t1", &Table{Type: Cakes, Rows: []Row{
		{Fields: map[string]any{"n": map[string]any{"x": []any{"y"}}}, Hash: "h"},
	}})
	d.Meta = map[string]any{"_note": map[string]any{"k": "v"}}
	d.Hash = "agg"

	c := d.Clone()
	require.Equal(t, d, c)
	ct, _ := c.Table("t1")
	ct.Rows[0].Fields["n"].(map[string]any)["x"].([]any)[0] = "changed"
	ct.Rows = append(ct.Rows, NewRow(nil))
	c.Meta["_note"].(map[string]any)["k"] = "changed"
	c.Set("t2", &Table{})

	dt, _ := d.Table("t1")
	require.Len(t, dt.Rows, 1)
	require.Equal(t, "y", dt.Rows[0].Fields["n"].(map[string]any)["x"].([]any)[0])
	require.Equal(t, "v", d.Meta["_note"].(map[string]any)["k"])
	require.Equal(t, []string{"t1"}, d.Names())
}
