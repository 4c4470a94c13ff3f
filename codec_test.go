package castore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecsRoundTrip(t *testing.T) {
	t.Parallel()
	v := map[string]any{
		"_type": "cakes",
		"_data": []any{
			map[string]any{"a": 1.5, "b": "x", "c": nil, "d": true, "_hash": "h"},
			map[string]any{"n": map[string]any{"l": []any{1.0, "two"}}},
		},
	}
	for _, codec := range []Codec{JSONCodec, CBORCodec, ProtoCodec} {
		for _, compress := range []bool{false, true} {
			b, err := encodeBlob(codec, compress, v)
			require.NoError(t, err, codec.Name())
			require.Equal(t, compress, bytes.HasPrefix(b, zstdMagic), codec.Name())
			got, err := decodeBlob(codec, b)
			require.NoError(t, err, codec.Name())
			require.Equal(t, v, got, codec.Name())
		}
	}
}

func TestCodecDeterministic(t *testing.T) {
	t.Parallel()
	a := map[string]any{"x": 1.0, "y": map[string]any{"p": "q", "r": "s"}}
	b := map[string]any{"y": map[string]any{"r": "s", "p": "q"}, "x": 1.0}
	for _, codec := range []Codec{JSONCodec, CBORCodec, ProtoCodec} {
		ab, err := codec.Marshal(a)
		require.NoError(t, err)
		bb, err := codec.Marshal(b)
		require.NoError(t, err)
		require.Equal(t, ab, bb, codec.Name())
	}
}

func TestCodecByName(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]Codec{
		"":         JSONCodec,
		"json":     JSONCodec,
		"CBOR":     CBORCodec,
		"proto":    ProtoCodec,
		"protobuf": ProtoCodec,
	} {
		got, err := CodecByName(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := CodecByName("xml")
	require.Error(t, err)
}

func TestDecodeBlobErrors(t *testing.T) {
	t.Parallel()
	_, err := decodeBlob(JSONCodec, []byte("not json"))
	require.Error(t, err)
	_, err = decodeBlob(JSONCodec, append(append([]byte{}, zstdMagic...), 0, 1, 2))
	require.Error(t, err)
}

func TestTableValueRoundTrip(t *testing.T) {
	t.Parallel()
	tbl := &Table{Type: Layers, Rows: hashedRows(t,
		map[string]any{"a": 1},
		map[string]any{"b": []any{"c"}},
	)}
	got, err := decodeTable(tableValue(tbl))
	require.NoError(t, err)
	require.Equal(t, tbl, got)

	_, err = decodeTable(map[string]any{"_data": []any{}})
	require.Error(t, err)
	_, err = decodeTable(map[string]any{"_type": "x", "_data": []any{map[string]any{"a": 1.0}}})
	require.Error(t, err, "rows without hashes")
}
