package castore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec serializes the JSON-shaped values a PersistedStore writes:
// table blobs and manifests.
type Codec interface {
	Name() string
	Marshal(v map[string]any) ([]byte, error)
	Unmarshal(b []byte) (map[string]any, error)
}

var (
	// JSONCodec stores blobs as JSON. It is the default.
	JSONCodec Codec = jsonCodec{}
	// CBORCodec stores blobs as deterministic CBOR.
	CBORCodec Codec = cborCodec{}
	// ProtoCodec stores blobs as google.protobuf.Struct messages.
	ProtoCodec Codec = protoCodec{}
)

// CodecByName returns the codec called "json", "cbor" or "proto".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec, nil
	case "cbor":
		return CBORCodec, nil
	case "proto", "protobuf":
		return ProtoCodec, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(b []byte) (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("castore: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v map[string]any) ([]byte, error) {
	return canonicalMode.Marshal(v)
}

func (cborCodec) Unmarshal(b []byte) (map[string]any, error) {
	var v map[string]any
	if err := cborDecMode.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, fmt.Errorf("struct: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (protoCodec) Unmarshal(b []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshal proto: %w", err)
	}
	return s.AsMap(), nil
}

// zstdMagic starts every zstd frame; blobs that begin with it are
// decompressed on load whatever the store's Compress setting.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("castore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("castore: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeBlob(codec Codec, compress bool, v map[string]any) ([]byte, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s marshal: %w", codec.Name(), err)
	}
	if compress {
		b = zstdEncoder.EncodeAll(b, nil)
	}
	return b, nil
}

func decodeBlob(codec Codec, b []byte) (map[string]any, error) {
	if bytes.HasPrefix(b, zstdMagic) {
		var err error
		b, err = zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	}
	v, err := codec.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s unmarshal: %w", codec.Name(), err)
	}
	return v, nil
}
