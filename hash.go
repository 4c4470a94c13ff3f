package castore

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/minio/blake2b-simd"
	"github.com/zeebo/blake3"
)

// Hasher computes the content hash of a JSON value. Implementations
// must be deterministic, must ignore "_hash" keys at any depth, and
// must give equal hashes for maps with equal contents regardless of
// insertion order.
type Hasher interface {
	Hash(v any) (string, error)
}

// Digest selects the hash function behind a Hasher and behind the
// names of persisted blobs.
type Digest int

const (
	// Blake2b is BLAKE2b-256.
	Blake2b Digest = iota
	// Blake3 is BLAKE3-256.
	Blake3
)

// ParseDigest parses "blake2b" or "blake3".
func ParseDigest(s string) (Digest, error) {
	switch strings.ToLower(s) {
	case "", "blake2b":
		return Blake2b, nil
	case "blake3":
		return Blake3, nil
	}
	return 0, fmt.Errorf("unknown digest %q", s)
}

func (d Digest) String() string {
	switch d {
	case Blake2b:
		return "blake2b"
	case Blake3:
		return "blake3"
	}
	return fmt.Sprintf("Digest(%d)", int(d))
}

// Sum returns the unpadded base64url encoding of the 256-bit digest of b.
func (d Digest) Sum(b []byte) string {
	var sum [32]byte
	switch d {
	case Blake3:
		sum = blake3.Sum256(b)
	default:
		sum = blake2b.Sum256(b)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// canonicalMode encodes with CBOR Core Deterministic Encoding: sorted map
// keys, shortest integer and float forms, definite lengths. The same
// normalized value always produces the same bytes.
var canonicalMode cbor.EncMode

func init() {
	var err error
	canonicalMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("castore: CBOR encoder initialization failed: " + err.Error())
	}
}

type digestHasher struct {
	digest Digest
}

// NewHasher returns the default Hasher: the value is normalized, its
// "_hash" keys are dropped, and the canonical CBOR encoding is digested.
func NewHasher(d Digest) Hasher {
	return digestHasher{d}
}

// DefaultHasher is used when a Config does not name one.
var DefaultHasher = NewHasher(Blake2b)

func (h digestHasher) Hash(v any) (string, error) {
	n, err := normalizeValue(v)
	if err != nil {
		return "", err
	}
	b, err := canonicalMode.Marshal(withoutHashes(n))
	if err != nil {
		return "", fmt.Errorf("canonical encoding: %w", err)
	}
	return h.digest.Sum(b), nil
}

func withoutHashes(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if k == hashKey {
				continue
			}
			out[k] = withoutHashes(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = withoutHashes(e)
		}
		return out
	}
	return v
}

// HashDocument returns a copy of doc with every row hash and the
// aggregate hash filled in, the way a Store would compute them for a
// fresh store. Repeated rows within a table are collapsed and reserved
// entries are left out.
func HashDocument(h Hasher, doc *Document) (*Document, error) {
	out := NewDocument()
	tableHashes := make(map[string]any, doc.Len())
	for _, name := range doc.Names() {
		if KindOf(name) == MetaEntry {
			continue
		}
		t, _ := doc.Table(name)
		if t == nil {
			t = &Table{}
		}
		rows, err := hashRows(h, t.Rows)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		hashed := &Table{Type: t.Type, Rows: rows}
		th, err := tableHash(h, hashed)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		tableHashes[name] = th
		out.Set(name, hashed)
	}
	agg, err := h.Hash(tableHashes)
	if err != nil {
		return nil, fmt.Errorf("aggregate hash: %w", err)
	}
	out.Hash = agg
	return out, nil
}

// hashRows normalizes and hashes rows, dropping later rows whose hash
// repeats an earlier one. Incoming hashes are recomputed, never trusted.
func hashRows(h Hasher, rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, r := range rows {
		fields, err := normalizeFields(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		delete(fields, hashKey)
		hash, err := h.Hash(fields)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		out = append(out, Row{Fields: fields, Hash: hash})
	}
	return out, nil
}

// tableHash is the hash over a table's type and its row hashes in order.
// Rows without a hash yet are hashed on the fly.
func tableHash(h Hasher, t *Table) (string, error) {
	rowHashes := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		rh := r.Hash
		if rh == "" {
			var err error
			rh, err = h.Hash(r.Fields)
			if err != nil {
				return "", fmt.Errorf("row %d: %w", i, err)
			}
		}
		rowHashes[i] = rh
	}
	return h.Hash(map[string]any{
		typeKey: string(t.Type),
		dataKey: rowHashes,
	})
}
