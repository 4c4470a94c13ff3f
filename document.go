package castore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ContentType says what kind of rows a table holds. It is fixed when
// the table first comes into existence.
type ContentType string

// The content types used by rljson documents. Any non-empty ContentType
// is accepted by a Store.
const (
	Buffets    ContentType = "buffets"
	Cakes      ContentType = "cakes"
	Layers     ContentType = "layers"
	IDs        ContentType = "ids"
	Properties ContentType = "properties"
)

// ReservedPrefix marks document keys that carry store metadata rather
// than tables.
const ReservedPrefix = "_"

const (
	hashKey   = "_hash"
	typeKey   = "_type"
	dataKey   = "_data"
	tablesKey = "_tables"
)

// EntryKind distinguishes the two kinds of top-level keys in an
// interchange document.
type EntryKind int

const (
	// TableEntry keys name tables.
	TableEntry EntryKind = iota
	// MetaEntry keys carry metadata such as the aggregate hash.
	MetaEntry
)

// KindOf classifies a top-level document key. It is the only place
// where the reserved prefix is interpreted.
func KindOf(key string) EntryKind {
	if strings.HasPrefix(key, ReservedPrefix) {
		return MetaEntry
	}
	return TableEntry
}

// Row is one record of a table: its user fields and the content hash
// computed over them.
type Row struct {
	Fields map[string]any
	Hash   string
}

// NewRow returns a row with the given fields and no hash yet.
func NewRow(fields map[string]any) Row {
	return Row{Fields: fields}
}

// MarshalJSON encodes the row as its fields plus "_hash".
func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	if r.Hash != "" {
		m[hashKey] = r.Hash
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a row object, lifting "_hash" out of the fields.
func (r *Row) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: row must be an object", ErrInvalidValue)
	}
	*r = Row{}
	if h, ok := m[hashKey]; ok {
		s, ok := h.(string)
		if !ok {
			return fmt.Errorf("%w: row hash must be a string, got %T", ErrInvalidValue, h)
		}
		r.Hash = s
		delete(m, hashKey)
	}
	fields, err := normalizeFields(m)
	if err != nil {
		return err
	}
	r.Fields = fields
	return nil
}

func (r Row) clone() Row {
	return Row{Fields: cloneFields(r.Fields), Hash: r.Hash}
}

// Table is a typed, ordered collection of rows.
type Table struct {
	Type ContentType
	Rows []Row
}

type tableJSON struct {
	Type ContentType `json:"_type,omitempty"`
	Data []Row       `json:"_data"`
}

// MarshalJSON encodes the table as {"_type": …, "_data": […]}. Read
// fragments carry no type and omit "_type".
func (t Table) MarshalJSON() ([]byte, error) {
	rows := t.Rows
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(tableJSON{Type: t.Type, Data: rows})
}

// UnmarshalJSON decodes a table object.
func (t *Table) UnmarshalJSON(b []byte) error {
	var tj tableJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return err
	}
	t.Type = tj.Type
	t.Rows = tj.Data
	return nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := &Table{Type: t.Type, Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		c.Rows[i] = r.clone()
	}
	return c
}

// Document is a set of named tables in insertion order, plus the
// aggregate hash and any other metadata entries it was decoded with.
// It is the request shape of Store.Write and the result shape of reads
// and dumps.
type Document struct {
	names  []string
	tables map[string]*Table
	// Meta holds reserved entries other than the aggregate hash.
	Meta map[string]any
	// Hash is the aggregate hash over all tables.
	Hash string
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{tables: map[string]*Table{}}
}

// Set adds or replaces the named table, keeping the position of an
// existing entry. It returns d for chaining.
func (d *Document) Set(name string, t *Table) *Document {
	if d.tables == nil {
		d.tables = map[string]*Table{}
	}
	if _, ok := d.tables[name]; !ok {
		d.names = append(d.names, name)
	}
	d.tables[name] = t
	return d
}

// Table returns the named table.
func (d *Document) Table(name string) (*Table, bool) {
	if d == nil {
		return nil, false
	}
	t, ok := d.tables[name]
	return t, ok
}

// Names returns the table names in order.
func (d *Document) Names() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.names...)
}

// Len returns the number of tables.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.names)
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := NewDocument()
	for _, name := range d.names {
		c.Set(name, d.tables[name].Clone())
	}
	if d.Meta != nil {
		c.Meta = cloneFields(d.Meta)
	}
	c.Hash = d.Hash
	return c
}

// MarshalJSON writes the tables in order, then metadata, then "_hash".
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeEntry := func(key string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := json.Marshal(key)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}
	for _, name := range d.names {
		t := d.tables[name]
		if t == nil {
			t = &Table{}
		}
		if err := writeEntry(name, t); err != nil {
			return nil, err
		}
	}
	metaKeys := make([]string, 0, len(d.Meta))
	for k := range d.Meta {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		if err := writeEntry(k, d.Meta[k]); err != nil {
			return nil, err
		}
	}
	if d.Hash != "" {
		if err := writeEntry(hashKey, d.Hash); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a document, preserving the order of its tables.
func (d *Document) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: document must be an object", ErrInvalidValue)
	}
	*d = Document{tables: map[string]*Table{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		switch {
		case key == hashKey:
			if err := dec.Decode(&d.Hash); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		case KindOf(key) == MetaEntry:
			var v any
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if d.Meta == nil {
				d.Meta = map[string]any{}
			}
			d.Meta[key] = v
		default:
			var t Table
			if err := dec.Decode(&t); err != nil {
				return fmt.Errorf("decode table %s: %w", key, err)
			}
			d.Set(key, &t)
		}
	}
	_, err = dec.Token()
	return err
}
