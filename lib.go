package castore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Store is the storage contract every backend implements. Callers must
// wait for Ready before issuing other operations. Stores are safe for
// concurrent use; operations are serialized per store.
type Store interface {
	// Ready returns once the backend can accept requests.
	Ready(ctx context.Context) error
	// Tables lists the table names in the order they were created.
	Tables(ctx context.Context) ([]string, error)
	// CreateTable creates an empty table. It is a no-op if the table
	// exists with the same type and fails with ErrTypeMismatch if it
	// exists with another.
	CreateTable(ctx context.Context, name string, typ ContentType) error
	// Write merges the tables of doc into the store. Rows whose content
	// hash is already present are skipped; new rows are appended in
	// order. A failing Write changes nothing.
	Write(ctx context.Context, doc *Document) error
	// ReadRow returns a fragment holding the row with the given hash.
	ReadRow(ctx context.Context, table, rowHash string) (*Document, error)
	// ReadRows returns a fragment holding every row whose fields equal
	// all values in where. An empty where matches every row.
	ReadRows(ctx context.Context, table string, where map[string]any) (*Document, error)
	// Dump returns a deep copy of the whole store.
	Dump(ctx context.Context) (*Document, error)
}

// WritePolicy decides what Write does with a table that does not exist.
type WritePolicy int

const (
	// AutoCreate creates the table with the incoming type.
	AutoCreate WritePolicy = iota
	// RequireTable fails the write with ErrTableMissing.
	RequireTable
)

// ParseWritePolicy parses "auto-create" or "require-table".
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(s) {
	case "", "auto-create", "autocreate", "auto":
		return AutoCreate, nil
	case "require-table", "requiretable", "strict":
		return RequireTable, nil
	}
	return 0, fmt.Errorf("unknown write policy %q", s)
}

func (p WritePolicy) String() string {
	switch p {
	case AutoCreate:
		return "auto-create"
	case RequireTable:
		return "require-table"
	}
	return fmt.Sprintf("WritePolicy(%d)", int(p))
}

// Config holds the settings shared by all backends. The zero value is
// usable: AutoCreate, DefaultHasher, no logging.
type Config struct {
	// Policy for writes to tables that don't exist yet.
	Policy WritePolicy
	// Hasher computes row, table and aggregate hashes. Defaults to
	// DefaultHasher.
	Hasher Hasher
	// Logger receives debug events for accepted changes and warnings for
	// rejected ones. Defaults to discarding.
	Logger *slog.Logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (c Config) withDefaults() Config {
	if c.Hasher == nil {
		c.Hasher = DefaultHasher
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

// catalogEntry describes one table. Entries are never modified after
// they are published in a catalog; changes produce new entries.
type catalogEntry struct {
	Name string
	Type ContentType
	// Hash is the table hash over type and row hashes.
	Hash string
	Rows int
	// Link names the persisted table blob; empty for in-memory stores.
	Link string
	// table holds the rows when resident.
	table *Table
}

// catalog is the ordered table set of a store plus its aggregate hash.
type catalog struct {
	entries []*catalogEntry
	byName  map[string]*catalogEntry
	hash    string
}

func newCatalog() *catalog {
	return &catalog{byName: map[string]*catalogEntry{}}
}

func (c *catalog) get(name string) (*catalogEntry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

func (c *catalog) names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// clone copies the catalog structure; entries are shared.
func (c *catalog) clone() *catalog {
	n := &catalog{
		entries: append([]*catalogEntry(nil), c.entries...),
		byName:  make(map[string]*catalogEntry, len(c.byName)),
		hash:    c.hash,
	}
	for k, v := range c.byName {
		n.byName[k] = v
	}
	return n
}

// put replaces the entry of the same name in place, or appends it.
func (c *catalog) put(e *catalogEntry) {
	if _, ok := c.byName[e.Name]; ok {
		for i, old := range c.entries {
			if old.Name == e.Name {
				c.entries[i] = e
				break
			}
		}
	} else {
		c.entries = append(c.entries, e)
	}
	c.byName[e.Name] = e
}

// rehash recomputes the aggregate hash from the table hashes.
func (c *catalog) rehash(h Hasher) error {
	tableHashes := make(map[string]any, len(c.entries))
	for _, e := range c.entries {
		tableHashes[e.Name] = e.Hash
	}
	agg, err := h.Hash(tableHashes)
	if err != nil {
		return fmt.Errorf("aggregate hash: %w", err)
	}
	c.hash = agg
	return nil
}

// loadFunc returns the rows of a published entry.
type loadFunc func(e *catalogEntry) (*Table, error)

// planCreate returns the catalog that results from creating the table,
// and the new entry; a nil entry means there is nothing to do.
func (c *catalog) planCreate(cfg Config, name string, typ ContentType) (*catalog, *catalogEntry, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	if err := validateType(name, typ); err != nil {
		return nil, nil, err
	}
	if existing, ok := c.get(name); ok {
		if existing.Type != typ {
			return nil, nil, createTypeMismatch(name, existing.Type, typ)
		}
		return c, nil, nil
	}
	table := &Table{Type: typ, Rows: []Row{}}
	th, err := tableHash(cfg.Hasher, table)
	if err != nil {
		return nil, nil, err
	}
	e := &catalogEntry{Name: name, Type: typ, Hash: th, table: table}
	next := c.clone()
	next.put(e)
	if err := next.rehash(cfg.Hasher); err != nil {
		return nil, nil, err
	}
	return next, e, nil
}

// planWrite merges doc into a copy of the catalog. Reserved entries are
// metadata and are skipped. Every table of the request is validated before anything is returned, so a failing request
// leaves the receiver untouched. The returned entries are the tables
// whose contents changed, in request order.
func (c *catalog) planWrite(cfg Config, doc *Document, load loadFunc) (*catalog, []*catalogEntry, error) {
	next := c.clone()
	var changed []*catalogEntry
	for _, name := range doc.Names() {
		if name != "" && KindOf(name) == MetaEntry {
			continue
		}
		if err := validateName(name); err != nil {
			return nil, nil, err
		}
		incoming, _ := doc.Table(name)
		if incoming == nil {
			incoming = &Table{}
		}
		if err := validateType(name, incoming.Type); err != nil {
			return nil, nil, err
		}
		rows, err := hashRows(cfg.Hasher, incoming.Rows)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", name, err)
		}

		var base []Row
		existing, exists := next.get(name)
		if !exists {
			if cfg.Policy == RequireTable {
				return nil, nil, tableMissing(name)
			}
		} else {
			if existing.Type != incoming.Type {
				return nil, nil, writeTypeMismatch(name, existing.Type, incoming.Type)
			}
			t, err := load(existing)
			if err != nil {
				return nil, nil, fmt.Errorf("load %s: %w", name, err)
			}
			base = t.Rows
		}

		merged, added := mergeRows(base, rows)
		if exists && added == 0 {
			continue
		}
		table := &Table{Type: incoming.Type, Rows: merged}
		th, err := tableHash(cfg.Hasher, table)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", name, err)
		}
		e := &catalogEntry{
			Name:  name,
			Type:  incoming.Type,
			Hash:  th,
			Rows:  len(merged),
			table: table,
		}
		next.put(e)
		changed = append(changed, e)
		cfg.Logger.Debug("merge", "table", name, "added", added, "created", !exists)
	}
	if err := next.rehash(cfg.Hasher); err != nil {
		return nil, nil, err
	}
	return next, changed, nil
}

// mergeRows appends the incoming rows whose hashes base doesn't already
// have. base is not modified.
func mergeRows(base, incoming []Row) ([]Row, int) {
	seen := make(map[string]struct{}, len(base)+len(incoming))
	for _, r := range base {
		seen[r.Hash] = struct{}{}
	}
	merged := make([]Row, len(base), len(base)+len(incoming))
	copy(merged, base)
	for _, r := range incoming {
		if _, dup := seen[r.Hash]; dup {
			continue
		}
		seen[r.Hash] = struct{}{}
		merged = append(merged, r)
	}
	return merged, len(merged) - len(base)
}

func fragment(table string, rows []Row) *Document {
	return NewDocument().Set(table, &Table{Rows: rows})
}

func findRow(t *Table, table, rowHash string) (*Document, error) {
	for _, r := range t.Rows {
		if r.Hash == rowHash {
			return fragment(table, []Row{r.clone()}), nil
		}
	}
	return nil, rowNotFound(table, rowHash)
}

// filterRows selects the rows matching where. A "_hash" key in where
// matches the row hash.
func filterRows(t *Table, table string, where map[string]any) (*Document, error) {
	want, err := normalizeFields(where)
	if err != nil {
		return nil, err
	}
	wantHash, byHash := want[hashKey]
	delete(want, hashKey)
	rows := []Row{}
	for _, r := range t.Rows {
		if byHash && wantHash != r.Hash {
			continue
		}
		if matches(r.Fields, want) {
			rows = append(rows, r.clone())
		}
	}
	return fragment(table, rows), nil
}
