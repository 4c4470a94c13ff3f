package castore

import lru "github.com/hashicorp/golang-lru"

// TableCache caches decoded tables by the name of the blob they were
// loaded from or stored to. It is also used to avoid re-storing blobs,
// so a cache should only be shared by stores that use the same Persist.
// Cached tables are never modified.
type TableCache interface {
	// Add adds a freshly-persisted or freshly-loaded table.
	Add(key, value interface{})
	// Contains indicates the blob with the given name has already been persisted.
	Contains(key interface{}) bool
	// Get retrieves the already-decoded table stored under the given name, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewTableCache creates a new ARC-based table cache holding up to size
// tables. One cache can be shared by any number of stores.
func NewTableCache(size int) TableCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
