/*
Package castore provides a content-addressed table store: named,
typed tables of JSON rows where every row is identified by a
deterministic hash of its content, and writes are idempotent merges
rather than blind appends.  Writing the same row twice leaves one row;
writing rows in a different order or in different batches converges to
the same aggregate hash.

Stores

One contract, Store, is implemented by every backend:

- InMemory keeps tables in process memory.

- PersistedStore keeps each table as an immutable blob in a Persist,
named by the hash of its bytes, plus a manifest blob naming the tables.
Persists exist for a directory (persist/file), S3 (persist/s3) and
Postgres (persist/postgres).  A Root identifies one version of a
persisted store and can be handed to another process to reopen it.

The storetest package runs the same conformance scenarios against any
backend, so a new backend is verified by one line in its tests.

Data model

A Document maps table names to Tables and carries the aggregate hash.
A Table has a ContentType, fixed when the table first exists, and rows
in first-write order.  A Row is a field map plus its hash, computed over
every field except the hash itself.  In the JSON interchange encoding,
keys with the reserved "_" prefix are metadata: "_type" and "_data" in a
table, "_hash" in a row or document.

Write policy

Writing to a table that doesn't exist either creates it (AutoCreate,
the default) or fails with ErrTableMissing (RequireTable); the choice is
Config.Policy.  Either way, a Write validates every table in the request
before changing any, so a failed Write changes nothing.

Hashing

Hashes come from a Hasher.  The default normalizes the value to plain
JSON types, drops nested "_hash" keys, encodes it as deterministic CBOR
and takes a BLAKE2b-256 (or BLAKE3) digest.  The table hash covers the
type and the row hashes in order; the aggregate hash covers the table
hashes by name.

Concurrency

Stores serialize their operations internally and may be shared between
goroutines.  Results are deep copies; modifying a Document returned by a
read or Dump never affects the store.
*/
package castore
