package castore

import (
	"errors"
	"fmt"
)

// Errors returned by every Store. Use errors.Is to test for them; the
// error text carries the table, types or hash involved.
var (
	// ErrTypeMismatch: the table exists with a different content type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrTableNotFound: a read named a table that does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrRowNotFound: no row in the table has the requested hash.
	ErrRowNotFound = errors.New("row not found")
	// ErrTableMissing: a write named a table that does not exist and the
	// store requires tables to be created first.
	ErrTableMissing = errors.New("table missing")
	ErrInvalidName  = errors.New("invalid table name")
	ErrInvalidType  = errors.New("invalid content type")
	ErrInvalidValue = errors.New("invalid value")
)

// Error is a Store failure. Its text is the human-readable message; it
// unwraps to one of the sentinel errors above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func createTypeMismatch(table string, existing, requested ContentType) error {
	return newError(ErrTypeMismatch, "table %s already exists with different type: %q vs %q", table, existing, requested)
}

func writeTypeMismatch(table string, existing, incoming ContentType) error {
	return newError(ErrTypeMismatch, "table %s has different types: %q vs %q", table, existing, incoming)
}

func tableNotFound(table string) error {
	return newError(ErrTableNotFound, "table %s not found", table)
}

func rowNotFound(table, hash string) error {
	return newError(ErrRowNotFound, "row %q not found in table %s", hash, table)
}

func tableMissing(table string) error {
	return newError(ErrTableMissing, "table %s does not exist", table)
}

func validateName(name string) error {
	if name == "" || KindOf(name) != TableEntry {
		return newError(ErrInvalidName, "invalid table name %q", name)
	}
	return nil
}

func validateType(table string, t ContentType) error {
	if t == "" {
		return newError(ErrInvalidType, "table %s: invalid content type %q", table, t)
	}
	return nil
}
