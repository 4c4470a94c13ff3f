// Package postgres stores castore blobs in a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table blobs are kept in unless NewPersist is told otherwise.
const DefaultTable = "castore_blobs"

// DBTX is the subset of pgxpool.Pool and pgx.Tx a Persist uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ DBTX = (*pgxpool.Pool)(nil)

// Persist implements the castore.Persist interface for storing and
// loading blobs as rows of a Postgres table.
type Persist struct {
	db    DBTX
	table string
}

// NewPersist returns a Persist keeping blobs in the given table, or in
// DefaultTable if table is empty. The table name is quoted, not parsed.
func NewPersist(db DBTX, table string) Persist {
	if table == "" {
		table = DefaultTable
	}
	return Persist{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the blob table if it doesn't exist.
func (p Persist) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		name TEXT PRIMARY KEY,
		body BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

// Load loads the bytes persisted under the given name.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := p.db.QueryRow(ctx, `SELECT body FROM `+p.table+` WHERE name = $1`, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("blob %s not found in %s", name, p.table)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	return body, nil
}

// Store persists the given bytes under the given name, if it doesn't
// exist already.
func (p Persist) Store(ctx context.Context, name string, b []byte) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO `+p.table+` (name, body) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, b)
	if err != nil {
		return fmt.Errorf("insert %s: %w", name, err)
	}
	return nil
}
