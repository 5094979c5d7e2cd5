// Package store implements the cached-record layer of the engine: the
// record store with its instance/episode/count semantics, the pluggable
// key-value table backends, the per-key access serializer, the size ledger
// and the eviction sweep.
package store

import (
	"context"
	"errors"
)

// ErrRowNotFound is returned when a table has no row for a key.
//
// Implementations must return an error that satisfies
// `errors.Is(err, ErrRowNotFound)`.
var ErrRowNotFound = errors.New("row not found")

// Row is the persisted shape of one cached record.
type Row struct {
	// Key is the row's primary key within its table.
	Key string
	// Value is the canonical binary encoding of the cached payload.
	Value []byte
	// Touched is the last-access time in milliseconds since the epoch.
	Touched int64
	// Size is the logical byte size of the cached payload. It is stored
	// separately from len(Value) so ranking scans never hydrate values.
	Size int64
}

// Table is a key-value table holding rows of one record class for one
// collection.
type Table interface {
	// Get returns the row stored under key, or ErrRowNotFound.
	Get(ctx context.Context, key string) (Row, error)
	// Set inserts or replaces a row.
	Set(ctx context.Context, row Row) error
	// Delete removes a row and any companion blob. Deleting an absent
	// key is a no-op.
	Delete(ctx context.Context, key string) error
	// Touch updates only the touched stamp of a row. Absent keys are a
	// no-op.
	Touch(ctx context.Context, key string, touched int64) error
	// Scan visits every row's (key, touched, size) triple without
	// hydrating values. The callback returning an error stops the scan.
	Scan(ctx context.Context, fn func(key string, touched, size int64) error) error
}

// TableStore opens the tables of a storage backend.
type TableStore interface {
	// Open returns the named table, creating it if needed.
	Open(ctx context.Context, name string) (Table, error)
	// List returns the names of all existing tables.
	List(ctx context.Context) ([]string, error)
	// Persistent reports whether rows survive the process. It selects
	// the eviction strategy: persistent backends sweep once at restore,
	// ephemeral ones after every cache mutation.
	Persistent() bool
	// Close releases the backend.
	Close() error
}
