package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the external linearized table backend: one database file
// per client scope, one table per (collection, record class). Rows survive
// the process, so the eviction sweep runs once at cache restore.
type SQLiteStore struct {
	handle *dbHandle

	mu     sync.Mutex
	tables map[string]bool
}

// OpenSQLiteStore opens or creates the database file at path.
//
// The connection is configured with WAL mode for concurrent reads, a
// normal synchronous level, a busy timeout for lock contention and a
// single writer connection to avoid SQLITE_BUSY errors.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	open := func() (*sql.DB, error) {
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
		return db, nil
	}
	s := &SQLiteStore{
		handle: newDBHandle(open, defaultCloseDebounce),
		tables: make(map[string]bool),
	}
	// Fail fast on an unopenable file.
	if _, err := s.handle.Acquire(); err != nil {
		return nil, err
	}
	s.handle.Release()
	return s, nil
}

// CloseDebounce overrides the handle's close debounce. Test hook.
func (s *SQLiteStore) CloseDebounce(d time.Duration) { s.handle.debounce = d }

// quoteIdent quotes a table name for embedding in SQL. Table names are
// derived from collection paths, which may hold almost anything.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Open returns the named table, creating it if needed.
func (s *SQLiteStore) Open(ctx context.Context, name string) (Table, error) {
	s.mu.Lock()
	created := s.tables[name]
	s.mu.Unlock()
	if !created {
		db, err := s.handle.Acquire()
		if err != nil {
			return nil, err
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				touched INTEGER NOT NULL,
				size INTEGER NOT NULL
			)`, quoteIdent(name)))
		s.handle.Release()
		if err != nil {
			return nil, fmt.Errorf("create table %q: %w", name, err)
		}
		s.mu.Lock()
		s.tables[name] = true
		s.mu.Unlock()
	}
	return &sqliteTable{store: s, name: name}, nil
}

// List returns the names of all user tables in the database file.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	db, err := s.handle.Acquire()
	if err != nil {
		return nil, err
	}
	defer s.handle.Release()

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Persistent reports true: rows survive the process.
func (s *SQLiteStore) Persistent() bool { return true }

// Close force-closes the underlying database.
func (s *SQLiteStore) Close() error { return s.handle.Close() }

type sqliteTable struct {
	store *SQLiteStore
	name  string
}

func (t *sqliteTable) withDB(fn func(db *sql.DB) error) error {
	db, err := t.store.handle.Acquire()
	if err != nil {
		return err
	}
	defer t.store.handle.Release()
	return fn(db)
}

func (t *sqliteTable) Get(ctx context.Context, key string) (Row, error) {
	var row Row
	err := t.withDB(func(db *sql.DB) error {
		q := fmt.Sprintf(`SELECT key, value, touched, size FROM %s WHERE key = ?`, quoteIdent(t.name))
		err := db.QueryRowContext(ctx, q, key).Scan(&row.Key, &row.Value, &row.Touched, &row.Size)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("table %q key %q: %w", t.name, key, ErrRowNotFound)
		}
		return err
	})
	return row, err
}

func (t *sqliteTable) Set(ctx context.Context, row Row) error {
	return t.withDB(func(db *sql.DB) error {
		q := fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, value, touched, size) VALUES (?, ?, ?, ?)`, quoteIdent(t.name))
		_, err := db.ExecContext(ctx, q, row.Key, row.Value, row.Touched, row.Size)
		return err
	})
}

func (t *sqliteTable) Delete(ctx context.Context, key string) error {
	return t.withDB(func(db *sql.DB) error {
		q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(t.name))
		_, err := db.ExecContext(ctx, q, key)
		return err
	})
}

func (t *sqliteTable) Touch(ctx context.Context, key string, touched int64) error {
	return t.withDB(func(db *sql.DB) error {
		q := fmt.Sprintf(`UPDATE %s SET touched = ? WHERE key = ?`, quoteIdent(t.name))
		_, err := db.ExecContext(ctx, q, touched, key)
		return err
	})
}

func (t *sqliteTable) Scan(ctx context.Context, fn func(key string, touched, size int64) error) error {
	return t.withDB(func(db *sql.DB) error {
		q := fmt.Sprintf(`SELECT key, touched, size FROM %s ORDER BY key`, quoteIdent(t.name))
		rows, err := db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var touched, size int64
			if err := rows.Scan(&key, &touched, &size); err != nil {
				return err
			}
			if err := fn(key, touched, size); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
