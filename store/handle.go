package store

import (
	"database/sql"
	"sync"
	"time"
)

// defaultCloseDebounce is how long a handle stays open after its last
// release, so rapid open/close sequences reuse the connection.
const defaultCloseDebounce = 7 * time.Millisecond

// dbHandle is an explicit reference-counted handle around a *sql.DB.
// Acquire opens the underlying database on first use; Release only
// physically closes it once the count reaches zero and the debounce window
// has elapsed without a new acquire.
type dbHandle struct {
	open     func() (*sql.DB, error)
	debounce time.Duration

	mu         sync.Mutex
	db         *sql.DB
	refs       int
	closeTimer *time.Timer
}

func newDBHandle(open func() (*sql.DB, error), debounce time.Duration) *dbHandle {
	if debounce <= 0 {
		debounce = defaultCloseDebounce
	}
	return &dbHandle{open: open, debounce: debounce}
}

// Acquire returns the shared database, opening it if needed, and takes a
// reference. Every successful Acquire must be paired with a Release.
func (h *dbHandle) Acquire() (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeTimer != nil {
		h.closeTimer.Stop()
		h.closeTimer = nil
	}
	if h.db == nil {
		db, err := h.open()
		if err != nil {
			return nil, err
		}
		h.db = db
	}
	h.refs++
	return h.db, nil
}

// Release drops a reference. When the count reaches zero the physical
// close is scheduled after the debounce window.
func (h *dbHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs != 0 || h.db == nil {
		return
	}
	db := h.db
	h.closeTimer = time.AfterFunc(h.debounce, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// A fresh Acquire between scheduling and firing keeps it open.
		if h.refs != 0 || h.db != db {
			return
		}
		_ = db.Close()
		h.db = nil
		h.closeTimer = nil
	})
}

// Close force-closes the handle regardless of reference count.
func (h *dbHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeTimer != nil {
		h.closeTimer.Stop()
		h.closeTimer = nil
	}
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	h.refs = 0
	return err
}
