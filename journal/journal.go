package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breezedb/breeze-go/store"
)

// queued pairs an entry with its row key, which carries the insertion
// sequence so restore recovers the original order.
type queued struct {
	key   string
	entry *Entry
}

type pinKey struct {
	scope    store.Scope
	accessID string
}

// Journal owns the pending writes for a client. It implements store.Pins
// so records touched by an unacknowledged write survive eviction.
type Journal struct {
	store    *store.Store
	logger   *slog.Logger
	now      func() int64
	onChange func(scope store.Scope, accessID string)

	mu         sync.Mutex
	pending    map[store.Scope][]queued
	seq        map[store.Scope]int64
	pins       map[pinKey]int
	warnedDups map[string]bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithClock overrides the timestamp source. Test hook.
func WithClock(now func() int64) Option {
	return func(j *Journal) { j.now = now }
}

// New builds a journal over the record store and registers itself as the
// store's eviction pin source.
func New(s *store.Store, opts ...Option) *Journal {
	j := &Journal{
		store:      s,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        func() int64 { return time.Now().UnixMilli() },
		pending:    make(map[store.Scope][]queued),
		seq:        make(map[store.Scope]int64),
		pins:       make(map[pinKey]int),
		warnedDups: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(j)
	}
	s.SetPins(j)
	return j
}

// SetOnChange installs the hook invoked after a cached record changes
// through apply or revert. Used to fan out listener snapshots.
func (j *Journal) SetOnChange(fn func(scope store.Scope, accessID string)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onChange = fn
}

func (j *Journal) notify(scope store.Scope, accessID string) {
	j.mu.Lock()
	fn := j.onChange
	j.mu.Unlock()
	if fn != nil {
		fn(scope, accessID)
	}
}

// Pinned reports whether an unacknowledged pending write still references
// the record.
func (j *Journal) Pinned(scope store.Scope, accessID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pins[pinKey{scope: scope, accessID: accessID}] > 0
}

// Restore loads the scope's surviving journal rows back into memory.
// Call once per scope at startup for persistent backends.
func (j *Journal) Restore(ctx context.Context, scope store.Scope) error {
	return j.store.ScanJournal(ctx, scope, func(key string, value []byte) error {
		entry, err := unmarshalEntry(scope, value)
		if err != nil {
			j.logger.Warn("dropping undecodable journal row", "key", key, "error", err)
			return nil
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		j.pending[scope] = append(j.pending[scope], queued{key: key, entry: entry})
		if seq := parseSeq(key); seq >= j.seq[scope] {
			j.seq[scope] = seq + 1
		}
		for _, ed := range entry.Editions {
			j.pins[pinKey{scope: scope, accessID: ed.AccessID}]++
		}
		return nil
	})
}

// pin registers eviction pins for every record an entry's editions touch.
// Apply calls it before persisting the mutated records, so a sweep
// running inside that window cannot evict them.
func (j *Journal) pin(scope store.Scope, editions []Edition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ed := range editions {
		j.pins[pinKey{scope: scope, accessID: ed.AccessID}]++
	}
}

// unpin releases pins registered by pin for an entry that never queued.
func (j *Journal) unpin(scope store.Scope, editions []Edition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ed := range editions {
		pk := pinKey{scope: scope, accessID: ed.AccessID}
		if j.pins[pk]--; j.pins[pk] <= 0 {
			delete(j.pins, pk)
		}
	}
}

// append persists a new entry and queues it after every existing one.
// The entry's pins are already registered by Apply.
func (j *Journal) append(ctx context.Context, scope store.Scope, entry *Entry) error {
	j.mu.Lock()
	seq := j.seq[scope]
	j.seq[scope] = seq + 1
	j.mu.Unlock()

	key := fmt.Sprintf("%016d", seq)
	if err := j.store.PutJournal(ctx, scope, key, marshalEntry(entry)); err != nil {
		return fmt.Errorf("persist journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[scope] = append(j.pending[scope], queued{key: key, entry: entry})
	return nil
}

// Ack removes an acknowledged or abandoned entry and releases its pins.
func (j *Journal) Ack(ctx context.Context, scope store.Scope, entryID string) error {
	j.mu.Lock()
	var key string
	list := j.pending[scope]
	for i, q := range list {
		if q.entry.ID == entryID {
			key = q.key
			j.pending[scope] = append(list[:i:i], list[i+1:]...)
			for _, ed := range q.entry.Editions {
				pk := pinKey{scope: scope, accessID: ed.AccessID}
				if j.pins[pk]--; j.pins[pk] <= 0 {
					delete(j.pins, pk)
				}
			}
			break
		}
	}
	j.mu.Unlock()
	if key == "" {
		return nil
	}
	return j.store.DeleteJournal(ctx, scope, key)
}

// Pending returns the scope's queued entries in insertion order.
func (j *Journal) Pending(scope store.Scope) []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Entry, len(j.pending[scope]))
	for i, q := range j.pending[scope] {
		out[i] = q.entry
	}
	return out
}

// Head returns the oldest queued entry for a scope, or nil.
func (j *Journal) Head(scope store.Scope) *Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if list := j.pending[scope]; len(list) > 0 {
		return list[0].entry
	}
	return nil
}

func (j *Journal) bumpAttempts(ctx context.Context, scope store.Scope, entryID string) {
	j.mu.Lock()
	var key string
	var entry *Entry
	for _, q := range j.pending[scope] {
		if q.entry.ID == entryID {
			q.entry.Attempts++
			key, entry = q.key, q.entry
			break
		}
	}
	j.mu.Unlock()
	if entry == nil {
		return
	}
	if err := j.store.PutJournal(ctx, scope, key, marshalEntry(entry)); err != nil {
		j.logger.Warn("failed to persist attempt count", "entry", entryID, "error", err)
	}
}

func newEntryID() string { return uuid.NewString() }

func parseSeq(key string) int64 {
	var n int64
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
