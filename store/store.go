// Package store persists cache records for the offline document engine:
// instance, episode and count records plus the pending-write journal rows,
// over pluggable table backends (in-memory or SQLite). Large values spill
// to a blob store, all mutations for a row run strictly in order through a
// keyed serializer, and every byte written or removed is mirrored in the
// size ledger that drives eviction.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrCacheMiss reports that no usable cached record exists for a key. It
// is an expected outcome on cold reads, not a failure.
var ErrCacheMiss = errors.New("cache miss")

// Record classes. Each class gets one table per scope.
const (
	ClassInstances = "instances"
	ClassEpisodes  = "episodes"
	ClassCounts    = "counts"
	ClassFetch     = "fetch"
	ClassJournal   = "journal"
)

// classSep separates the class and scope parts of a table name. Collection
// paths never contain it, so names parse back unambiguously at restore.
const classSep = "\x1f"

// TableName builds the backend table name for a record class under a scope.
func TableName(class string, scope Scope) string {
	return class + classSep + scope.ProjectID + classSep + scope.DatabaseURL + classSep + scope.DatabaseName
}

// ParseTableName is the inverse of TableName.
func ParseTableName(name string) (class string, scope Scope, err error) {
	parts := strings.SplitN(name, classSep, 4)
	if len(parts) != 4 {
		return "", Scope{}, fmt.Errorf("malformed table name %q", name)
	}
	return parts[0], Scope{ProjectID: parts[1], DatabaseURL: parts[2], DatabaseName: parts[3]}, nil
}

// RowKey joins a fingerprint and a collection path into a row key. The
// fingerprint is a fixed-width hex digest, so the path recovers exactly.
func RowKey(accessID, path string) string { return accessID + "/" + path }

// SplitRowKey is the inverse of RowKey.
func SplitRowKey(key string) (accessID, path string, err error) {
	const digestLen = 64
	if len(key) < digestLen+1 || key[digestLen] != '/' {
		return "", "", fmt.Errorf("malformed row key %q", key)
	}
	return key[:digestLen], key[digestLen+1:], nil
}

// Pins reports rows that must survive eviction because an unacknowledged
// pending write still references them.
type Pins interface {
	Pinned(scope Scope, accessID string) bool
}

type noPins struct{}

func (noPins) Pinned(Scope, string) bool { return false }

// Store is the record store. All reads and writes for one row run FIFO
// through the keyed serializer; values beyond the inline threshold spill
// to the blob store zstd-compressed.
type Store struct {
	tables TableStore
	blobs  BlobStore
	codec  Codec
	ser    *Serializer
	ledger *Ledger
	logger *slog.Logger
	now    func() int64

	maxSize int64
	onSweep func(freed int64, elapsed time.Duration)

	zenc *zstd.Encoder
	zdec *zstd.Decoder

	mu   sync.Mutex
	pins Pins
	open map[string]Table
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBlobStore sets the spillover target for oversized row values.
func WithBlobStore(b BlobStore) StoreOption {
	return func(s *Store) { s.blobs = b }
}

// WithCodec sets the codec applied to inline row values.
func WithCodec(c Codec) StoreOption {
	return func(s *Store) { s.codec = c }
}

// WithMaxSize sets the eviction ceiling in bytes.
func WithMaxSize(n int64) StoreOption {
	return func(s *Store) { s.maxSize = n }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithOnSweep registers a callback observing each eviction sweep that
// frees at least one row.
func WithOnSweep(fn func(freed int64, elapsed time.Duration)) StoreOption {
	return func(s *Store) { s.onSweep = fn }
}

// WithClock overrides the touched-timestamp source. Test hook.
func WithClock(now func() int64) StoreOption {
	return func(s *Store) { s.now = now }
}

// DefaultMaxSize is the eviction ceiling when none is configured,
// 10 MiB matching the remote defaults.
const DefaultMaxSize = 10485760

// NewStore builds a record store over the given table backend.
func NewStore(tables TableStore, opts ...StoreOption) (*Store, error) {
	s := &Store{
		tables:  tables,
		blobs:   NewMemoryBlobStore(),
		codec:   NopCodec{},
		ser:     NewSerializer(),
		ledger:  NewLedger(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() int64 { return time.Now().UnixMilli() },
		maxSize: DefaultMaxSize,
		pins:    noPins{},
		open:    make(map[string]Table),
	}
	for _, opt := range opts {
		opt(s)
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	s.zenc, s.zdec = zenc, zdec
	return s, nil
}

// SetPins installs the pin source consulted by eviction. The journal calls
// this once during bootstrap.
func (s *Store) SetPins(p Pins) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		p = noPins{}
	}
	s.pins = p
}

// Ledger exposes the size ledger.
func (s *Store) Ledger() *Ledger { return s.ledger }

// Persistent reports whether rows outlive the process.
func (s *Store) Persistent() bool { return s.tables.Persistent() }

func (s *Store) table(ctx context.Context, class string, scope Scope) (Table, error) {
	name := TableName(class, scope)
	s.mu.Lock()
	t, ok := s.open[name]
	s.mu.Unlock()
	if ok {
		return t, nil
	}
	inner, err := s.tables.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", name, err)
	}
	t = newSpillTable(inner, s.blobs, name, s.codec, s.zenc, s.zdec)
	s.mu.Lock()
	if prev, ok := s.open[name]; ok {
		t = prev
	} else {
		s.open[name] = t
	}
	s.mu.Unlock()
	return t, nil
}

func (s *Store) serialKey(class string, scope Scope, key string) string {
	return TableName(class, scope) + "|" + key
}

// getRow fetches one row and refreshes its touched timestamp.
func (s *Store) getRow(ctx context.Context, class string, scope Scope, key string) ([]byte, error) {
	t, err := s.table(ctx, class, scope)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = s.ser.Do(ctx, s.serialKey(class, scope, key), func() error {
		row, err := t.Get(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return err
		}
		value = row.Value
		return t.Touch(ctx, key, s.now())
	})
	return value, err
}

// putRow writes one row and applies the size delta to the ledger. The
// returned delta lets callers net a mutation against its later revert.
func (s *Store) putRow(ctx context.Context, class string, scope Scope, key, path string, value []byte) (int64, error) {
	t, err := s.table(ctx, class, scope)
	if err != nil {
		return 0, err
	}
	var delta int64
	err = s.ser.Do(ctx, s.serialKey(class, scope, key), func() error {
		var prev int64
		if row, err := t.Get(ctx, key); err == nil {
			prev = row.Size
		} else if !errors.Is(err, ErrRowNotFound) {
			return err
		}
		size := int64(len(value))
		if err := t.Set(ctx, Row{Key: key, Value: value, Touched: s.now(), Size: size}); err != nil {
			return err
		}
		delta = size - prev
		s.applyDelta(class, scope, path, delta)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.sweepAfterMutation(ctx)
	return delta, nil
}

// deleteRow removes one row and credits its bytes back to the ledger.
func (s *Store) deleteRow(ctx context.Context, class string, scope Scope, key, path string) error {
	t, err := s.table(ctx, class, scope)
	if err != nil {
		return err
	}
	return s.ser.Do(ctx, s.serialKey(class, scope, key), func() error {
		row, err := t.Get(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.Delete(ctx, key); err != nil {
			return err
		}
		s.applyDelta(class, scope, path, -row.Size)
		return nil
	})
}

func (s *Store) applyDelta(class string, scope Scope, path string, delta int64) {
	if class == ClassFetch {
		s.ledger.ApplyFetch(scope.ProjectID, delta)
		return
	}
	s.ledger.ApplyDB(scope, path, delta)
}

// GetInstance returns the instance record for a limit-stripped fingerprint.
func (s *Store) GetInstance(ctx context.Context, scope Scope, accessID, path string) (*InstanceRecord, error) {
	b, err := s.getRow(ctx, ClassInstances, scope, RowKey(accessID, path))
	if err != nil {
		return nil, err
	}
	return UnmarshalInstance(b)
}

// PutInstance stores an instance record and returns the ledger delta.
func (s *Store) PutInstance(ctx context.Context, scope Scope, accessID string, rec *InstanceRecord) (int64, error) {
	return s.putRow(ctx, ClassInstances, scope, RowKey(accessID, rec.Path), rec.Path, MarshalInstance(rec))
}

// DeleteInstance removes an instance record.
func (s *Store) DeleteInstance(ctx context.Context, scope Scope, accessID, path string) error {
	return s.deleteRow(ctx, ClassInstances, scope, RowKey(accessID, path), path)
}

// GetEpisode returns the frozen episode for a fully-qualified fingerprint.
func (s *Store) GetEpisode(ctx context.Context, scope Scope, accessID, path string) (*EpisodeRecord, error) {
	b, err := s.getRow(ctx, ClassEpisodes, scope, RowKey(accessID, path))
	if err != nil {
		return nil, err
	}
	return UnmarshalEpisode(b)
}

// PutEpisode stores an episode record and returns the ledger delta.
func (s *Store) PutEpisode(ctx context.Context, scope Scope, accessID string, rec *EpisodeRecord) (int64, error) {
	return s.putRow(ctx, ClassEpisodes, scope, RowKey(accessID, rec.Path), rec.Path, MarshalEpisode(rec))
}

// DeleteEpisode removes an episode record.
func (s *Store) DeleteEpisode(ctx context.Context, scope Scope, accessID, path string) error {
	return s.deleteRow(ctx, ClassEpisodes, scope, RowKey(accessID, path), path)
}

// GetCount returns a cached count record.
func (s *Store) GetCount(ctx context.Context, scope Scope, accessID, path string) (*CountRecord, error) {
	b, err := s.getRow(ctx, ClassCounts, scope, RowKey(accessID, path))
	if err != nil {
		return nil, err
	}
	return UnmarshalCount(b)
}

// PutCount stores a count record.
func (s *Store) PutCount(ctx context.Context, scope Scope, accessID string, rec *CountRecord) (int64, error) {
	return s.putRow(ctx, ClassCounts, scope, RowKey(accessID, rec.Path), rec.Path, MarshalCount(rec))
}

// DeleteCount removes a count record.
func (s *Store) DeleteCount(ctx context.Context, scope Scope, accessID, path string) error {
	return s.deleteRow(ctx, ClassCounts, scope, RowKey(accessID, path), path)
}

// ScanInstances walks every instance record in a scope, hydrating one at
// a time. Rows that fail to decode are skipped with a warning; fn errors
// stop the walk.
func (s *Store) ScanInstances(ctx context.Context, scope Scope, fn func(accessID, path string, rec *InstanceRecord) error) error {
	t, err := s.table(ctx, ClassInstances, scope)
	if err != nil {
		return err
	}
	var keys []string
	if err := t.Scan(ctx, func(key string, _, _ int64) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		accessID, path, err := SplitRowKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed instance key", "key", key, "error", err)
			continue
		}
		row, err := t.Get(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		rec, err := UnmarshalInstance(row.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable instance record", "key", key, "error", err)
			continue
		}
		if err := fn(accessID, path, rec); err != nil {
			return err
		}
	}
	return nil
}

// GetFetch reads a raw fetch-cache entry.
func (s *Store) GetFetch(ctx context.Context, scope Scope, key string) ([]byte, error) {
	return s.getRow(ctx, ClassFetch, scope, key)
}

// PutFetch writes a raw fetch-cache entry.
func (s *Store) PutFetch(ctx context.Context, scope Scope, key string, value []byte) (int64, error) {
	return s.putRow(ctx, ClassFetch, scope, key, "", value)
}

// DeleteFetch removes a fetch-cache entry.
func (s *Store) DeleteFetch(ctx context.Context, scope Scope, key string) error {
	return s.deleteRow(ctx, ClassFetch, scope, key, "")
}

// GetJournal reads a raw journal row. Journal rows never count against
// the eviction ceiling.
func (s *Store) GetJournal(ctx context.Context, scope Scope, key string) ([]byte, error) {
	t, err := s.table(ctx, ClassJournal, scope)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = s.ser.Do(ctx, s.serialKey(ClassJournal, scope, key), func() error {
		row, err := t.Get(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return err
		}
		value = row.Value
		return nil
	})
	return value, err
}

// PutJournal writes a raw journal row.
func (s *Store) PutJournal(ctx context.Context, scope Scope, key string, value []byte) error {
	t, err := s.table(ctx, ClassJournal, scope)
	if err != nil {
		return err
	}
	return s.ser.Do(ctx, s.serialKey(ClassJournal, scope, key), func() error {
		return t.Set(ctx, Row{Key: key, Value: value, Touched: s.now(), Size: int64(len(value))})
	})
}

// DeleteJournal removes a journal row.
func (s *Store) DeleteJournal(ctx context.Context, scope Scope, key string) error {
	t, err := s.table(ctx, ClassJournal, scope)
	if err != nil {
		return err
	}
	return s.ser.Do(ctx, s.serialKey(ClassJournal, scope, key), func() error {
		err := t.Delete(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		return err
	})
}

// ScanJournal walks all journal rows for a scope in key order.
func (s *Store) ScanJournal(ctx context.Context, scope Scope, fn func(key string, value []byte) error) error {
	t, err := s.table(ctx, ClassJournal, scope)
	if err != nil {
		return err
	}
	var keys []string
	if err := t.Scan(ctx, func(key string, _, _ int64) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		row, err := t.Get(ctx, key)
		if errors.Is(err, ErrRowNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, row.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error { return s.tables.Close() }
