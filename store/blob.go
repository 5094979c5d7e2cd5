package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxInlineValue is the largest row value stored inline; anything bigger
// spills to the blob store, zstd-compressed, and the row keeps a reference.
const MaxInlineValue = 1024

// BlobStore holds the spilled large values.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// MemoryBlobStore is an in-memory BlobStore, paired with MemoryStore.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", name, ErrRowNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

// Len returns the number of stored blobs. Test hook.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// LocalBlobStore keeps blobs as files under a root directory.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates a blob store rooted at dir, creating it if
// needed.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob root: %w", err)
	}
	return &LocalBlobStore{root: dir}, nil
}

func (s *LocalBlobStore) path(name string) string {
	return filepath.Join(s.root, sanitizeBlobName(name)+".blob")
}

func (s *LocalBlobStore) Put(_ context.Context, name string, data []byte) error {
	return os.WriteFile(s.path(name), data, 0o644)
}

func (s *LocalBlobStore) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %q: %w", name, ErrRowNotFound)
	}
	return data, err
}

func (s *LocalBlobStore) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func sanitizeBlobName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(name)
}

// spillTable wraps a Table and transparently spills values larger than
// MaxInlineValue to a BlobStore. Deletes remove the companion blob.
//
// Value layout: a one-byte tag (0 inline, 1 spilled) followed by either the
// codec-encoded payload or a u32-length-prefixed blob name.
type spillTable struct {
	inner     Table
	blobs     BlobStore
	tableName string
	codec     Codec
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

const (
	valueInline  = 0
	valueSpilled = 1
)

func newSpillTable(inner Table, blobs BlobStore, tableName string, codec Codec, enc *zstd.Encoder, dec *zstd.Decoder) *spillTable {
	if codec == nil {
		codec = NopCodec{}
	}
	return &spillTable{inner: inner, blobs: blobs, tableName: tableName, codec: codec, enc: enc, dec: dec}
}

func (t *spillTable) blobName(key string) string {
	return t.tableName + "_" + key
}

func (t *spillTable) Set(ctx context.Context, row Row) error {
	payload := row.Value
	if len(payload) > MaxInlineValue {
		name := t.blobName(row.Key)
		if err := t.blobs.Put(ctx, name, t.enc.EncodeAll(payload, nil)); err != nil {
			return fmt.Errorf("spill %q: %w", name, err)
		}
		ref := make([]byte, 0, len(name)+5)
		ref = append(ref, valueSpilled)
		ref = binary.LittleEndian.AppendUint32(ref, uint32(len(name)))
		ref = append(ref, name...)
		row.Value = ref
		return t.inner.Set(ctx, row)
	}
	encoded, err := t.codec.Encode(payload)
	if err != nil {
		return err
	}
	row.Value = append([]byte{valueInline}, encoded...)
	return t.inner.Set(ctx, row)
}

func (t *spillTable) Get(ctx context.Context, key string) (Row, error) {
	row, err := t.inner.Get(ctx, key)
	if err != nil {
		return Row{}, err
	}
	if len(row.Value) == 0 {
		return row, nil
	}
	tag, rest := row.Value[0], row.Value[1:]
	switch tag {
	case valueInline:
		row.Value, err = t.codec.Decode(rest)
		if err != nil {
			return Row{}, err
		}
		return row, nil
	case valueSpilled:
		if len(rest) < 4 {
			return Row{}, fmt.Errorf("corrupt spill reference for %q", key)
		}
		n := binary.LittleEndian.Uint32(rest)
		if int(n) != len(rest)-4 {
			return Row{}, fmt.Errorf("corrupt spill reference for %q", key)
		}
		name := string(rest[4:])
		compressed, err := t.blobs.Get(ctx, name)
		if err != nil {
			return Row{}, fmt.Errorf("referenced blob is missing or corrupted: %w", err)
		}
		row.Value, err = t.dec.DecodeAll(compressed, nil)
		if err != nil {
			return Row{}, fmt.Errorf("referenced blob is missing or corrupted: %w", err)
		}
		return row, nil
	default:
		return Row{}, fmt.Errorf("unknown value tag 0x%02x for %q", tag, key)
	}
}

func (t *spillTable) Delete(ctx context.Context, key string) error {
	// Companion blob first; a row whose blob delete failed is still
	// readable, the reverse is not.
	if err := t.blobs.Delete(ctx, t.blobName(key)); err != nil {
		return err
	}
	return t.inner.Delete(ctx, key)
}

func (t *spillTable) Touch(ctx context.Context, key string, touched int64) error {
	return t.inner.Touch(ctx, key, touched)
}

func (t *spillTable) Scan(ctx context.Context, fn func(key string, touched, size int64) error) error {
	return t.inner.Scan(ctx, fn)
}
