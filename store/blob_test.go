package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpillTable(t *testing.T, codec Codec) (*spillTable, *MemoryBlobStore) {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	blobs := NewMemoryBlobStore()
	inner := &memoryTable{rows: make(map[string]Row)}
	return newSpillTable(inner, blobs, "tbl", codec, enc, dec), blobs
}

func TestSpillTableInline(t *testing.T) {
	ctx := context.Background()
	st, blobs := newTestSpillTable(t, NopCodec{})

	small := []byte("small value")
	require.NoError(t, st.Set(ctx, Row{Key: "k", Value: small, Size: int64(len(small))}))
	assert.Zero(t, blobs.Len())

	row, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, small, row.Value)
}

func TestSpillTableSpillsLargeValues(t *testing.T) {
	ctx := context.Background()
	st, blobs := newTestSpillTable(t, NopCodec{})

	big := bytes.Repeat([]byte("x"), MaxInlineValue+1)
	require.NoError(t, st.Set(ctx, Row{Key: "k", Value: big, Size: int64(len(big))}))
	assert.Equal(t, 1, blobs.Len())

	row, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, big, row.Value)

	require.NoError(t, st.Delete(ctx, "k"))
	assert.Zero(t, blobs.Len(), "delete removes the companion blob")
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestSpillTableMissingBlob(t *testing.T) {
	ctx := context.Background()
	st, blobs := newTestSpillTable(t, NopCodec{})

	big := bytes.Repeat([]byte("y"), MaxInlineValue+1)
	require.NoError(t, st.Set(ctx, Row{Key: "k", Value: big, Size: int64(len(big))}))
	require.NoError(t, blobs.Delete(ctx, st.blobName("k")))

	_, err := st.Get(ctx, "k")
	assert.Error(t, err)
}

func TestLZ4CodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestSpillTable(t, LZ4Codec{})

	payload := bytes.Repeat([]byte("abcd"), 100)
	require.NoError(t, st.Set(ctx, Row{Key: "k", Value: payload, Size: int64(len(payload))}))

	row, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, payload, row.Value)
}

func TestLocalBlobStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a/b..c", []byte("data")))
	got, err := s.Get(ctx, "a/b..c")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	require.NoError(t, s.Delete(ctx, "a/b..c"))
	_, err = s.Get(ctx, "a/b..c")
	assert.Error(t, err)
}

func TestSerializerOrdersPerKey(t *testing.T) {
	ctx := context.Background()
	ser := NewSerializer()

	const n = 50
	var order []int
	release := make(chan struct{})
	started := make(chan struct{})
	results := make(chan struct{}, n+1)

	go func() {
		_ = ser.Do(ctx, "k", func() error {
			close(started)
			<-release
			order = append(order, 0)
			return nil
		})
		results <- struct{}{}
	}()
	<-started

	for i := 1; i <= n; i++ {
		i := i
		go func() {
			_ = ser.Do(ctx, "k", func() error {
				order = append(order, i)
				return nil
			})
			results <- struct{}{}
		}()
	}

	close(release)
	for i := 0; i < n+1; i++ {
		<-results
	}

	assert.Len(t, order, n+1)
	assert.Equal(t, 0, order[0], "the blocked head runs before any successor")
}

func TestSerializerCancelledWaiterDoesNotPoison(t *testing.T) {
	ser := NewSerializer()
	release := make(chan struct{})
	headDone := make(chan error, 1)

	go func() {
		headDone <- ser.Do(context.Background(), "k", func() error {
			<-release
			return nil
		})
	}()

	// Second caller gives up while waiting for the head.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := ser.Do(cancelled, "k", func() error {
		t.Error("cancelled operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-headDone)

	// The key is usable again after the cancelled waiter.
	ran := false
	require.NoError(t, ser.Do(context.Background(), "k", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
