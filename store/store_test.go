package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
)

var testScope = Scope{
	ProjectID:    "proj",
	DatabaseURL:  "https://db.example.com",
	DatabaseName: "app",
}

func testDoc(id string, n int64) document.Document {
	return document.D(
		document.F("_id", document.String(id)),
		document.F("n", document.Int64(n)),
	)
}

func testAccessID(path string, limit int64) string {
	return query.AccessID(path, query.Command{Limit: limit}, query.Config{}, true)
}

func TestTableNameRoundTrip(t *testing.T) {
	name := TableName(ClassInstances, testScope)
	class, scope, err := ParseTableName(name)
	require.NoError(t, err)
	assert.Equal(t, ClassInstances, class)
	assert.Equal(t, testScope, scope)

	_, _, err = ParseTableName("garbage")
	assert.Error(t, err)
}

func TestRowKeyRoundTrip(t *testing.T) {
	id := testAccessID("users", 0)
	key := RowKey(id, "users")
	accessID, path, err := SplitRowKey(key)
	require.NoError(t, err)
	assert.Equal(t, id, accessID)
	assert.Equal(t, "users", path)

	_, _, err = SplitRowKey("short")
	assert.Error(t, err)
}

func TestInstanceRecordCanServe(t *testing.T) {
	unlimited := &InstanceRecord{LatestLimiter: 0}
	assert.True(t, unlimited.CanServe(0))
	assert.True(t, unlimited.CanServe(10))
	assert.True(t, unlimited.CanServe(1000))

	limited := &InstanceRecord{LatestLimiter: 50}
	assert.True(t, limited.CanServe(10))
	assert.True(t, limited.CanServe(50))
	assert.False(t, limited.CanServe(100))
	assert.False(t, limited.CanServe(0), "unlimited read cannot be served from a capped window")
}

func TestInstanceRecordMarshalRoundTrip(t *testing.T) {
	rec := &InstanceRecord{
		Path: "users",
		Command: query.Command{
			Find:      document.D(document.F("active", document.Boolean(true))),
			Sort:      "n",
			Direction: query.DirectionDesc,
		},
		Config:        query.Config{ReturnOnly: []string{"n"}},
		LatestLimiter: 25,
		Data:          []document.Document{testDoc("1", 1), testDoc("2", 2)},
	}
	got, err := UnmarshalInstance(MarshalInstance(rec))
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.LatestLimiter, got.LatestLimiter)
	assert.Equal(t, rec.Command.Sort, got.Command.Sort)
	assert.Equal(t, rec.Command.Direction, got.Command.Direction)
	assert.True(t, document.EqualDocs(rec.Command.Find, got.Command.Find))
	assert.Equal(t, rec.Config.ReturnOnly, got.Config.ReturnOnly)
	require.Len(t, got.Data, 2)
	assert.True(t, document.EqualDocs(rec.Data[1], got.Data[1]))
}

func TestStoreInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(NewMemoryStore())
	require.NoError(t, err)
	defer s.Close()

	id := testAccessID("users", 0)
	_, err = s.GetInstance(ctx, testScope, id, "users")
	assert.ErrorIs(t, err, ErrCacheMiss)

	rec := &InstanceRecord{Path: "users", Data: []document.Document{testDoc("1", 1)}}
	delta, err := s.PutInstance(ctx, testScope, id, rec)
	require.NoError(t, err)
	assert.Positive(t, delta)
	assert.Equal(t, delta, s.Ledger().Total())

	got, err := s.GetInstance(ctx, testScope, id, "users")
	require.NoError(t, err)
	assert.True(t, document.EqualDocs(rec.Data[0], got.Data[0]))

	require.NoError(t, s.DeleteInstance(ctx, testScope, id, "users"))
	assert.Zero(t, s.Ledger().Total(), "delete credits the full put delta")
	_, err = s.GetInstance(ctx, testScope, id, "users")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLedgerDeltasBalance(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(NewMemoryStore())
	require.NoError(t, err)
	defer s.Close()

	id := testAccessID("users", 0)
	small := &InstanceRecord{Path: "users", Data: []document.Document{testDoc("1", 1)}}
	big := &InstanceRecord{Path: "users", Data: []document.Document{
		testDoc("1", 1), testDoc("2", 2), testDoc("3", 3),
	}}

	d1, err := s.PutInstance(ctx, testScope, id, small)
	require.NoError(t, err)
	d2, err := s.PutInstance(ctx, testScope, id, big)
	require.NoError(t, err)
	assert.Equal(t, d1+d2, s.Ledger().Total())

	d3, err := s.PutInstance(ctx, testScope, id, small)
	require.NoError(t, err)
	assert.Equal(t, -d2, d3, "shrinking put credits the difference")
	assert.Equal(t, d1, s.Ledger().Total())

	assert.Equal(t, s.Ledger().Total(), s.Ledger().LeafSum())
}

func TestScanInstances(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(NewMemoryStore())
	require.NoError(t, err)
	defer s.Close()

	idA := testAccessID("users", 0)
	idB := testAccessID("orders", 0)
	_, err = s.PutInstance(ctx, testScope, idA, &InstanceRecord{Path: "users"})
	require.NoError(t, err)
	_, err = s.PutInstance(ctx, testScope, idB, &InstanceRecord{Path: "orders"})
	require.NoError(t, err)

	seen := map[string]string{}
	err = s.ScanInstances(ctx, testScope, func(accessID, path string, _ *InstanceRecord) error {
		seen[accessID] = path
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{idA: "users", idB: "orders"}, seen)
}

func TestEvictionSweep(t *testing.T) {
	ctx := context.Background()
	clock := int64(0)
	s, err := NewStore(NewMemoryStore(),
		WithMaxSize(1),
		WithClock(func() int64 { clock++; return clock }))
	require.NoError(t, err)
	defer s.Close()

	// Above a 1-byte ceiling every unpinned row is evictable; the sweep
	// keeps evicting until the total drops below ceiling/2, which with
	// ceiling 1 means everything goes.
	for i := 0; i < 4; i++ {
		id := testAccessID(fmt.Sprintf("c%d", i), 0)
		_, err := s.PutInstance(ctx, testScope, id, &InstanceRecord{
			Path: fmt.Sprintf("c%d", i),
			Data: []document.Document{testDoc("1", int64(i))},
		})
		require.NoError(t, err)
	}
	assert.Zero(t, s.Ledger().Total())
}

func TestEvictionSkipsPinned(t *testing.T) {
	ctx := context.Background()
	clock := int64(0)

	var swept int64
	s, err := NewStore(NewMemoryStore(),
		WithClock(func() int64 { clock++; return clock }),
		WithOnSweep(func(freed int64, _ time.Duration) { swept += freed }))
	require.NoError(t, err)
	defer s.Close()

	pinnedID := testAccessID("pinned", 0)
	looseID := testAccessID("loose", 0)
	s.SetPins(pinSet{pinnedID: true})

	dPinned, err := s.PutInstance(ctx, testScope, pinnedID, &InstanceRecord{
		Path: "pinned", Data: []document.Document{testDoc("1", 1)},
	})
	require.NoError(t, err)
	_, err = s.PutInstance(ctx, testScope, looseID, &InstanceRecord{
		Path: "loose", Data: []document.Document{testDoc("2", 2)},
	})
	require.NoError(t, err)

	// Force pressure after the fact and sweep manually.
	s.maxSize = 1
	require.NoError(t, s.Sweep(ctx))

	_, err = s.GetInstance(ctx, testScope, pinnedID, "pinned")
	assert.NoError(t, err, "pinned rows survive eviction")
	_, err = s.GetInstance(ctx, testScope, looseID, "loose")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, dPinned, s.Ledger().Total())
	assert.Positive(t, swept)
}

type pinSet map[string]bool

func (p pinSet) Pinned(_ Scope, accessID string) bool { return p[accessID] }

func TestJournalRowsOrderedAndUnswept(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(NewMemoryStore(), WithMaxSize(1))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutJournal(ctx, testScope, "0000000000000002", []byte("b")))
	require.NoError(t, s.PutJournal(ctx, testScope, "0000000000000001", []byte("a")))

	var keys []string
	err = s.ScanJournal(ctx, testScope, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000000001", "0000000000000002"}, keys)

	// Journal rows are not eviction candidates and never enter the ledger.
	assert.Zero(t, s.Ledger().Total())
	require.NoError(t, s.Sweep(ctx))
	v, err := s.GetJournal(ctx, testScope, "0000000000000001")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
}

func TestCommandMarshalRoundTrip(t *testing.T) {
	cmd := query.Command{
		Find:      document.D(document.F("a", document.Int64(1))),
		FindOne:   true,
		Sort:      "a",
		Direction: query.DirectionAsc,
		Limit:     7,
		Random:    false,
	}
	got, err := DecodeCommand(EncodeCommand(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd.FindOne, got.FindOne)
	assert.Equal(t, cmd.Sort, got.Sort)
	assert.Equal(t, cmd.Direction, got.Direction)
	assert.Equal(t, cmd.Limit, got.Limit)
	assert.True(t, document.EqualDocs(cmd.Find, got.Find))

	_, err = DecodeCommand(document.D(document.F("nonsense", document.Int64(1))))
	assert.Error(t, err)
}
