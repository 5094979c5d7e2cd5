package journal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
)

var testScope = store.Scope{
	ProjectID:    "proj",
	DatabaseURL:  "https://db.example.com",
	DatabaseName: "app",
}

func testDoc(id string, pairs map[string]any) document.Document {
	d := document.D(document.F("_id", document.String(id)))
	return append(d, document.MustFromMap(pairs)...)
}

func newTestJournal(t *testing.T) (*store.Store, *Journal) {
	t.Helper()
	s, err := store.NewStore(store.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, New(s)
}

// seedRecord caches an unlimited instance record and returns its access id.
func seedRecord(t *testing.T, s *store.Store, path string, find document.Document, docs ...document.Document) string {
	t.Helper()
	cmd := query.Command{Find: find}
	accessID := query.AccessID(path, cmd, query.Config{}, true)
	_, err := s.PutInstance(context.Background(), testScope, accessID, &store.InstanceRecord{
		Path:    path,
		Command: cmd,
		Data:    docs,
	})
	require.NoError(t, err)
	return accessID
}

func getRecord(t *testing.T, s *store.Store, accessID, path string) *store.InstanceRecord {
	t.Helper()
	rec, err := s.GetInstance(context.Background(), testScope, accessID, path)
	require.NoError(t, err)
	return rec
}

func TestApplySetOneInsertsEverywhereItMatches(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	allID := seedRecord(t, s, "users", nil)
	activeID := seedRecord(t, s, "users", document.MustFromMap(map[string]any{"active": true}))
	otherID := seedRecord(t, s, "orders", nil)

	entry, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc("u1", map[string]any{"active": true}),
	})
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Len(t, getRecord(t, s, allID, "users").Data, 1)
	assert.Len(t, getRecord(t, s, activeID, "users").Data, 1, "matches the filtered record too")
	assert.Empty(t, getRecord(t, s, otherID, "orders").Data, "other collections untouched")

	// The entry is journaled, pinned and durable.
	require.Len(t, j.Pending(testScope), 1)
	assert.Equal(t, entry.ID, j.Head(testScope).ID)
	assert.True(t, j.Pinned(testScope, allID))
	assert.True(t, j.Pinned(testScope, activeID))
	assert.False(t, j.Pinned(testScope, otherID))
}

func TestApplySetOneSkipsNonMatchingFilter(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	activeID := seedRecord(t, s, "users", document.MustFromMap(map[string]any{"active": true}))

	_, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc("u1", map[string]any{"active": false}),
	})
	require.NoError(t, err)
	assert.Empty(t, getRecord(t, s, activeID, "users").Data)
}

func TestApplyUpdateAndRevertRestoreExactState(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	before := testDoc("u1", map[string]any{"n": 10})
	accessID := seedRecord(t, s, "users", nil, before)
	ledgerBefore := s.Ledger().Total()
	snapshot := document.EncodeDoc(getRecord(t, s, accessID, "users").Data[0])

	entry, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpUpdateOne,
		Find:  document.MustFromMap(map[string]any{"_id": "u1"}),
		Value: document.MustFromMap(map[string]any{"$inc": map[string]any{"n": 5}}),
	})
	require.NoError(t, err)
	require.Len(t, entry.Editions, 1)
	assert.NotNil(t, entry.Editions[0].Before)
	assert.NotNil(t, entry.Editions[0].After)

	v, _ := getRecord(t, s, accessID, "users").Data[0].Get("n")
	f, _ := v.AsFloat()
	assert.Equal(t, float64(15), f)

	require.NoError(t, j.Revert(ctx, entry))

	restored := getRecord(t, s, accessID, "users").Data[0]
	assert.Equal(t, snapshot, document.EncodeDoc(restored), "revert is byte exact")
	assert.Equal(t, ledgerBefore, s.Ledger().Total(), "ledger deltas net to zero")
}

func TestRevertSkipsExternallyChangedDocument(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	accessID := seedRecord(t, s, "users", nil, testDoc("u1", map[string]any{"n": 1}))

	entry, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpUpdateOne,
		Find:  document.MustFromMap(map[string]any{"_id": "u1"}),
		Value: document.MustFromMap(map[string]any{"$set": map[string]any{"n": 2}}),
	})
	require.NoError(t, err)

	// A fresh fetch replaced the optimistic state in the meantime.
	fresh := testDoc("u1", map[string]any{"n": 99})
	rec := getRecord(t, s, accessID, "users")
	rec.Data[0] = fresh
	_, err = s.PutInstance(ctx, testScope, accessID, rec)
	require.NoError(t, err)

	require.NoError(t, j.Revert(ctx, entry))
	v, _ := getRecord(t, s, accessID, "users").Data[0].Get("n")
	assert.Equal(t, int64(99), v.Int, "newer state wins over the revert")
}

func TestApplyDeleteOneAndRevertReinserts(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	accessID := seedRecord(t, s, "users", nil,
		testDoc("u1", map[string]any{"n": 1}),
		testDoc("u2", map[string]any{"n": 2}))

	entry, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpDeleteOne,
		Find:  document.MustFromMap(map[string]any{"_id": "u1"}),
	})
	require.NoError(t, err)
	assert.Len(t, getRecord(t, s, accessID, "users").Data, 1)

	require.NoError(t, j.Revert(ctx, entry))
	assert.Len(t, getRecord(t, s, accessID, "users").Data, 2)
}

func TestApplyMergeOneUpsertsWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	accessID := seedRecord(t, s, "users", nil)

	_, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpMergeOne,
		Find:  document.MustFromMap(map[string]any{"name": "ada"}),
		Value: document.MustFromMap(map[string]any{"$set": map[string]any{"score": 1}}),
	})
	require.NoError(t, err)

	data := getRecord(t, s, accessID, "users").Data
	require.Len(t, data, 1)
	v, ok := data[0].Get("name")
	require.True(t, ok, "upsert base carries the equality fields of the filter")
	assert.Equal(t, "ada", v.Str)
	assert.True(t, data[0].Has("score"))
	_, ok = data[0].ID()
	assert.True(t, ok, "upserted documents get a generated id")
}

func TestAckUnpinsAndDeletesRow(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	accessID := seedRecord(t, s, "users", nil)
	entry, err := j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc("u1", nil),
	})
	require.NoError(t, err)
	require.True(t, j.Pinned(testScope, accessID))

	require.NoError(t, j.Ack(ctx, testScope, entry.ID))
	assert.Empty(t, j.Pending(testScope))
	assert.False(t, j.Pinned(testScope, accessID))

	err = s.ScanJournal(ctx, testScope, func(string, []byte) error {
		t.Fatal("journal row should be deleted after ack")
		return nil
	})
	require.NoError(t, err)
}

func TestRestoreRebuildsQueueInOrder(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	seedRecord(t, s, "users", nil)
	first, err := j.Apply(ctx, Write{
		Scope: testScope, Path: "users", Op: query.OpSetOne,
		Value: testDoc("u1", nil),
	})
	require.NoError(t, err)
	second, err := j.Apply(ctx, Write{
		Scope: testScope, Path: "users", Op: query.OpSetOne,
		Value: testDoc("u2", nil),
	})
	require.NoError(t, err)

	// A new journal over the same store picks the queue up from disk.
	j2 := New(s)
	require.NoError(t, j2.Restore(ctx, testScope))

	pending := j2.Pending(testScope)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	// Appends after restore keep ordering behind the restored entries.
	third, err := j2.Apply(ctx, Write{
		Scope: testScope, Path: "users", Op: query.OpSetOne,
		Value: testDoc("u3", nil),
	})
	require.NoError(t, err)
	pending = j2.Pending(testScope)
	require.Len(t, pending, 3)
	assert.Equal(t, third.ID, pending[2].ID)
}

func TestEntryMarshalRoundTrip(t *testing.T) {
	e := &Entry{
		ID: "entry-1",
		Write: Write{
			Scope: testScope,
			Path:  "users",
			Op:    query.OpUpdateOne,
			Value: document.MustFromMap(map[string]any{"$set": map[string]any{"a": 1}}),
			Find:  document.MustFromMap(map[string]any{"_id": "u1"}),
		},
		Editions: []Edition{{
			AccessID: "abc",
			Path:     "users",
			Before:   testDoc("u1", map[string]any{"a": 0}),
			After:    testDoc("u1", map[string]any{"a": 1}),
		}},
		AddedOn:  1700000000000,
		Attempts: 3,
	}
	got, err := unmarshalEntry(testScope, marshalEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Write.Op, got.Write.Op)
	assert.Equal(t, e.Write.Path, got.Write.Path)
	assert.Equal(t, e.AddedOn, got.AddedOn)
	assert.Equal(t, e.Attempts, got.Attempts)
	require.Len(t, got.Editions, 1)
	assert.True(t, document.EqualDocs(e.Editions[0].Before, got.Editions[0].Before))
	assert.True(t, document.EqualDocs(e.Editions[0].After, got.Editions[0].After))
}

// hookedTables wraps a backend so tests can observe or fail Set calls.
type hookedTables struct {
	store.TableStore
	onSet func(table, key string) error
}

func (h *hookedTables) Open(ctx context.Context, name string) (store.Table, error) {
	t, err := h.TableStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hookedTable{Table: t, name: name, onSet: h.onSet}, nil
}

type hookedTable struct {
	store.Table
	name  string
	onSet func(table, key string) error
}

func (t *hookedTable) Set(ctx context.Context, row store.Row) error {
	if t.onSet != nil {
		if err := t.onSet(t.name, row.Key); err != nil {
			return err
		}
	}
	return t.Table.Set(ctx, row)
}

func TestApplyPinsRecordsBeforePersisting(t *testing.T) {
	ctx := context.Background()
	var jrnl *Journal
	armed := false
	var observed []bool
	tables := &hookedTables{
		TableStore: store.NewMemoryStore(),
		onSet: func(table, key string) error {
			if !armed || strings.Contains(table, store.ClassJournal) {
				return nil
			}
			accessID, _, ok := strings.Cut(key, "/")
			if !ok {
				return nil
			}
			observed = append(observed, jrnl.Pinned(testScope, accessID))
			return nil
		},
	}
	s, err := store.NewStore(tables)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	jrnl = New(s)

	seedRecord(t, s, "users", nil, testDoc("u1", map[string]any{"n": 1}))

	armed = true
	_, err = jrnl.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc("u2", map[string]any{"n": 2}),
	})
	armed = false
	require.NoError(t, err)

	// A sweep during the persist window consults pins; they must already
	// cover every record the editions touch.
	require.NotEmpty(t, observed)
	for _, pinned := range observed {
		assert.True(t, pinned)
	}
}

func TestApplyUnwindsWhenJournalPersistFails(t *testing.T) {
	ctx := context.Background()
	failJournal := false
	tables := &hookedTables{
		TableStore: store.NewMemoryStore(),
		onSet: func(table, key string) error {
			if failJournal && strings.Contains(table, store.ClassJournal) {
				return errors.New("disk full")
			}
			return nil
		},
	}
	s, err := store.NewStore(tables)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	j := New(s)

	accessID := seedRecord(t, s, "users", nil, testDoc("u1", map[string]any{"n": 1}))
	before := document.EncodeDoc(getRecord(t, s, accessID, "users").Data[0])

	failJournal = true
	_, err = j.Apply(ctx, Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc("u2", map[string]any{"n": 2}),
	})
	require.Error(t, err)

	// No queued entry, no pins, no lingering optimistic state.
	assert.Empty(t, j.Pending(testScope))
	assert.False(t, j.Pinned(testScope, accessID))
	rec := getRecord(t, s, accessID, "users")
	require.Len(t, rec.Data, 1)
	assert.Equal(t, before, document.EncodeDoc(rec.Data[0]))
}

func TestApplyRecomputesForeignDoc(t *testing.T) {
	ctx := context.Background()
	s, j := newTestJournal(t)

	author := func(id, name string) document.Document {
		return testDoc(id, map[string]any{"name": name})
	}

	seedRecord(t, s, "authors", nil, author("a1", "ann"), author("a2", "bo"))

	// Posts embed their author through a dynamic extraction filter.
	ex := query.Extraction{
		Collection: "authors",
		Find: document.D(document.F("_id", document.Object(document.D(
			document.F(query.DynamicValueKey, document.String("authorId")),
		)))),
		FindOne: true,
	}
	cfg := query.Config{Extraction: []query.Extraction{ex}}
	postsID := query.AccessID("posts", query.Command{}, cfg, true)
	// p1 carries an embedding for an author the ancestor cache has
	// never seen.
	p1 := testDoc("p1", map[string]any{"authorId": "a3"}).
		Set(document.ForeignDocField, document.Object(author("a3", "cy")))
	_, err := s.PutInstance(ctx, testScope, postsID, &store.InstanceRecord{
		Path:    "posts",
		Command: query.Command{},
		Config:  cfg,
		Data:    []document.Document{p1},
	})
	require.NoError(t, err)

	post := func(id, authorID string) document.Document {
		return testDoc(id, map[string]any{"authorId": authorID})
	}
	embedded := func(rec *store.InstanceRecord, id string) document.Value {
		t.Helper()
		for _, d := range rec.Data {
			if idv, ok := d.Get("_id"); ok && idv.Kind == document.KindString && idv.Str == id {
				v, ok := d.Get(document.ForeignDocField)
				require.True(t, ok, "post %s has no embedding", id)
				return v
			}
		}
		t.Fatalf("post %s not cached", id)
		return document.Value{}
	}

	// Rebuilt from the ancestor collection's cached data.
	_, err = j.Apply(ctx, Write{
		Scope: testScope, Path: "posts", Op: query.OpSetOne, Value: post("p2", "a2"),
	})
	require.NoError(t, err)
	rec := getRecord(t, s, postsID, "posts")
	v := embedded(rec, "p2")
	require.Equal(t, document.KindDoc, v.Kind)
	assert.True(t, document.EqualDocs(author("a2", "bo"), v.Doc))

	// Harvested from a sibling's embedding when the ancestor cache
	// cannot resolve the author.
	_, err = j.Apply(ctx, Write{
		Scope: testScope, Path: "posts", Op: query.OpSetOne, Value: post("p3", "a3"),
	})
	require.NoError(t, err)
	rec = getRecord(t, s, postsID, "posts")
	v = embedded(rec, "p3")
	require.Equal(t, document.KindDoc, v.Kind)
	assert.True(t, document.EqualDocs(author("a3", "cy"), v.Doc))

	// An update that leaves the author reference intact reuses the
	// document's own embedding.
	_, err = j.Apply(ctx, Write{
		Scope: testScope, Path: "posts", Op: query.OpUpdateOne,
		Find:  document.MustFromMap(map[string]any{"_id": "p1"}),
		Value: document.MustFromMap(map[string]any{"$set": map[string]any{"seen": true}}),
	})
	require.NoError(t, err)
	rec = getRecord(t, s, postsID, "posts")
	v = embedded(rec, "p1")
	require.Equal(t, document.KindDoc, v.Kind)
	assert.True(t, document.EqualDocs(author("a3", "cy"), v.Doc))

	// No resolvable author anywhere yields a null embedding.
	_, err = j.Apply(ctx, Write{
		Scope: testScope, Path: "posts", Op: query.OpSetOne, Value: post("p4", "zz"),
	})
	require.NoError(t, err)
	rec = getRecord(t, s, postsID, "posts")
	assert.Equal(t, document.KindNull, embedded(rec, "p4").Kind)
}
