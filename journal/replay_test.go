package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

type driverFixture struct {
	store  *store.Store
	jrnl   *Journal
	sender *transport.FakeSender
	reach  *transport.FakeReachability
	driver *Driver
}

func newDriverFixture(t *testing.T, opts ...DriverOption) *driverFixture {
	t.Helper()
	s, j := newTestJournal(t)
	sender := &transport.FakeSender{}
	reach := transport.NewFakeReachability()
	reach.SetReachable(testScope.ProjectID, true)
	tokens := transport.NewFakeTokenSource()
	tokens.SetToken(testScope.ProjectID, "tok")
	opts = append([]DriverOption{WithRate(rate.NewLimiter(rate.Inf, 1))}, opts...)
	return &driverFixture{
		store:  s,
		jrnl:   j,
		sender: sender,
		reach:  reach,
		driver: NewDriver(j, sender, reach, tokens, opts...),
	}
}

func (fx *driverFixture) queue(t *testing.T, id string) *Entry {
	t.Helper()
	entry, err := fx.jrnl.Apply(context.Background(), Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpSetOne,
		Value: testDoc(id, map[string]any{"n": 1}),
	})
	require.NoError(t, err)
	return entry
}

func TestDrainDeliversInOrder(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)

	var sentIDs []string
	fx.sender.Handle = func(endpoint string, body document.Document, token string) (transport.Result, error) {
		assert.Equal(t, transport.EndpointWriteDocument, endpoint)
		assert.Equal(t, "tok", token)
		v, ok := body.GetPath("value._id")
		require.True(t, ok)
		sentIDs = append(sentIDs, v.Str)
		return transport.Result{}, nil
	}

	fx.queue(t, "u1")
	fx.queue(t, "u2")
	fx.queue(t, "u3")

	require.NoError(t, fx.driver.Drain(context.Background(), testScope))
	assert.Equal(t, []string{"u1", "u2", "u3"}, sentIDs)
	assert.Empty(t, fx.jrnl.Pending(testScope))
}

func TestDrainStopsWhenUnreachable(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)
	fx.queue(t, "u1")

	fx.reach.SetReachable(testScope.ProjectID, false)
	require.NoError(t, fx.driver.Drain(context.Background(), testScope))
	assert.Len(t, fx.jrnl.Pending(testScope), 1, "nothing delivered while offline")
	assert.Empty(t, fx.sender.Calls())
}

func TestDeliverRejectionRevertsAndDrops(t *testing.T) {
	fx := newDriverFixture(t)
	accessID := seedRecord(t, fx.store, "users", nil)

	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		return transport.Result{}, &transport.ServerError{Code: "permission_denied", Message: "no"}
	}

	entry := fx.queue(t, "u1")
	require.Len(t, getRecord(t, fx.store, accessID, "users").Data, 1)

	delivered, err := fx.driver.Deliver(context.Background(), testScope, entry)
	assert.True(t, delivered)
	var serverErr *transport.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "permission_denied", serverErr.Code)

	assert.Empty(t, getRecord(t, fx.store, accessID, "users").Data, "optimistic insert reverted")
	assert.Empty(t, fx.jrnl.Pending(testScope), "rejected entry dropped")
}

func TestDeliverRetryLimit(t *testing.T) {
	fx := newDriverFixture(t, WithMaxRetries(1))
	accessID := seedRecord(t, fx.store, "users", nil)

	transient := errors.New("connection reset")
	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		return transport.Result{}, transient
	}

	entry := fx.queue(t, "u1")
	delivered, err := fx.driver.Deliver(context.Background(), testScope, entry)
	assert.True(t, delivered)
	var rle *RetryLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1, rle.Attempts)
	assert.ErrorIs(t, err, transient)

	assert.Empty(t, getRecord(t, fx.store, accessID, "users").Data)
	assert.Empty(t, fx.jrnl.Pending(testScope))
}

func TestDeliverTransientWhenConnectionDrops(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)

	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		// The link went down mid-delivery.
		fx.reach.SetReachable(testScope.ProjectID, false)
		return transport.Result{}, errors.New("connection reset")
	}

	entry := fx.queue(t, "u1")
	delivered, err := fx.driver.Deliver(context.Background(), testScope, entry)
	assert.False(t, delivered)
	assert.Error(t, err)
	assert.Len(t, fx.jrnl.Pending(testScope), 1, "still queued for the next drain")
}

func TestDeliverSupersededMidFlight(t *testing.T) {
	fx := newDriverFixture(t)
	accessID := seedRecord(t, fx.store, "users", nil)

	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		fx.driver.Supersede(testScope.ProjectID)
		return transport.Result{}, nil
	}

	entry := fx.queue(t, "u1")
	delivered, err := fx.driver.Deliver(context.Background(), testScope, entry)
	assert.False(t, delivered)
	assert.ErrorIs(t, err, ErrProcessLost)
	assert.Len(t, fx.jrnl.Pending(testScope), 1, "superseded outcome is discarded")
	require.Len(t, getRecord(t, fx.store, accessID, "users").Data, 1)
}

func TestDeliverObserverSeesOutcome(t *testing.T) {
	var reverted []bool
	fx := newDriverFixture(t, WithOnDeliver(func(_ int, r bool, _ error) {
		reverted = append(reverted, r)
	}))
	seedRecord(t, fx.store, "users", nil)

	fail := true
	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		if fail {
			return transport.Result{}, &transport.ServerError{Code: "bad"}
		}
		return transport.Result{}, nil
	}

	e1 := fx.queue(t, "u1")
	_, _ = fx.driver.Deliver(context.Background(), testScope, e1)
	fail = false
	e2 := fx.queue(t, "u2")
	_, _ = fx.driver.Deliver(context.Background(), testScope, e2)

	assert.Equal(t, []bool{true, false}, reverted)
}

func TestRunDrainsOnReconnect(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)
	fx.reach.SetReachable(testScope.ProjectID, false)
	fx.queue(t, "u1")

	done := make(chan struct{}, 1)
	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		done <- struct{}{}
		return transport.Result{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.driver.Run(ctx, testScope)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, fx.sender.Calls(), "nothing sent while offline")

	fx.reach.SetReachable(testScope.ProjectID, true)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued write was not delivered after reconnect")
	}
}

func TestWriteBody(t *testing.T) {
	body := WriteBody(Write{
		Scope: testScope,
		Path:  "users",
		Op:    query.OpUpdateOne,
		Value: document.MustFromMap(map[string]any{"$set": map[string]any{"a": 1}}),
		Find:  document.MustFromMap(map[string]any{"_id": "u1"}),
	})

	v, _ := body.Get("path")
	assert.Equal(t, "users", v.Str)
	v, _ = body.Get("type")
	assert.Equal(t, "updateOne", v.Str)
	v, ok := body.GetPath("scope.dbName")
	require.True(t, ok)
	assert.Equal(t, "app", v.Str)
	v, ok = body.GetPath("scope.dbUrl")
	require.True(t, ok)
	assert.Equal(t, "https://db.example.com", v.Str)
	assert.True(t, body.Has("value"))
	assert.True(t, body.Has("find"))
}

func TestConcurrentDrainsDeliverEachEntryOnce(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)

	var mu sync.Mutex
	sent := map[string]int{}
	gate := make(chan struct{})
	fx.sender.Handle = func(_ string, body document.Document, _ string) (transport.Result, error) {
		<-gate
		v, ok := body.GetPath("value._id")
		require.True(t, ok)
		mu.Lock()
		sent[v.Str]++
		mu.Unlock()
		return transport.Result{}, nil
	}

	fx.queue(t, "u1")
	fx.queue(t, "u2")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fx.driver.Drain(context.Background(), testScope))
		}()
	}
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"u1": 1, "u2": 1}, sent)
	assert.Empty(t, fx.jrnl.Pending(testScope))
}

func TestDeliverIgnoresResolvedEntry(t *testing.T) {
	fx := newDriverFixture(t)
	seedRecord(t, fx.store, "users", nil)

	sends := 0
	fx.sender.Handle = func(string, document.Document, string) (transport.Result, error) {
		sends++
		return transport.Result{}, nil
	}

	entry := fx.queue(t, "u1")
	require.NoError(t, fx.driver.Drain(context.Background(), testScope))
	require.Equal(t, 1, sends)

	// A caller holding a stale head reference must not resend it.
	delivered, err := fx.driver.Deliver(context.Background(), testScope, entry)
	assert.True(t, delivered)
	assert.NoError(t, err)
	assert.Equal(t, 1, sends)
}
