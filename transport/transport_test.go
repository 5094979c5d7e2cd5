package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezedb/breeze-go/document"
)

func TestServerError(t *testing.T) {
	err := error(&ServerError{Code: "permission_denied", Message: "nope"})
	assert.Equal(t, "server error permission_denied: nope", err.Error())

	var serverErr *ServerError
	assert.True(t, errors.As(err, &serverErr))
}

func TestFakeSenderRecordsCalls(t *testing.T) {
	f := &FakeSender{}
	_, err := f.Send(context.Background(), EndpointReadDocument, nil, "tok")
	assert.ErrorIs(t, err, ErrUnhandled)

	f.Handle = func(endpoint string, body document.Document, token string) (Result, error) {
		return Result{Count: 7}, nil
	}
	res, err := f.Send(context.Background(), EndpointDocumentCount,
		document.D(document.F("path", document.String("users"))), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Count)

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, EndpointReadDocument, calls[0].Endpoint)
	assert.Equal(t, EndpointDocumentCount, calls[1].Endpoint)
	assert.Equal(t, "tok", calls[1].Token)
}

func TestFakeReachabilitySubscribe(t *testing.T) {
	f := NewFakeReachability()
	assert.False(t, f.Reachable("p"))

	events, cancel := f.Subscribe("p")
	f.SetReachable("p", true)
	assert.True(t, f.Reachable("p"))
	assert.True(t, <-events)

	// No transition, no event.
	f.SetReachable("p", true)
	select {
	case <-events:
		t.Fatal("expected no event for an unchanged state")
	default:
	}

	cancel()
	_, open := <-events
	assert.False(t, open, "channel closes after cancel")
}

func TestFakeTokenSource(t *testing.T) {
	f := NewFakeTokenSource()
	f.SetToken("p", "tok")
	assert.Equal(t, "tok", f.Current("p"))

	tok, err := f.AwaitReady(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.AwaitReady(cancelled, "p")
	assert.ErrorIs(t, err, context.Canceled)
}
