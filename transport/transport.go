// Package transport declares the collaborators the cache engine talks to
// but does not implement: the wire sender, the reachability signal and the
// auth token source. Applications plug in real implementations; the fakes
// in this package back the engine's tests.
package transport

import (
	"context"
	"fmt"

	"github.com/breezedb/breeze-go/document"
)

// ServerError is a structured rejection returned by the remote store. It
// is terminal: the engine reverts any optimistic effects instead of
// retrying.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Remote endpoints served by the engine.
const (
	EndpointReadDocument    = "_readDocument"
	EndpointQueryCollection = "_queryCollection"
	EndpointDocumentCount   = "_documentCount"
	EndpointWriteDocument   = "_writeDocument"
)

// Result is a decoded server response to one request.
type Result struct {
	// Docs holds the result set of a read.
	Docs []document.Document
	// Count holds the result of a count request.
	Count int64
	// Status is the per-operation acknowledgement of a write.
	Status []WriteStatus
}

// WriteStatus acknowledges one document of a write batch.
type WriteStatus struct {
	ID       document.Value
	Modified bool
}

// Sender delivers one encoded request to the remote store and decodes the
// response. Implementations own framing, auth headers and transport-level
// retries below the engine's replay policy.
type Sender interface {
	Send(ctx context.Context, endpoint string, body document.Document, token string) (Result, error)
}

// Reachability reports and streams connectivity per project.
type Reachability interface {
	// Reachable reports the current connectivity for a project.
	Reachable(projectID string) bool
	// Subscribe returns a channel that receives the new state on every
	// transition, and a cancel func releasing the subscription. The
	// channel is closed after cancel.
	Subscribe(projectID string) (<-chan bool, func())
}

// TokenSource supplies auth tokens per project.
type TokenSource interface {
	// Current returns the current token, empty when signed out.
	Current(projectID string) string
	// AwaitReady blocks until a token is available or ctx is done.
	AwaitReady(ctx context.Context, projectID string) (string, error)
}
