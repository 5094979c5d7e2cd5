package breeze

import (
	"errors"
	"fmt"

	"github.com/breezedb/breeze-go/journal"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

var (
	// ErrCacheMiss reports that no usable cached record exists for a
	// query. It is an internal fall-through signal, not a failure, but
	// strict no-cache read policies surface it when the server is also
	// unreachable.
	ErrCacheMiss = store.ErrCacheMiss

	// ErrUnreachable reports that the server cannot be reached and the
	// configured policy forbids waiting.
	ErrUnreachable = errors.New("server unreachable")

	// ErrProcessLost reports that an in-flight task was superseded by a
	// newer epoch (sign-out, forced refresh) and its result discarded.
	ErrProcessLost = journal.ErrProcessLost

	// ErrClosed is returned from calls made after Close.
	ErrClosed = errors.New("client closed")
)

// ServerError is a structured rejection returned by the remote store.
type ServerError = transport.ServerError

// RetryLimitError reports that a pending write exhausted its delivery
// retry ceiling.
type RetryLimitError = journal.RetryLimitError

// ValidationError wraps a malformed filter, update expression, document
// or collection path. Always surfaced synchronously, never retried.
//
// The underlying error can be accessed via errors.Unwrap.
type ValidationError struct {
	Op    string
	cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Op, e.cause)
}

func (e *ValidationError) Unwrap() error { return e.cause }

func validationErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Op: op, cause: err}
}
