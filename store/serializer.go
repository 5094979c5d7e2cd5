package store

import (
	"context"
	"sync"
)

// Serializer guarantees at most one in-flight operation per key, admitted
// in FIFO order. An operation waits for the completion of the previous one
// on the same key; a failing or cancelled operation never blocks or poisons
// its successors, only its own caller sees the error.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{tails: make(map[string]chan struct{})}
}

// Do runs fn once the previous operation queued under key has completed.
// If ctx is cancelled while waiting, fn never runs and the queue advances
// to the next waiter.
func (s *Serializer) Do(ctx context.Context, key string, fn func() error) error {
	s.mu.Lock()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.mu.Unlock()

	finish := func() {
		close(done)
		s.mu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// A cancelled waiter may not signal completion before its
			// predecessor has: successors must still see strict FIFO.
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}
	defer finish()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
