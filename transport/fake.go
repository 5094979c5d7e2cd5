package transport

import (
	"context"
	"sync"

	"github.com/breezedb/breeze-go/document"
)

// FakeSender is a scriptable Sender for tests. Handle is invoked for every
// send; when nil, Sends fail with ErrUnhandled.
type FakeSender struct {
	mu     sync.Mutex
	Handle func(endpoint string, body document.Document, token string) (Result, error)
	calls  []SendCall
}

// SendCall records one observed Send invocation.
type SendCall struct {
	Endpoint string
	Body     document.Document
	Token    string
}

type errUnhandled struct{}

func (errUnhandled) Error() string { return "fake sender: unhandled request" }

// ErrUnhandled is returned when no Handle func is installed.
var ErrUnhandled error = errUnhandled{}

func (f *FakeSender) Send(ctx context.Context, endpoint string, body document.Document, token string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, SendCall{Endpoint: endpoint, Body: body, Token: token})
	handle := f.Handle
	f.mu.Unlock()
	if handle == nil {
		return Result{}, ErrUnhandled
	}
	return handle(endpoint, body, token)
}

// Calls returns a snapshot of observed sends.
func (f *FakeSender) Calls() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendCall(nil), f.calls...)
}

// FakeReachability is a switchable Reachability for tests. The zero value
// reports every project unreachable.
type FakeReachability struct {
	mu   sync.Mutex
	up   map[string]bool
	subs map[string][]chan bool
}

func NewFakeReachability() *FakeReachability {
	return &FakeReachability{up: make(map[string]bool), subs: make(map[string][]chan bool)}
}

func (f *FakeReachability) Reachable(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[projectID]
}

func (f *FakeReachability) Subscribe(projectID string) (<-chan bool, func()) {
	ch := make(chan bool, 8)
	f.mu.Lock()
	f.subs[projectID] = append(f.subs[projectID], ch)
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[projectID]
		for i, c := range subs {
			if c == ch {
				f.subs[projectID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// SetReachable flips the state for a project and notifies subscribers.
func (f *FakeReachability) SetReachable(projectID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up[projectID] == up {
		return
	}
	f.up[projectID] = up
	for _, ch := range f.subs[projectID] {
		select {
		case ch <- up:
		default:
		}
	}
}

// FakeTokenSource hands out a fixed token per project.
type FakeTokenSource struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewFakeTokenSource() *FakeTokenSource {
	return &FakeTokenSource{tokens: make(map[string]string)}
}

// SetToken installs a token; empty string signs the project out.
func (f *FakeTokenSource) SetToken(projectID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[projectID] = token
}

func (f *FakeTokenSource) Current(projectID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[projectID]
}

func (f *FakeTokenSource) AwaitReady(ctx context.Context, projectID string) (string, error) {
	// Tests install tokens up front; a missing token is a setup error,
	// so just poll ctx once.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.Current(projectID), nil
}
