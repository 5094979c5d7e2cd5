package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/store"
	"github.com/breezedb/breeze-go/transport"
)

// ErrProcessLost reports that a replay or refresh task was superseded by
// a newer epoch (sign-out, forced refresh) and its result was discarded.
var ErrProcessLost = errors.New("process lost: superseded by a newer epoch")

// RetryLimitError reports that a pending write exhausted its retry
// ceiling against transient failures.
type RetryLimitError struct {
	Attempts int
	Last     error
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("retry_limit_exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryLimitError) Unwrap() error { return e.Last }

// DefaultMaxRetries is the delivery attempt ceiling per pending write.
const DefaultMaxRetries = 7

// Driver replays queued writes once connectivity returns: strict FIFO
// per scope, stopping at the first entry that stays pending. Attempts
// are paced by a rate limiter so a reconnect burst does not flood the
// server.
type Driver struct {
	journal *Journal
	sender  transport.Sender
	reach   transport.Reachability
	tokens  transport.TokenSource
	logger  *slog.Logger
	limiter *rate.Limiter

	maxRetries int
	onDeliver  func(attempts int, reverted bool, err error)

	mu       sync.Mutex
	epochs   map[string]uint64
	running  map[store.Scope]bool
	delivery map[store.Scope]*sync.Mutex
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithMaxRetries sets the delivery attempt ceiling.
func WithMaxRetries(n int) DriverOption {
	return func(d *Driver) { d.maxRetries = n }
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithRate overrides the replay pacing limiter.
func WithRate(l *rate.Limiter) DriverOption {
	return func(d *Driver) { d.limiter = l }
}

// WithOnDeliver registers a callback observing each delivery outcome.
func WithOnDeliver(fn func(attempts int, reverted bool, err error)) DriverOption {
	return func(d *Driver) { d.onDeliver = fn }
}

// NewDriver wires a replay driver over the journal and its transport
// collaborators.
func NewDriver(j *Journal, sender transport.Sender, reach transport.Reachability, tokens transport.TokenSource, opts ...DriverOption) *Driver {
	d := &Driver{
		journal:    j,
		sender:     sender,
		reach:      reach,
		tokens:     tokens,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		maxRetries: DefaultMaxRetries,
		epochs:     make(map[string]uint64),
		running:    make(map[store.Scope]bool),
		delivery:   make(map[store.Scope]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Epoch returns the current replay epoch for a project.
func (d *Driver) Epoch(projectID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epochs[projectID]
}

// Supersede advances the project's epoch. In-flight completions from the
// old epoch are discarded as ErrProcessLost rather than applied.
func (d *Driver) Supersede(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epochs[projectID]++
}

// scopeLock returns the scope's delivery mutex, creating it on first use.
func (d *Driver) scopeLock(scope store.Scope) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.delivery[scope]
	if m == nil {
		m = &sync.Mutex{}
		d.delivery[scope] = m
	}
	return m
}

// Run drains the scope's queue whenever the project is reachable, until
// ctx is done. It is a no-op when a drain loop for the scope is already
// running.
func (d *Driver) Run(ctx context.Context, scope store.Scope) {
	d.mu.Lock()
	if d.running[scope] {
		d.mu.Unlock()
		return
	}
	d.running[scope] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, scope)
		d.mu.Unlock()
	}()

	events, cancel := d.reach.Subscribe(scope.ProjectID)
	defer cancel()

	for {
		if d.reach.Reachable(scope.ProjectID) {
			if err := d.Drain(ctx, scope); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("replay drain stopped", "project", scope.ProjectID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		}
	}
}

// Drain delivers queued entries in insertion order, stopping at the
// first entry that remains pending (unreachable or superseded). Entries
// terminally rejected by the server are reverted and dropped; entries
// that exhaust the retry ceiling are reverted, dropped and logged as
// retry_limit_exceeded.
func (d *Driver) Drain(ctx context.Context, scope store.Scope) error {
	epoch := d.Epoch(scope.ProjectID)
	for {
		entry := d.journal.Head(scope)
		if entry == nil {
			return nil
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if d.Epoch(scope.ProjectID) != epoch {
			return ErrProcessLost
		}
		if !d.reach.Reachable(scope.ProjectID) {
			return nil
		}

		delivered, err := d.Deliver(ctx, scope, entry)
		if errors.Is(err, ErrProcessLost) {
			return err
		}
		if !delivered {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Transient and still pending; later entries must wait.
			return nil
		}
	}
}

// Deliver sends one queued entry immediately. The entry is dropped on
// acknowledgment; on terminal rejection (server error or retry
// exhaustion) its optimistic effects are reverted first and the terminal
// error is returned alongside delivered=true. A transient failure leaves
// the entry queued and reports delivered=false.
//
// At most one delivery runs per scope at a time. Writes are not
// idempotent, so an entry must never reach the server twice even when a
// background drain and an awaited write race for the same queue head.
func (d *Driver) Deliver(ctx context.Context, scope store.Scope, entry *Entry) (delivered bool, _ error) {
	lock := d.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	if head := d.journal.Head(scope); head == nil || head.ID != entry.ID {
		// Resolved by a concurrent delivery between the caller's Head
		// read and now.
		return true, nil
	}

	epoch := d.Epoch(scope.ProjectID)
	err := d.send(ctx, scope, entry)
	if d.Epoch(scope.ProjectID) != epoch {
		// Superseded mid-flight; the outcome no longer belongs to this
		// epoch.
		return false, ErrProcessLost
	}
	switch {
	case err == nil:
		d.observe(entry, false, nil)
		return true, d.journal.Ack(ctx, scope, entry.ID)
	case isServerError(err), isRetryLimit(err):
		d.logger.Warn("pending write terminally failed, reverting",
			"entry", entry.ID, "error", err)
		d.observe(entry, true, err)
		if rerr := d.journal.Revert(ctx, entry); rerr != nil {
			return true, rerr
		}
		if aerr := d.journal.Ack(ctx, scope, entry.ID); aerr != nil {
			return true, aerr
		}
		return true, err
	default:
		return false, err
	}
}

func (d *Driver) observe(entry *Entry, reverted bool, err error) {
	if d.onDeliver != nil {
		d.onDeliver(entry.Attempts, reverted, err)
	}
}

// send delivers one entry over the wire, retrying transient failures
// with exponential backoff up to the configured ceiling.
func (d *Driver) send(ctx context.Context, scope store.Scope, entry *Entry) error {
	token, err := d.tokens.AwaitReady(ctx, scope.ProjectID)
	if err != nil {
		return err
	}

	body := WriteBody(entry.Write)
	attempts := 0
	operation := func() error {
		attempts++
		d.journal.bumpAttempts(ctx, scope, entry.ID)
		_, err := d.sender.Send(ctx, transport.EndpointWriteDocument, body, token)
		if err == nil {
			return nil
		}
		var serverErr *transport.ServerError
		if errors.As(err, &serverErr) {
			return backoff.Permanent(err)
		}
		if !d.reach.Reachable(scope.ProjectID) {
			return backoff.Permanent(errUnreachable)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.maxRetries-1)),
		ctx)
	err = backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	if isServerError(err) || errors.Is(err, errUnreachable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &RetryLimitError{Attempts: attempts, Last: err}
}

var errUnreachable = errors.New("server unreachable")

func isServerError(err error) bool {
	var serverErr *transport.ServerError
	return errors.As(err, &serverErr)
}

func isRetryLimit(err error) bool {
	var rle *RetryLimitError
	return errors.As(err, &rle)
}

// WriteBody renders a write descriptor for the wire.
func WriteBody(w Write) document.Document {
	var d document.Document
	d = append(d, document.F("path", document.String(w.Path)))
	d = append(d, document.F("scope", document.Object(document.D(
		document.F("dbName", document.String(w.Scope.DatabaseName)),
		document.F("dbUrl", document.String(w.Scope.DatabaseURL)),
	))))
	d = append(d, document.F("type", document.String(string(w.Op))))
	if w.Value != nil {
		d = append(d, document.F("value", document.Object(w.Value)))
	}
	if len(w.Values) > 0 {
		vals := make([]document.Value, len(w.Values))
		for i, v := range w.Values {
			vals[i] = document.Object(v)
		}
		d = append(d, document.F("values", document.Array(vals...)))
	}
	if w.Find != nil {
		d = append(d, document.F("find", document.Object(w.Find)))
	}
	return d
}
